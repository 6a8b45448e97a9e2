package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
	"golang.org/x/mod/semver"
	"gopkg.in/yaml.v2"
)

// EnvPrefix namespaces every environment variable read by Load
const EnvPrefix = "ENTITLE"

// Config represents the complete agent configuration
type Config struct {
	Application ApplicationConfig `yaml:"application" envconfig:"APPLICATION"`
	Licensing   LicensingConfig   `yaml:"licensing" envconfig:"LICENSING"`
	Logging     LoggingConfig     `yaml:"logging" envconfig:"LOGGING"`
	Telemetry   TelemetryConfig   `yaml:"telemetry" envconfig:"TELEMETRY"`
	Server      ServerConfig      `yaml:"server" envconfig:"SERVER"`
}

// ApplicationConfig describes the host application being licensed
type ApplicationConfig struct {
	ProductID string `yaml:"product_id" envconfig:"PRODUCT_ID"`
	Version   string `yaml:"version" envconfig:"VERSION" default:"1.0.0"`
	DeviceID  string `yaml:"device_id" envconfig:"DEVICE_ID"`
	FeatureID string `yaml:"feature_id" envconfig:"FEATURE_ID"`
}

// LicensingConfig contains the license runtime configuration
type LicensingConfig struct {
	DBPath       string        `yaml:"db_path" envconfig:"DB_PATH" default:"data/licensing.db"`
	ServerURL    string        `yaml:"server_url" envconfig:"SERVER_URL" default:"http://localhost:9400"`
	APIToken     string        `yaml:"api_token" envconfig:"API_TOKEN"`
	PolicySource string        `yaml:"policy_source" envconfig:"POLICY_SOURCE" default:"user"`
	AccessKey    string        `yaml:"access_key" envconfig:"ACCESS_KEY"`
	UltimateID   string        `yaml:"ultimate_id" envconfig:"ULTIMATE_ID"`
	ProjectID    string        `yaml:"project_id" envconfig:"PROJECT_ID"`
	HTTPTimeout  time.Duration `yaml:"http_timeout" envconfig:"HTTP_TIMEOUT" default:"30s"`
	RateLimit    float64       `yaml:"rate_limit" envconfig:"RATE_LIMIT" default:"5"`
	RateBurst    int           `yaml:"rate_burst" envconfig:"RATE_BURST" default:"10"`
	CheckoutDir  string        `yaml:"checkout_dir" envconfig:"CHECKOUT_DIR"`
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level       string `yaml:"level" envconfig:"LEVEL" default:"info"`
	Format      string `yaml:"format" envconfig:"FORMAT" default:"json"`
	Output      string `yaml:"output" envconfig:"OUTPUT" default:"console"`
	FilePath    string `yaml:"file_path" envconfig:"FILE_PATH" default:"logs/agent.log"`
	Development bool   `yaml:"development" envconfig:"DEVELOPMENT" default:"false"`
}

// TelemetryConfig selects the OpenTelemetry exporters
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name" envconfig:"SERVICE_NAME" default:"entitle-agent"`
	TraceExporter  string `yaml:"trace_exporter" envconfig:"TRACE_EXPORTER" default:"none"`
	MetricExporter string `yaml:"metric_exporter" envconfig:"METRIC_EXPORTER" default:"prometheus"`
}

// ServerConfig contains the local control API configuration
type ServerConfig struct {
	Addr            string        `yaml:"addr" envconfig:"ADDR" default:"127.0.0.1:9410"`
	ReadTimeout     time.Duration `yaml:"read_timeout" envconfig:"READ_TIMEOUT" default:"15s"`
	WriteTimeout    time.Duration `yaml:"write_timeout" envconfig:"WRITE_TIMEOUT" default:"15s"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" envconfig:"SHUTDOWN_TIMEOUT" default:"30s"`
}

// Load loads configuration from environment variables and an optional config file.
// An empty path searches the usual locations.
func Load(path string) (*Config, error) {
	var cfg Config

	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config from env: %w", err)
	}

	if path == "" {
		path = getConfigFilePath()
	}
	if path != "" {
		fileConfig, err := loadFromFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
		cfg = mergeConfigs(*fileConfig, cfg)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// loadFromFile loads configuration from YAML file
func loadFromFile(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// mergeConfigs layers env config over file config. An env value that is set
// explicitly wins; defaults applied by envconfig lose to the file.
func mergeConfigs(fileConfig, envConfig Config) Config {
	pick := func(key, envVal, fileVal string) string {
		if _, ok := os.LookupEnv(EnvPrefix + "_" + key); ok || fileVal == "" {
			return envVal
		}
		return fileVal
	}
	pickDur := func(key string, envVal, fileVal time.Duration) time.Duration {
		if _, ok := os.LookupEnv(EnvPrefix + "_" + key); ok || fileVal == 0 {
			return envVal
		}
		return fileVal
	}

	out := envConfig

	out.Application.ProductID = pick("APPLICATION_PRODUCT_ID", envConfig.Application.ProductID, fileConfig.Application.ProductID)
	out.Application.Version = pick("APPLICATION_VERSION", envConfig.Application.Version, fileConfig.Application.Version)
	out.Application.DeviceID = pick("APPLICATION_DEVICE_ID", envConfig.Application.DeviceID, fileConfig.Application.DeviceID)
	out.Application.FeatureID = pick("APPLICATION_FEATURE_ID", envConfig.Application.FeatureID, fileConfig.Application.FeatureID)

	out.Licensing.DBPath = pick("LICENSING_DB_PATH", envConfig.Licensing.DBPath, fileConfig.Licensing.DBPath)
	out.Licensing.ServerURL = pick("LICENSING_SERVER_URL", envConfig.Licensing.ServerURL, fileConfig.Licensing.ServerURL)
	out.Licensing.APIToken = pick("LICENSING_API_TOKEN", envConfig.Licensing.APIToken, fileConfig.Licensing.APIToken)
	out.Licensing.PolicySource = pick("LICENSING_POLICY_SOURCE", envConfig.Licensing.PolicySource, fileConfig.Licensing.PolicySource)
	out.Licensing.AccessKey = pick("LICENSING_ACCESS_KEY", envConfig.Licensing.AccessKey, fileConfig.Licensing.AccessKey)
	out.Licensing.UltimateID = pick("LICENSING_ULTIMATE_ID", envConfig.Licensing.UltimateID, fileConfig.Licensing.UltimateID)
	out.Licensing.ProjectID = pick("LICENSING_PROJECT_ID", envConfig.Licensing.ProjectID, fileConfig.Licensing.ProjectID)
	out.Licensing.CheckoutDir = pick("LICENSING_CHECKOUT_DIR", envConfig.Licensing.CheckoutDir, fileConfig.Licensing.CheckoutDir)
	out.Licensing.HTTPTimeout = pickDur("LICENSING_HTTP_TIMEOUT", envConfig.Licensing.HTTPTimeout, fileConfig.Licensing.HTTPTimeout)
	if _, ok := os.LookupEnv(EnvPrefix + "_LICENSING_RATE_LIMIT"); !ok && fileConfig.Licensing.RateLimit > 0 {
		out.Licensing.RateLimit = fileConfig.Licensing.RateLimit
	}
	if _, ok := os.LookupEnv(EnvPrefix + "_LICENSING_RATE_BURST"); !ok && fileConfig.Licensing.RateBurst > 0 {
		out.Licensing.RateBurst = fileConfig.Licensing.RateBurst
	}

	out.Logging.Level = pick("LOGGING_LEVEL", envConfig.Logging.Level, fileConfig.Logging.Level)
	out.Logging.Output = pick("LOGGING_OUTPUT", envConfig.Logging.Output, fileConfig.Logging.Output)
	out.Logging.FilePath = pick("LOGGING_FILE_PATH", envConfig.Logging.FilePath, fileConfig.Logging.FilePath)
	if _, ok := os.LookupEnv(EnvPrefix + "_LOGGING_DEVELOPMENT"); !ok && fileConfig.Logging.Development {
		out.Logging.Development = true
	}

	out.Telemetry.ServiceName = pick("TELEMETRY_SERVICE_NAME", envConfig.Telemetry.ServiceName, fileConfig.Telemetry.ServiceName)
	out.Telemetry.TraceExporter = pick("TELEMETRY_TRACE_EXPORTER", envConfig.Telemetry.TraceExporter, fileConfig.Telemetry.TraceExporter)
	out.Telemetry.MetricExporter = pick("TELEMETRY_METRIC_EXPORTER", envConfig.Telemetry.MetricExporter, fileConfig.Telemetry.MetricExporter)

	out.Server.Addr = pick("SERVER_ADDR", envConfig.Server.Addr, fileConfig.Server.Addr)
	out.Server.ReadTimeout = pickDur("SERVER_READ_TIMEOUT", envConfig.Server.ReadTimeout, fileConfig.Server.ReadTimeout)
	out.Server.WriteTimeout = pickDur("SERVER_WRITE_TIMEOUT", envConfig.Server.WriteTimeout, fileConfig.Server.WriteTimeout)
	out.Server.ShutdownTimeout = pickDur("SERVER_SHUTDOWN_TIMEOUT", envConfig.Server.ShutdownTimeout, fileConfig.Server.ShutdownTimeout)

	return out
}

// validate validates the configuration
func (c *Config) validate() error {
	if v := c.Application.Version; v != "" && !semver.IsValid(canonicalVersion(v)) {
		return fmt.Errorf("application version %q is not a semantic version", v)
	}

	switch strings.ToLower(c.Licensing.PolicySource) {
	case "", "user":
	case "access_key", "access-key", "key":
		if c.Licensing.AccessKey == "" {
			return fmt.Errorf("policy source %q requires an access key", c.Licensing.PolicySource)
		}
	case "project":
		if c.Licensing.ProjectID == "" {
			return fmt.Errorf("policy source %q requires a project id", c.Licensing.PolicySource)
		}
	default:
		return fmt.Errorf("unknown policy source %q", c.Licensing.PolicySource)
	}

	if c.Licensing.HTTPTimeout <= 0 {
		return fmt.Errorf("licensing http timeout must be positive")
	}
	if c.Licensing.RateLimit <= 0 {
		return fmt.Errorf("licensing rate limit must be positive")
	}
	if c.Licensing.RateBurst <= 0 {
		c.Licensing.RateBurst = 1
	}

	if c.Logging.Format != "json" {
		c.Logging.Format = "json"
	}
	switch c.Logging.Output {
	case "console", "file", "both":
	default:
		c.Logging.Output = "console"
	}
	if c.Logging.FilePath == "" {
		c.Logging.FilePath = "logs/agent.log"
	}

	switch c.Telemetry.TraceExporter {
	case "stdout", "none", "":
	default:
		return fmt.Errorf("unknown trace exporter %q", c.Telemetry.TraceExporter)
	}
	switch c.Telemetry.MetricExporter {
	case "prometheus", "none", "":
	default:
		return fmt.Errorf("unknown metric exporter %q", c.Telemetry.MetricExporter)
	}

	if c.Server.Addr == "" {
		return fmt.Errorf("server address must be set")
	}

	return nil
}

// canonicalVersion adds the "v" prefix x/mod/semver expects
func canonicalVersion(v string) string {
	if strings.HasPrefix(v, "v") {
		return v
	}
	return "v" + v
}

// getConfigFilePath returns the path to the config file
func getConfigFilePath() string {
	locations := []string{
		"entitle.yaml",
		"configs/entitle.yaml",
	}
	if dir, err := os.UserConfigDir(); err == nil {
		locations = append(locations, dir+"/entitle/entitle.yaml")
	}

	for _, location := range locations {
		if _, err := os.Stat(location); err == nil {
			return location
		}
	}

	return ""
}

// Default returns default configuration
func Default() *Config {
	return &Config{
		Application: ApplicationConfig{
			Version: "1.0.0",
		},
		Licensing: LicensingConfig{
			DBPath:       "data/licensing.db",
			ServerURL:    "http://localhost:9400",
			PolicySource: "user",
			HTTPTimeout:  30 * time.Second,
			RateLimit:    5,
			RateBurst:    10,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "json",
			Output:   "console",
			FilePath: "logs/agent.log",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "entitle-agent",
			TraceExporter:  "none",
			MetricExporter: "prometheus",
		},
		Server: ServerConfig{
			Addr:            "127.0.0.1:9410",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    15 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
	}
}
