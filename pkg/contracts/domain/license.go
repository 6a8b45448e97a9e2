// Package domain contains the core domain models for the entitlement client.
// These types serve as the Single Source of Truth (SSOT) for all layers of the application.
package domain

import (
	"fmt"
	"strings"
	"time"
)

// LicenseStatus is the outcome of a license evaluation
type LicenseStatus int

const (
	StatusOk LicenseStatus = iota
	StatusOffline
	StatusTrial
	StatusExpired
	StatusNotEntitled
	StatusDisabledByPolicy
	StatusAccessDenied
	StatusError
)

var licenseStatusNames = map[LicenseStatus]string{
	StatusOk:               "ok",
	StatusOffline:          "offline",
	StatusTrial:            "trial",
	StatusExpired:          "expired",
	StatusNotEntitled:      "not_entitled",
	StatusDisabledByPolicy: "disabled_by_policy",
	StatusAccessDenied:     "access_denied",
	StatusError:            "error",
}

// String returns the snake_case name used in logs and API responses
func (s LicenseStatus) String() string {
	if name, ok := licenseStatusNames[s]; ok {
		return name
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Usable reports whether the application may run under this status
func (s LicenseStatus) Usable() bool {
	return s == StatusOk || s == StatusOffline || s == StatusTrial
}

// MarshalText implements encoding.TextMarshaler
func (s LicenseStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *LicenseStatus) UnmarshalText(text []byte) error {
	for status, name := range licenseStatusNames {
		if name == string(text) {
			*s = status
			return nil
		}
	}
	return fmt.Errorf("unknown license status %q", string(text))
}

// Validity is the document-level state of a policy
type Validity int

const (
	ValidityValid Validity = iota
	ValidityExpired
	ValidityOther
)

func (v Validity) String() string {
	switch v {
	case ValidityValid:
		return "valid"
	case ValidityExpired:
		return "expired"
	default:
		return "other"
	}
}

// PolicySource selects how a session acquires its policy
type PolicySource int

const (
	PolicySourceUser PolicySource = iota
	PolicySourceAccessKey
	PolicySourceProject
)

func (p PolicySource) String() string {
	switch p {
	case PolicySourceAccessKey:
		return "access_key"
	case PolicySourceProject:
		return "project"
	default:
		return "user"
	}
}

// ParsePolicySource parses the configuration spelling of a policy source
func ParsePolicySource(s string) (PolicySource, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "user":
		return PolicySourceUser, nil
	case "access_key", "access-key", "key":
		return PolicySourceAccessKey, nil
	case "project":
		return PolicySourceProject, nil
	default:
		return PolicySourceUser, fmt.Errorf("unknown policy source %q", s)
	}
}

// Scope identifies whose policy is being resolved
type Scope struct {
	Source     PolicySource `json:"source"`
	AccessKey  string       `json:"access_key,omitempty"`
	UltimateID string       `json:"ultimate_id,omitempty"`
	ProjectID  string       `json:"project_id,omitempty"`
}

// ApplicationInfo describes the host application. Immutable once a session is built.
type ApplicationInfo struct {
	ProductID string `json:"product_id" validate:"required"`
	Version   string `json:"version" validate:"required,semver"`
	DeviceID  string `json:"device_id" validate:"required"`
}

// AccessKeyValidation is the usage service verdict on an access key
type AccessKeyValidation struct {
	Accepted bool   `json:"accepted"`
	Message  string `json:"message,omitempty"`
}

// CachedPolicy is a policy persisted in the local store
type CachedPolicy struct {
	PolicyID    string    `json:"policy_id" db:"policy_id"`
	UserID      string    `json:"user_id" db:"user_id"`
	AccessKey   string    `json:"access_key" db:"access_key"`
	ProjectID   string    `json:"project_id" db:"project_id"`
	ProductIDs  []string  `json:"product_ids" db:"-"`
	Token       string    `json:"token" db:"token"`
	Certificate string    `json:"certificate" db:"certificate"`
	FetchedAt   time.Time `json:"fetched_at" db:"fetched_at"`
}

// Checkout is a device-bound policy imported out of band
type Checkout struct {
	PolicyID    string    `json:"policy_id" db:"policy_id"`
	DeviceID    string    `json:"device_id" db:"device_id"`
	ProductIDs  []string  `json:"product_ids" db:"-"`
	Token       string    `json:"token" db:"token"`
	Certificate string    `json:"certificate" db:"certificate"`
	ExpiresAt   time.Time `json:"expires_at" db:"expires_at"`
	ImportedAt  time.Time `json:"imported_at" db:"imported_at"`
}

// PolicyIdentity carries the identity fields copied from a policy onto records
type PolicyIdentity struct {
	PolicyID  string `json:"policy_id" db:"policy_id"`
	UserID    string `json:"user_id" db:"user_id"`
	AccessKey string `json:"access_key" db:"access_key"`
	ProjectID string `json:"project_id" db:"project_id"`
	Country   string `json:"country" db:"country"`
	Trial     bool   `json:"trial" db:"trial"`
}

// UsageRecord is one usage heartbeat event awaiting upload
type UsageRecord struct {
	ID         string         `json:"id" db:"id"`
	ProductID  string         `json:"product_id" db:"product_id"`
	Version    string         `json:"version" db:"version"`
	DeviceID   string         `json:"device_id" db:"device_id"`
	Identity   PolicyIdentity `json:"identity"`
	Status     LicenseStatus  `json:"status" db:"status"`
	RecordedAt time.Time      `json:"recorded_at" db:"recorded_at"`
	Posted     bool           `json:"posted" db:"posted"`
}

// FeatureRecord is one feature-usage event awaiting upload
type FeatureRecord struct {
	ID         string         `json:"id" db:"id"`
	ProductID  string         `json:"product_id" db:"product_id"`
	FeatureID  string         `json:"feature_id" db:"feature_id"`
	Version    string         `json:"version" db:"version"`
	DeviceID   string         `json:"device_id" db:"device_id"`
	Identity   PolicyIdentity `json:"identity"`
	UserData   string         `json:"user_data,omitempty" db:"user_data"`
	StartedAt  time.Time      `json:"started_at" db:"started_at"`
	RecordedAt time.Time      `json:"recorded_at" db:"recorded_at"`
	Posted     bool           `json:"posted" db:"posted"`
}

// RecordKind selects usage or feature records
type RecordKind string

const (
	RecordKindUsage   RecordKind = "usage"
	RecordKindFeature RecordKind = "feature"
)
