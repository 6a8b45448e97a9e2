package policy

import (
	"github.com/golang-jwt/jwt/v5"
)

// SecurableStatus is the grant carried by a securable
type SecurableStatus string

const (
	SecurableGranted SecurableStatus = "granted"
	SecurableTrial   SecurableStatus = "trial"
	SecurableDenied  SecurableStatus = "denied"
)

// Securable is one product/feature access entry
type Securable struct {
	ProductID    string           `json:"product_id"`
	FeatureID    string           `json:"feature_id,omitempty"` // empty matches every feature
	MinVersion   string           `json:"min_version,omitempty"`
	MaxVersion   string           `json:"max_version,omitempty"`
	Status       SecurableStatus  `json:"status,omitempty"`
	AllowOffline bool             `json:"allow_offline"`
	ExpiresAt    *jwt.NumericDate `json:"expires_at,omitempty"`
}

// Claims is the signed body of a policy token.
// RegisteredClaims.ID is the policy id and Subject the owning user.
type Claims struct {
	jwt.RegisteredClaims

	AccessKey       string           `json:"access_key,omitempty"`
	ProjectID       string           `json:"project_id,omitempty"`
	Country         string           `json:"country,omitempty"`
	Trial           bool             `json:"trial,omitempty"`
	TrialEndsAt     *jwt.NumericDate `json:"trial_ends_at,omitempty"`
	Disabled        bool             `json:"disabled,omitempty"`
	DeviceSignature string           `json:"device_signature,omitempty"`

	HeartbeatSeconds    int64 `json:"heartbeat_interval,omitempty"`
	RefreshSeconds      int64 `json:"refresh_interval,omitempty"`
	LogRetentionSeconds int64 `json:"log_retention,omitempty"`
	OfflineDays         int64 `json:"offline_days,omitempty"`

	Securables []Securable `json:"securables"`
}
