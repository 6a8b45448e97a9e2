// Package policy parses and evaluates signed entitlement policies.
//
// A policy travels as two lines: an EdDSA-signed JWT carrying Claims, and a
// certificate line holding the base64 DER (PKIX) Ed25519 public key that signed it.
// Policies are immutable once parsed.
package policy

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/mod/semver"

	"entitlecli/pkg/contracts/domain"
)

const (
	DefaultHeartbeatInterval = 15 * time.Minute
	DefaultRefreshInterval   = time.Hour
	DefaultLogRetention      = time.Hour

	dayMillis = int64(24 * time.Hour / time.Millisecond)
)

var (
	ErrEmptyToken       = errors.New("policy token is empty")
	ErrEmptyCertificate = errors.New("policy certificate is empty")
	ErrBadCertificate   = errors.New("policy certificate is not an Ed25519 public key")
)

// Policy is a verified, immutable entitlement document
type Policy struct {
	claims      Claims
	token       string
	certificate string
}

// Parse verifies token against certificate and returns the policy it carries.
// Time-based claims are not rejected here; expiry is reported through Validity.
func Parse(token, certificate string) (*Policy, error) {
	token = strings.TrimSpace(token)
	certificate = strings.TrimSpace(certificate)
	if token == "" {
		return nil, ErrEmptyToken
	}
	if certificate == "" {
		return nil, ErrEmptyCertificate
	}

	pub, err := decodeCertificate(certificate)
	if err != nil {
		return nil, err
	}

	var claims Claims
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if _, err := parser.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return pub, nil
	}); err != nil {
		return nil, fmt.Errorf("failed to verify policy token: %w", err)
	}

	if claims.ID == "" {
		return nil, fmt.Errorf("policy token has no policy id")
	}

	return &Policy{claims: claims, token: token, certificate: certificate}, nil
}

func decodeCertificate(certificate string) (ed25519.PublicKey, error) {
	der, err := base64.StdEncoding.DecodeString(certificate)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCertificate, err)
	}
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadCertificate, err)
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, ErrBadCertificate
	}
	return pub, nil
}

// ID returns the policy id
func (p *Policy) ID() string { return p.claims.ID }

// Token returns the raw signed token
func (p *Policy) Token() string { return p.token }

// Certificate returns the certificate line the token was verified with
func (p *Policy) Certificate() string { return p.certificate }

// Claims returns a copy of the verified claims
func (p *Policy) Claims() Claims { return p.claims }

// BoundDevice returns the device signature a checkout is bound to, or ""
func (p *Policy) BoundDevice() string { return p.claims.DeviceSignature }

// Identity returns the identity fields copied onto usage and feature records
func (p *Policy) Identity() domain.PolicyIdentity {
	return domain.PolicyIdentity{
		PolicyID:  p.claims.ID,
		UserID:    p.claims.Subject,
		AccessKey: p.claims.AccessKey,
		ProjectID: p.claims.ProjectID,
		Country:   p.claims.Country,
		Trial:     p.claims.Trial,
	}
}

// ProductIDs returns the distinct products the policy has securables for
func (p *Policy) ProductIDs() []string {
	seen := make(map[string]struct{}, len(p.claims.Securables))
	out := make([]string, 0, len(p.claims.Securables))
	for _, s := range p.claims.Securables {
		if _, ok := seen[s.ProductID]; ok {
			continue
		}
		seen[s.ProductID] = struct{}{}
		out = append(out, s.ProductID)
	}
	return out
}

// HasProduct reports whether any securable names productID
func (p *Policy) HasProduct(productID string) bool {
	for _, s := range p.claims.Securables {
		if s.ProductID == productID {
			return true
		}
	}
	return false
}

// ExpiresAt returns the document expiry, or the zero time when unbounded
func (p *Policy) ExpiresAt() time.Time {
	if p.claims.ExpiresAt == nil {
		return time.Time{}
	}
	return p.claims.ExpiresAt.Time
}

// Validity reports the document-level state at now
func (p *Policy) Validity(now time.Time) domain.Validity {
	if p.claims.Disabled {
		return domain.ValidityOther
	}
	if p.claims.NotBefore != nil && now.Before(p.claims.NotBefore.Time) {
		return domain.ValidityOther
	}
	if p.claims.ExpiresAt != nil && !now.Before(p.claims.ExpiresAt.Time) {
		return domain.ValidityExpired
	}
	return domain.ValidityValid
}

// EvaluateProduct returns the per-product status for productID, feature and version.
// Securables naming the exact feature win over product-wide ones.
func (p *Policy) EvaluateProduct(productID, feature, version string, now time.Time) domain.LicenseStatus {
	sec, productKnown := p.match(productID, feature, version)
	if sec == nil {
		if productKnown {
			return domain.StatusAccessDenied
		}
		return domain.StatusNotEntitled
	}

	if sec.Status == SecurableDenied {
		return domain.StatusAccessDenied
	}
	if sec.ExpiresAt != nil && !now.Before(sec.ExpiresAt.Time) {
		return domain.StatusExpired
	}
	if sec.Status == SecurableTrial || p.claims.Trial {
		if p.claims.TrialEndsAt != nil && !now.Before(p.claims.TrialEndsAt.Time) {
			return domain.StatusExpired
		}
		return domain.StatusTrial
	}
	return domain.StatusOk
}

// AllowsOffline reports whether the matching securable permits offline use
func (p *Policy) AllowsOffline(productID, feature string) bool {
	sec, _ := p.match(productID, feature, "")
	return sec != nil && sec.AllowOffline
}

// OfflineDurationDays is the length of the offline grace period
func (p *Policy) OfflineDurationDays() int64 {
	if p.claims.OfflineDays < 0 {
		return 0
	}
	return p.claims.OfflineDays
}

// HeartbeatInterval is the usage heartbeat cadence
func (p *Policy) HeartbeatInterval() time.Duration {
	return secondsOr(p.claims.HeartbeatSeconds, DefaultHeartbeatInterval)
}

// RefreshInterval is the policy refresh cadence
func (p *Policy) RefreshInterval() time.Duration {
	return secondsOr(p.claims.RefreshSeconds, DefaultRefreshInterval)
}

// LogRetention is how long records may wait before they are posted
func (p *Policy) LogRetention() time.Duration {
	return secondsOr(p.claims.LogRetentionSeconds, DefaultLogRetention)
}

// IsTrial reports whether the policy is a trial policy
func (p *Policy) IsTrial() bool { return p.claims.Trial }

// TrialDaysRemaining returns whole trial days left at now, never negative.
// Non-trial policies report 0.
func (p *Policy) TrialDaysRemaining(now time.Time) int64 {
	if !p.claims.Trial || p.claims.TrialEndsAt == nil {
		return 0
	}
	left := p.claims.TrialEndsAt.Time.Sub(now).Milliseconds()
	if left <= 0 {
		return 0
	}
	return left / dayMillis
}

func (p *Policy) match(productID, feature, version string) (*Securable, bool) {
	var (
		productWide  *Securable
		productKnown bool
	)
	for i := range p.claims.Securables {
		s := &p.claims.Securables[i]
		if s.ProductID != productID {
			continue
		}
		productKnown = true
		if version != "" && !versionInRange(version, s.MinVersion, s.MaxVersion) {
			continue
		}
		if s.FeatureID != "" && feature != "" && s.FeatureID == feature {
			return s, true
		}
		if s.FeatureID == "" && productWide == nil {
			productWide = s
		}
	}
	return productWide, productKnown
}

// versionInRange checks min <= version <= max. A max without a minor part
// ("2") admits every release of that major line.
func versionInRange(version, min, max string) bool {
	v := canonical(version)
	if !semver.IsValid(v) {
		return false
	}
	if min != "" && semver.Compare(v, canonical(min)) < 0 {
		return false
	}
	if max != "" {
		m := canonical(max)
		if !strings.Contains(max, ".") {
			return semver.Compare(semver.Major(v), m) <= 0
		}
		if semver.Compare(v, m) > 0 {
			return false
		}
	}
	return true
}

func canonical(v string) string {
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "v") {
		v = "v" + v
	}
	return v
}

func secondsOr(seconds int64, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}
