package license

import (
	"context"
	"io"
	"time"

	"entitlecli/internal/policy"
	"entitlecli/internal/store"
	"entitlecli/pkg/contracts/domain"
)

// PolicyProvider fetches policies from the entitlement service.
// Every failure is expected to be a ProviderError.
type PolicyProvider interface {
	GetPolicyForUser(ctx context.Context) (*policy.Policy, error)
	GetPolicyWithAccessKey(ctx context.Context, key, ultimateID string) (*policy.Policy, error)
	GetPolicyForProject(ctx context.Context, projectID string) (*policy.Policy, error)
}

// UsageProvider validates access keys and uploads usage and feature records
type UsageProvider interface {
	ValidateAccessKey(ctx context.Context, app domain.ApplicationInfo, key, ultimateID string) (domain.AccessKeyValidation, error)
	PostUsageRecords(ctx context.Context, app domain.ApplicationInfo, records store.Records, pol *policy.Policy) (int, error)
	PostFeatureRecords(ctx context.Context, app domain.ApplicationInfo, records store.Records, pol *policy.Policy) (int, error)
}

// GracePersistence stores the offline grace start across restarts
type GracePersistence interface {
	GracePeriodStart(ctx context.Context) (int64, bool, error)
	SetGracePeriodStart(ctx context.Context, startedAtMillis int64) error
	ResetGracePeriod(ctx context.Context) error
}

// PolicyCache is the cached-policy part of the licensing store
type PolicyCache interface {
	SavePolicy(ctx context.Context, p domain.CachedPolicy) error
	ListPolicies(ctx context.Context) ([]domain.CachedPolicy, error)
	FindLatestPolicy(ctx context.Context, f store.PolicyFilter) (*domain.CachedPolicy, error)
	DeletePolicy(ctx context.Context, policyID string) (int64, error)
	DeleteOtherPoliciesByUser(ctx context.Context, userID, keepPolicyID string) (int64, error)
	DeleteOtherPoliciesByKey(ctx context.Context, accessKey, keepPolicyID string) (int64, error)
	DeleteOtherPoliciesByProject(ctx context.Context, projectID, keepPolicyID string) (int64, error)
}

// LicensingStore is everything the session needs from local persistence
type LicensingStore interface {
	PolicyCache
	GracePersistence
	store.Records

	Open(ctx context.Context) error
	Close() error
	IsOpen() bool

	SaveCheckout(ctx context.Context, c domain.Checkout) error
	CheckoutsForProduct(ctx context.Context, productID string) ([]domain.Checkout, error)
	DeleteExpiredCheckouts(ctx context.Context, now time.Time) (int64, error)

	InsertUsageRecord(ctx context.Context, r domain.UsageRecord) error
	InsertFeatureRecord(ctx context.Context, r domain.FeatureRecord) error
	CountPending(ctx context.Context) (usage, feature int, err error)
	PurgePosted(ctx context.Context, cutoff time.Time) (int64, error)
	ExportCSV(ctx context.Context, kind domain.RecordKind, w io.Writer) (int, error)
}

// DeviceSignature computes the local signatures an imported checkout must match
type DeviceSignature interface {
	MachineSignature(deviceID string) (string, error)
	UserSignature(username, deviceID string) (string, error)
}

var _ LicensingStore = (*store.Store)(nil)
