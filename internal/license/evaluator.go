package license

import (
	"time"

	"entitlecli/internal/policy"
	"entitlecli/pkg/contracts/domain"
)

// Evaluate maps a policy and the grace state to a LicenseStatus. It is pure:
// it reads grace but never changes the tracker it came from.
func Evaluate(pol *policy.Policy, productID, feature, version string, grace GracePeriod, now time.Time) domain.LicenseStatus {
	if pol == nil {
		return domain.StatusNotEntitled
	}

	switch pol.Validity(now) {
	case domain.ValidityValid:
	case domain.ValidityExpired:
		return domain.StatusExpired
	default:
		return domain.StatusDisabledByPolicy
	}

	if status := pol.EvaluateProduct(productID, feature, version, now); status != domain.StatusOk {
		return status
	}

	if !grace.Active {
		return domain.StatusOk
	}
	if !pol.AllowsOffline(productID, feature) {
		return domain.StatusDisabledByPolicy
	}
	if grace.DaysRemaining(pol, now.UnixMilli()) > 0 {
		return domain.StatusOffline
	}
	return domain.StatusExpired
}

// TrialDaysRemaining returns -1 unless pol is valid and covers productID,
// otherwise the policy's remaining trial days.
func TrialDaysRemaining(pol *policy.Policy, productID string, now time.Time) int64 {
	if pol == nil || pol.Validity(now) != domain.ValidityValid || !pol.HasProduct(productID) {
		return -1
	}
	return pol.TrialDaysRemaining(now)
}
