package license

import (
	"bufio"
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"go.opentelemetry.io/otel/attribute"

	licenseErrors "entitlecli/internal/errors"
	"entitlecli/internal/infrastructure"
	"entitlecli/internal/policy"
	"entitlecli/pkg/contracts/domain"
)

// ImportResult is the numeric outcome of ImportCheckout
type ImportResult int

const (
	ImportOK             ImportResult = 0
	ImportFormatError    ImportResult = -1
	ImportDeviceMismatch ImportResult = -2
)

func (r ImportResult) String() string {
	switch r {
	case ImportOK:
		return "ok"
	case ImportDeviceMismatch:
		return "device_mismatch"
	default:
		return "format_error"
	}
}

const maxCheckoutLine = 1 << 20

// ImportCheckout reads a checkout file holding the policy token and its
// certificate on two lines. It returns 0 once the checkout is stored, -1 for
// any file or format problem and -2 when the checkout is bound to another
// device. Nothing is stored unless the result is 0.
func (s *Session) ImportCheckout(ctx context.Context, path string) (result ImportResult, err error) {
	const op = "session.import_checkout"
	ctx = infrastructure.EnsureTraceID(ctx)
	ctx, span := s.tracer.Start(ctx, "license.import_checkout")
	defer func() {
		span.SetAttributes(attribute.Int("license.import_result", int(result)))
		s.metrics.recordImport(ctx, result)
		endSpan(span, err)
	}()

	formatErr := func(cause error) (ImportResult, error) {
		s.log.logWarn(ctx, "import_checkout", "Checkout rejected", errAttr(cause), slog.String("path", path))
		return ImportFormatError, licenseErrors.NewLicensingError(licenseErrors.KindImportFormat, op,
			fmt.Errorf("%w: %v", licenseErrors.ErrCheckoutFormat, cause))
	}

	if err := s.files.ValidateCheckoutFile(path); err != nil {
		return formatErr(err)
	}
	token, certificate, err := readCheckoutFile(path)
	if err != nil {
		return formatErr(err)
	}
	pol, err := policy.Parse(token, certificate)
	if err != nil {
		return formatErr(err)
	}
	if pol.BoundDevice() == "" {
		return formatErr(fmt.Errorf("policy %s is not bound to a device", pol.ID()))
	}

	if s.signatures == nil {
		return ImportFormatError, licenseErrors.ParamError(op, fmt.Errorf("%w: device signature", licenseErrors.ErrMissingParameter))
	}
	matched, err := s.matchesDevice(pol.BoundDevice())
	if err != nil {
		return formatErr(fmt.Errorf("local signature: %w", err))
	}
	if !matched {
		s.log.logWarn(ctx, "import_checkout", "Checkout bound to a different device",
			slog.String("policy_id", pol.ID()), slog.String("path", path))
		return ImportDeviceMismatch, licenseErrors.NewLicensingError(licenseErrors.KindDeviceMismatch, op, licenseErrors.ErrDeviceMismatch)
	}

	checkout := domain.Checkout{
		PolicyID:    pol.ID(),
		DeviceID:    s.opts.App.DeviceID,
		ProductIDs:  pol.ProductIDs(),
		Token:       token,
		Certificate: certificate,
		ExpiresAt:   pol.ExpiresAt(),
		ImportedAt:  s.clock.Now(),
	}
	if err := s.withOpenStore(ctx, op, func(ctx context.Context) error {
		return s.store.SaveCheckout(ctx, checkout)
	}); err != nil {
		s.log.logError(ctx, "import_checkout", "Failed to store checkout", errAttr(err))
		return ImportFormatError, err
	}

	span.SetAttributes(attribute.String("license.policy_id", pol.ID()))
	s.log.logInfo(ctx, "import_checkout", "Checkout imported",
		slog.String("policy_id", pol.ID()),
		slog.Any("products", checkout.ProductIDs))
	return ImportOK, nil
}

// matchesDevice accepts the machine signature and, when a username is set,
// the user signature.
func (s *Session) matchesDevice(bound string) (bool, error) {
	machine, err := s.signatures.MachineSignature(s.opts.App.DeviceID)
	if err != nil {
		return false, err
	}
	if subtle.ConstantTimeCompare([]byte(bound), []byte(machine)) == 1 {
		return true, nil
	}
	if s.opts.Username == "" {
		return false, nil
	}
	user, err := s.signatures.UserSignature(s.opts.Username, s.opts.App.DeviceID)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare([]byte(bound), []byte(user)) == 1, nil
}

// readCheckoutFile returns the first two non-blank lines
func readCheckoutFile(path string) (token, certificate string, err error) {
	f, err := os.Open(path)
	if err != nil {
		return "", "", err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), maxCheckoutLine)

	var lines []string
	for scanner.Scan() && len(lines) < 2 {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", "", fmt.Errorf("failed to read checkout: %w", err)
	}
	if len(lines) < 2 {
		return "", "", fmt.Errorf("expected token and certificate lines, found %d", len(lines))
	}
	return lines[0], lines[1], nil
}

// validCheckout returns the first stored checkout that is unexpired, valid
// and grants the configured product and feature. The store must be open.
func (s *Session) validCheckout(ctx context.Context) (*policy.Policy, bool) {
	checkouts, err := s.store.CheckoutsForProduct(ctx, s.opts.App.ProductID)
	if err != nil {
		s.log.logWarn(ctx, "checkout_lookup", "Failed to read checkouts", errAttr(err))
		return nil, false
	}

	now := s.clock.Now()
	for _, c := range checkouts {
		if !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt) {
			continue
		}
		if c.DeviceID != "" && c.DeviceID != s.opts.App.DeviceID {
			continue
		}
		pol, err := policy.Parse(c.Token, c.Certificate)
		if err != nil {
			s.log.logWarn(ctx, "checkout_lookup", "Stored checkout is unreadable", errAttr(err),
				slog.String("policy_id", c.PolicyID))
			continue
		}
		if pol.Validity(now) != domain.ValidityValid {
			continue
		}
		switch pol.EvaluateProduct(s.opts.App.ProductID, s.opts.FeatureID, s.opts.App.Version, now) {
		case domain.StatusOk, domain.StatusTrial:
			return pol, true
		}
	}
	return nil, false
}
