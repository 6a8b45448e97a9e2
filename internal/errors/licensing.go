package errors

import (
	"errors"
	"fmt"
)

// Kind classifies failures of the license runtime
type Kind string

const (
	KindParam          Kind = "PARAM"
	KindPersistence    Kind = "PERSISTENCE"
	KindProvider       Kind = "PROVIDER"
	KindNotEntitled    Kind = "NOT_ENTITLED"
	KindImportFormat   Kind = "IMPORT_FORMAT"
	KindDeviceMismatch Kind = "DEVICE_MISMATCH"
	KindState          Kind = "STATE"
)

// Sentinel errors. LicensingError values unwrap to one of these where applicable.
var (
	ErrMissingParameter    = errors.New("missing required parameter")
	ErrStoreClosed         = errors.New("licensing store is not open")
	ErrProviderUnavailable = errors.New("entitlement service unavailable")
	ErrAccessKeyRejected   = errors.New("access key rejected")
	ErrCheckoutFormat      = errors.New("malformed checkout file")
	ErrDeviceMismatch      = errors.New("checkout bound to a different device")
	ErrNoPolicy            = errors.New("no policy available")
	ErrNotRunning          = errors.New("license session is not running")
	ErrAlreadyRunning      = errors.New("license session already running")
	ErrStatusNotUsable     = errors.New("license status does not permit use")
)

// LicensingError carries the failure kind and the operation that produced it
type LicensingError struct {
	Kind Kind
	Op   string
	Err  error
}

// Error implements the error interface
func (e *LicensingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Op)
}

// Unwrap allows errors.Is and errors.As to see the cause
func (e *LicensingError) Unwrap() error {
	return e.Err
}

// NewLicensingError creates a LicensingError
func NewLicensingError(kind Kind, op string, err error) *LicensingError {
	return &LicensingError{Kind: kind, Op: op, Err: err}
}

// ParamError reports a missing or invalid collaborator
func ParamError(op string, err error) *LicensingError {
	return NewLicensingError(KindParam, op, err)
}

// PersistenceError reports a store failure
func PersistenceError(op string, err error) *LicensingError {
	return NewLicensingError(KindPersistence, op, err)
}

// ProviderError reports an online service failure
func ProviderError(op string, err error) *LicensingError {
	return NewLicensingError(KindProvider, op, err)
}

// StateError reports a call made in the wrong session state
func StateError(op string, err error) *LicensingError {
	return NewLicensingError(KindState, op, err)
}

// KindOf returns the Kind of err, or "" when err is not a LicensingError
func KindOf(err error) Kind {
	var le *LicensingError
	if errors.As(err, &le) {
		return le.Kind
	}
	return ""
}

// IsKind reports whether err is a LicensingError of the given kind
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}
