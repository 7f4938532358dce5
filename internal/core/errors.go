package core

import (
	"errors"
	"fmt"
)

// Classification sentinels. Every typed error kind below unwraps to exactly
// one of these so callers can branch with errors.Is instead of a type switch.
var (
	// ErrTransient marks errors C4's executor should retry.
	ErrTransient = errors.New("transient error")
	// ErrPermanent marks errors that must not be retried.
	ErrPermanent = errors.New("permanent error")
)

// TransientRPCError wraps a chain RPC failure the gateway classifies as
// retryable (timeouts, connection resets, 5xx upstream responses).
type TransientRPCError struct {
	Op  string
	Err error
}

func (e *TransientRPCError) Error() string { return fmt.Sprintf("rpc %s: transient: %v", e.Op, e.Err) }
func (e *TransientRPCError) Unwrap() error { return ErrTransient }

// BlockhashExpiredError indicates the recent blockhash used to build a
// transaction is no longer valid; the executor must rebuild, not re-sign.
type BlockhashExpiredError struct {
	Signature string
}

func (e *BlockhashExpiredError) Error() string {
	return fmt.Sprintf("blockhash expired for signature %s", e.Signature)
}
func (e *BlockhashExpiredError) Unwrap() error { return ErrTransient }

// PermanentProgramError wraps an on-chain program failure that will not
// succeed on retry.
type PermanentProgramError struct {
	Reason string
}

func (e *PermanentProgramError) Error() string { return fmt.Sprintf("program error: %s", e.Reason) }
func (e *PermanentProgramError) Unwrap() error { return ErrPermanent }

// InsufficientFundsError indicates a key lacks the balance required for the
// attempted operation. The scheduler treats this as ineligibility for the
// current tick, not a breaker-tripping failure.
type InsufficientFundsError struct {
	KeyID     string
	Required  float64
	Available float64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds on %s: need %.9f have %.9f", e.KeyID, e.Required, e.Available)
}
func (e *InsufficientFundsError) Unwrap() error { return ErrPermanent }

// SignerRefusedError indicates the signer rejected or tampered with a
// transaction; treated as permanent and surfaced to the operator.
type SignerRefusedError struct {
	KeyID  string
	Reason string
}

func (e *SignerRefusedError) Error() string {
	return fmt.Sprintf("signer %s refused: %s", e.KeyID, e.Reason)
}
func (e *SignerRefusedError) Unwrap() error { return ErrPermanent }

// VenueQuoteStaleError indicates a quote expired between fetch and use; the
// executor retries with a freshly fetched quote, counting against its
// attempt budget.
type VenueQuoteStaleError struct {
	Mint string
}

func (e *VenueQuoteStaleError) Error() string { return fmt.Sprintf("stale quote for mint %s", e.Mint) }
func (e *VenueQuoteStaleError) Unwrap() error { return ErrTransient }

// NetworkUnreachableError indicates the RPC endpoint(s) cannot be reached at
// all; propagated so C11 can mark the owning job unhealthy.
type NetworkUnreachableError struct {
	Endpoint string
	Err      error
}

func (e *NetworkUnreachableError) Error() string {
	return fmt.Sprintf("network unreachable: %s: %v", e.Endpoint, e.Err)
}
func (e *NetworkUnreachableError) Unwrap() error { return ErrTransient }

// ConfigInvalidError indicates a configuration reload was rejected; the
// previous good configuration remains in effect.
type ConfigInvalidError struct {
	Field  string
	Reason string
}

func (e *ConfigInvalidError) Error() string {
	return fmt.Sprintf("invalid config field %s: %s", e.Field, e.Reason)
}
func (e *ConfigInvalidError) Unwrap() error { return ErrPermanent }

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// IsPermanent reports whether err must not be retried.
func IsPermanent(err error) bool { return errors.Is(err, ErrPermanent) }

// Sentinel errors mirroring the teacher's not-found/conflict idiom, used by
// the registry store.
var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidInput  = errors.New("invalid input")
)

// NotFoundError gives not-found errors resource context.
type NotFoundError struct {
	Resource string
	ID       string
}

func (e *NotFoundError) Error() string { return fmt.Sprintf("%s %q not found", e.Resource, e.ID) }
func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFoundError builds a NotFoundError for the given resource/id pair.
func NewNotFoundError(resource, id string) error {
	return &NotFoundError{Resource: resource, ID: id}
}

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// ServiceError wraps an error with the service/operation that produced it,
// for uniform log lines and observability attribution.
type ServiceError struct {
	Service   string
	Operation string
	Err       error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("%s.%s: %v", e.Service, e.Operation, e.Err)
}
func (e *ServiceError) Unwrap() error { return e.Err }

// Wrap attaches service/operation context to err. Returns nil if err is nil.
func Wrap(service, operation string, err error) error {
	if err == nil {
		return nil
	}
	return &ServiceError{Service: service, Operation: operation, Err: err}
}
