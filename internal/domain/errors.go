package domain

import (
	"errors"
	"fmt"
)

// Common errors
var (
	ErrNotFound           = errors.New("record not found")
	ErrCatalogUnavailable = errors.New("failed to load plans")
	ErrNoCatalog          = errors.New("no plans loaded for this session")
	ErrPlanNotFound       = errors.New("plan not found")
	ErrNoSelection        = errors.New("no plan selected")
	ErrBusy               = errors.New("a purchase is already in progress")
	ErrSuperseded         = errors.New("attempt was cancelled or replaced")
	ErrAttemptComplete    = errors.New("attempt already handed off to payment")
)

// FailureKind classifies why an orchestrator step failed
type FailureKind string

const (
	KindValidation FailureKind = "validation" // Missing local form fields, no network call made
	KindUpstream   FailureKind = "upstream"   // Non-2xx response from the storefront
	KindContract   FailureKind = "contract"   // 2xx response missing a required field
	KindTransport  FailureKind = "transport"  // Network, timeout or decode failure
)

// FlowError is the recoverable failure of one purchase attempt step
type FlowError struct {
	Stage   State
	Kind    FailureKind
	Message string // Human-readable, upstream message when available
	Form    Form   // Entry form the user is returned to
	Err     error
}

func (e *FlowError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s failed (%s): %s: %v", e.Stage, e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s failed (%s): %s", e.Stage, e.Kind, e.Message)
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

// AsFlowError extracts a *FlowError from err
func AsFlowError(err error) (*FlowError, bool) {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe, true
	}
	return nil, false
}
