package domain

import (
	"context"
	"time"
)

// State is the purchase orchestrator state
type State string

const (
	StateIdle           State = "idle"
	StateRegistering    State = "registering"
	StateAuthenticating State = "authenticating"
	StateCheckingOut    State = "checking_out"
	StateRedirecting    State = "redirecting" // Terminal success
	StateFailed         State = "failed"      // Re-enterable
)

// InFlight reports whether a network step is outstanding in this state
func (s State) InFlight() bool {
	switch s {
	case StateRegistering, StateAuthenticating, StateCheckingOut:
		return true
	}
	return false
}

// Form is the entry form shown to the user
type Form string

const (
	FormNone     Form = ""
	FormRegister Form = "register"
	FormLogin    Form = "login"
	FormCheckout Form = "checkout" // Loading step while checkout is in flight
)

// AttemptPath tells which entry point started an attempt
type AttemptPath string

const (
	PathRegister AttemptPath = "register"
	PathLogin    AttemptPath = "login"
)

// Failure is the last failure of a session, kept for display
type Failure struct {
	Stage   State       `json:"stage"`
	Kind    FailureKind `json:"kind"`
	Message string      `json:"message"`
}

// Snapshot is the externally visible orchestrator state
type Snapshot struct {
	State       State      `json:"state"`
	Form        Form       `json:"form"`
	Busy        bool       `json:"busy"`
	Selection   *Selection `json:"selection,omitempty"`
	Failure     *Failure   `json:"failure,omitempty"`
	RedirectURL string     `json:"redirect_url,omitempty"`
}

// Outcome is the terminal success of an attempt
type Outcome struct {
	AttemptID   string `json:"attempt_id"`
	RedirectURL string `json:"redirect_url"`
}

// Attempt outcome constants
const (
	OutcomeRedirected = "redirected"
	OutcomeFailed     = "failed"
	OutcomeSuperseded = "superseded"
)

// AttemptRecord is the audit row written when an attempt ends.
// It never carries credentials or tokens.
type AttemptRecord struct {
	ID          string      `bson:"_id,omitempty" json:"id"`
	SessionID   string      `bson:"session_id,omitempty" json:"session_id"`
	PlanID      string      `bson:"plan_id,omitempty" json:"plan_id"`
	PriceIDR    int64       `bson:"price_idr,omitempty" json:"price_idr"`
	Path        AttemptPath `bson:"path,omitempty" json:"path"`
	Stage       State       `bson:"stage,omitempty" json:"stage"`
	Outcome     string      `bson:"outcome,omitempty" json:"outcome"`
	FailureKind FailureKind `bson:"failure_kind,omitempty" json:"failure_kind,omitempty"`
	Message     string      `bson:"message,omitempty" json:"message,omitempty"`
	UTMSource   string      `bson:"utm_source,omitempty" json:"utm_source"`
	StartedAt   time.Time   `bson:"started_at,omitempty" json:"started_at"`
	FinishedAt  time.Time   `bson:"finished_at,omitempty" json:"finished_at"`
}

// AttemptRepository defines operations for the attempt ledger
type AttemptRepository interface {
	Create(ctx context.Context, record *AttemptRecord) error
	GetByID(ctx context.Context, id string) (*AttemptRecord, error)
	GetBySessionID(ctx context.Context, sessionID string) ([]*AttemptRecord, error)
	CountByOutcome(ctx context.Context, utmSource string, since time.Time) (map[string]int64, error)
}

// CatalogSnapshotRepository keeps the derived plans a session was shown
type CatalogSnapshotRepository interface {
	SetCatalog(ctx context.Context, sessionID string, plans []DerivedPlan, ttl time.Duration) error
	GetCatalog(ctx context.Context, sessionID string) ([]DerivedPlan, error)
	DeleteCatalog(ctx context.Context, sessionID string) error
}
