package service

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/mansoorceksport/atomic-funnel/internal/domain"
	"github.com/mansoorceksport/atomic-funnel/internal/infrastructure/storefront"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const tracerName = "atomic-funnel"

// Fallback messages when the storefront gives none
const (
	msgRegisterFailed   = "registration failed"
	msgLoginFailed      = "login failed"
	msgNoAccessToken    = "no access token"
	msgCheckoutFailed   = "checkout failed"
	msgNoRedirect       = "no redirect target"
	msgMissingFields    = "name, email and password are required"
	msgMissingLogin     = "email and password are required"
	msgServerNotReached = "could not reach the server, please try again"
)

// Gateway is the part of the storefront API a purchase attempt drives
type Gateway interface {
	Register(ctx context.Context, req storefront.RegisterRequest) error
	Login(ctx context.Context, email, password string) (string, error)
	Checkout(ctx context.Context, accessToken, planID, utmSource string) (string, error)
}

// Transition is emitted every time the orchestrator changes state
type Transition struct {
	SessionID string
	AttemptID string
	From      domain.State
	To        domain.State
	Form      domain.Form
	Failure   *domain.Failure
}

// Observer is notified of transitions outside the orchestrator lock
type Observer func(ctx context.Context, t Transition)

// RegisterInput is the register-and-purchase form
type RegisterInput struct {
	Name     string
	Email    string
	Password string
}

// LoginInput is the authenticate-and-purchase form
type LoginInput struct {
	Email    string
	Password string
}

// OrchestratorConfig holds per-session orchestrator settings
type OrchestratorConfig struct {
	SessionID   string
	UTMSource   string
	CallTimeout time.Duration // Ceiling for each storefront call
}

// attempt is one run from entry point to redirect or failure.
// Credentials and token live only here and die with the call stack.
type attempt struct {
	id         string
	generation uint64
	path       domain.AttemptPath
	entryForm  domain.Form
	selection  domain.Selection
	email      string
	password   string
	token      string
	startedAt  time.Time
}

// Orchestrator runs the register → login → checkout pipeline for one session.
// At most one attempt is in flight; entry calls while busy fail with ErrBusy.
type Orchestrator struct {
	mu sync.Mutex

	cfg       OrchestratorConfig
	gateway   Gateway
	ledger    domain.AttemptRepository
	logger    *zap.Logger
	observers []Observer
	now       func() time.Time

	state       domain.State
	form        domain.Form
	selection   *domain.Selection
	failure     *domain.Failure
	redirectURL string
	generation  uint64
	lastUsed    time.Time
}

// NewOrchestrator creates an idle orchestrator. ledger may be nil.
func NewOrchestrator(cfg OrchestratorConfig, gateway Gateway, ledger domain.AttemptRepository, logger *zap.Logger, observers ...Observer) *Orchestrator {
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 15 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:       cfg,
		gateway:   gateway,
		ledger:    ledger,
		logger:    logger.With(zap.String("session_id", cfg.SessionID)),
		observers: observers,
		now:       time.Now,
		state:     domain.StateIdle,
		lastUsed:  time.Now(),
	}
}

// Select makes plan the active selection, replacing any previous one, and
// resets the session to the registration form.
func (o *Orchestrator) Select(ctx context.Context, sel domain.Selection) error {
	o.mu.Lock()
	if o.state.InFlight() {
		o.mu.Unlock()
		return domain.ErrBusy
	}
	from := o.state
	o.generation++
	o.selection = &sel
	o.state = domain.StateIdle
	o.form = domain.FormRegister
	o.failure = nil
	o.redirectURL = ""
	o.lastUsed = o.now()
	t := o.transition("", from)
	o.mu.Unlock()

	o.notify(ctx, t)
	return nil
}

// Cancel returns to idle. An in-flight attempt is not aborted but its late
// completion is ignored. The selection is kept so the user can resubmit.
func (o *Orchestrator) Cancel(ctx context.Context) {
	o.mu.Lock()
	from := o.state
	o.generation++
	o.state = domain.StateIdle
	o.form = domain.FormNone
	o.failure = nil
	o.redirectURL = ""
	o.lastUsed = o.now()
	t := o.transition("", from)
	o.mu.Unlock()

	o.notify(ctx, t)
}

// IsBusy reports whether an attempt is in flight
func (o *Orchestrator) IsBusy() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.InFlight()
}

// Snapshot returns the visible state
func (o *Orchestrator) Snapshot() domain.Snapshot {
	o.mu.Lock()
	defer o.mu.Unlock()

	snap := domain.Snapshot{
		State:       o.state,
		Form:        o.form,
		Busy:        o.state.InFlight(),
		RedirectURL: o.redirectURL,
	}
	if o.selection != nil {
		sel := *o.selection
		snap.Selection = &sel
	}
	if o.failure != nil {
		f := *o.failure
		snap.Failure = &f
	}
	return snap
}

// touch marks the session as in use without changing its state
func (o *Orchestrator) touch() {
	o.mu.Lock()
	o.lastUsed = o.now()
	o.mu.Unlock()
}

// LastUsed is the time of the last entry call, transition or registry access
func (o *Orchestrator) LastUsed() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.lastUsed
}

// RegisterAndPurchase creates the account, then logs in and checks out with
// the same credentials. A rejected registration never reaches login.
func (o *Orchestrator) RegisterAndPurchase(ctx context.Context, in RegisterInput) (*domain.Outcome, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Email = strings.TrimSpace(in.Email)

	var invalid string
	if in.Name == "" || in.Email == "" || in.Password == "" {
		invalid = msgMissingFields
	}

	a, err := o.begin(ctx, domain.PathRegister, domain.FormRegister, domain.StateRegistering, invalid)
	if err != nil {
		return nil, err
	}
	a.email, a.password = in.Email, in.Password

	ctx, span := otel.Tracer(tracerName).Start(ctx, "funnel.register_and_purchase")
	defer span.End()
	span.SetAttributes(attribute.String("funnel.attempt_id", a.id), attribute.String("funnel.plan_id", a.selection.PlanID))

	err = o.call(ctx, a, domain.StateRegistering, func(ctx context.Context) error {
		return o.gateway.Register(ctx, storefront.RegisterRequest{
			Name:      in.Name,
			Email:     a.email,
			Password:  a.password,
			UTMSource: o.cfg.UTMSource,
		})
	})
	if err != nil {
		recordSpanError(span, err)
		return nil, err
	}

	if err := o.advance(ctx, a, domain.StateAuthenticating, domain.FormRegister); err != nil {
		return nil, err
	}

	out, err := o.authenticateAndCheckout(ctx, a)
	if err != nil {
		recordSpanError(span, err)
	}
	return out, err
}

// AuthenticateAndPurchase logs an existing account in and checks out
func (o *Orchestrator) AuthenticateAndPurchase(ctx context.Context, in LoginInput) (*domain.Outcome, error) {
	in.Email = strings.TrimSpace(in.Email)

	var invalid string
	if in.Email == "" || in.Password == "" {
		invalid = msgMissingLogin
	}

	a, err := o.begin(ctx, domain.PathLogin, domain.FormLogin, domain.StateAuthenticating, invalid)
	if err != nil {
		return nil, err
	}
	a.email, a.password = in.Email, in.Password

	ctx, span := otel.Tracer(tracerName).Start(ctx, "funnel.authenticate_and_purchase")
	defer span.End()
	span.SetAttributes(attribute.String("funnel.attempt_id", a.id), attribute.String("funnel.plan_id", a.selection.PlanID))

	out, err := o.authenticateAndCheckout(ctx, a)
	if err != nil {
		recordSpanError(span, err)
	}
	return out, err
}

func (o *Orchestrator) authenticateAndCheckout(ctx context.Context, a *attempt) (*domain.Outcome, error) {
	err := o.call(ctx, a, domain.StateAuthenticating, func(ctx context.Context) error {
		token, err := o.gateway.Login(ctx, a.email, a.password)
		if err != nil {
			return err
		}
		if !tokenUsable(token, o.now()) {
			return errExpiredToken
		}
		a.token = token
		return nil
	})
	if err != nil {
		return nil, err
	}

	// Password is not needed past login
	a.password = ""

	// Shown before the checkout call so the UI can display a loading step
	if err := o.advance(ctx, a, domain.StateCheckingOut, domain.FormCheckout); err != nil {
		return nil, err
	}

	var redirectURL string
	err = o.call(ctx, a, domain.StateCheckingOut, func(ctx context.Context) error {
		url, err := o.gateway.Checkout(ctx, a.token, a.selection.PlanID, o.cfg.UTMSource)
		if err != nil {
			return err
		}
		redirectURL = url
		return nil
	})
	a.token = ""
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	if o.generation != a.generation {
		o.mu.Unlock()
		o.record(ctx, a, domain.StateCheckingOut, domain.OutcomeSuperseded, nil)
		return nil, domain.ErrSuperseded
	}
	from := o.state
	o.state = domain.StateRedirecting
	o.form = domain.FormNone
	o.failure = nil
	o.redirectURL = redirectURL
	o.lastUsed = o.now()
	t := o.transition(a.id, from)
	o.mu.Unlock()

	o.notify(ctx, t)
	o.record(ctx, a, domain.StateRedirecting, domain.OutcomeRedirected, nil)
	o.logger.Info("attempt handed off to payment",
		zap.String("attempt_id", a.id),
		zap.String("plan_id", a.selection.PlanID),
	)

	return &domain.Outcome{AttemptID: a.id, RedirectURL: redirectURL}, nil
}

// begin gates re-entry and starts a fresh attempt in state first
func (o *Orchestrator) begin(ctx context.Context, path domain.AttemptPath, entry domain.Form, first domain.State, invalid string) (*attempt, error) {
	o.mu.Lock()

	switch {
	case o.state.InFlight():
		o.mu.Unlock()
		return nil, domain.ErrBusy
	case o.state == domain.StateRedirecting:
		o.mu.Unlock()
		return nil, domain.ErrAttemptComplete
	case o.selection == nil:
		o.mu.Unlock()
		return nil, domain.ErrNoSelection
	}

	o.lastUsed = o.now()
	from := o.state

	if invalid != "" {
		stage := domain.StateRegistering
		if path == domain.PathLogin {
			stage = domain.StateAuthenticating
		}
		fe := &domain.FlowError{Stage: stage, Kind: domain.KindValidation, Message: invalid, Form: entry}
		o.state = domain.StateFailed
		o.form = entry
		o.failure = &domain.Failure{Stage: stage, Kind: fe.Kind, Message: fe.Message}
		t := o.transition("", from)
		o.mu.Unlock()

		o.notify(ctx, t)
		return nil, fe
	}

	o.generation++
	a := &attempt{
		id:         ulid.Make().String(),
		generation: o.generation,
		path:       path,
		entryForm:  entry,
		selection:  *o.selection,
		startedAt:  o.now(),
	}
	o.state = first
	o.form = entry
	o.failure = nil
	t := o.transition(a.id, from)
	o.mu.Unlock()

	o.notify(ctx, t)
	o.logger.Info("attempt started",
		zap.String("attempt_id", a.id),
		zap.String("path", string(path)),
		zap.String("plan_id", a.selection.PlanID),
	)
	return a, nil
}

// advance moves a live attempt to the next state
func (o *Orchestrator) advance(ctx context.Context, a *attempt, to domain.State, form domain.Form) error {
	o.mu.Lock()
	if o.generation != a.generation {
		stage := o.state
		o.mu.Unlock()
		o.record(ctx, a, stage, domain.OutcomeSuperseded, nil)
		return domain.ErrSuperseded
	}
	// Checkout must use the selection this attempt started with
	if to == domain.StateCheckingOut && !a.selection.SameAs(o.selection) {
		o.mu.Unlock()
		o.record(ctx, a, domain.StateAuthenticating, domain.OutcomeSuperseded, nil)
		return domain.ErrSuperseded
	}
	from := o.state
	o.state = to
	o.form = form
	o.lastUsed = o.now()
	t := o.transition(a.id, from)
	o.mu.Unlock()

	o.notify(ctx, t)
	return nil
}

// call runs one storefront step and applies its failure, if any
func (o *Orchestrator) call(ctx context.Context, a *attempt, stage domain.State, fn func(ctx context.Context) error) error {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "funnel."+string(stage))
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, o.cfg.CallTimeout)
	err := fn(callCtx)
	cancel()

	o.mu.Lock()
	if o.generation != a.generation {
		o.mu.Unlock()
		o.record(ctx, a, stage, domain.OutcomeSuperseded, nil)
		o.logger.Info("ignoring late completion of superseded attempt",
			zap.String("attempt_id", a.id),
			zap.String("stage", string(stage)),
		)
		return domain.ErrSuperseded
	}

	if err == nil {
		o.mu.Unlock()
		return nil
	}

	fe := classify(stage, err, a.entryForm)
	from := o.state
	o.state = domain.StateFailed
	o.form = fe.Form
	o.failure = &domain.Failure{Stage: fe.Stage, Kind: fe.Kind, Message: fe.Message}
	o.lastUsed = o.now()
	t := o.transition(a.id, from)
	o.mu.Unlock()

	span.SetStatus(codes.Error, fe.Message)
	o.notify(ctx, t)
	o.record(ctx, a, stage, domain.OutcomeFailed, fe)
	o.logger.Warn("attempt step failed",
		zap.String("attempt_id", a.id),
		zap.String("stage", string(stage)),
		zap.String("kind", string(fe.Kind)),
		zap.Error(err),
	)
	return fe
}

var errExpiredToken = errors.New("access token already expired")

// classify maps a storefront error to the failure shown to the user
func classify(stage domain.State, err error, entry domain.Form) *domain.FlowError {
	fe := &domain.FlowError{Stage: stage, Err: err}

	switch stage {
	case domain.StateRegistering:
		fe.Form = domain.FormRegister
		fe.Message = msgRegisterFailed
	case domain.StateAuthenticating:
		fe.Form = entry
		fe.Message = msgLoginFailed
	default:
		fe.Form = domain.FormRegister
		fe.Message = msgCheckoutFailed
	}

	var apiErr *storefront.APIError
	switch {
	case errors.As(err, &apiErr):
		fe.Kind = domain.KindUpstream
		if apiErr.Message != "" {
			fe.Message = apiErr.Message
		}
	case errors.Is(err, storefront.ErrNoAccessToken), errors.Is(err, errExpiredToken):
		fe.Kind = domain.KindContract
		fe.Message = msgNoAccessToken
	case errors.Is(err, storefront.ErrNoCheckoutURL):
		fe.Kind = domain.KindContract
		fe.Message = msgNoRedirect
	case errors.Is(err, storefront.ErrMissingData):
		fe.Kind = domain.KindContract
	case errors.Is(err, storefront.ErrMalformedAnswer):
		fe.Kind = domain.KindTransport
	default:
		fe.Kind = domain.KindTransport
		fe.Message = msgServerNotReached
	}
	return fe
}

// tokenUsable rejects empty tokens and JWTs that are already expired.
// Opaque tokens are accepted as they are.
func tokenUsable(token string, now time.Time) bool {
	if token == "" {
		return false
	}
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return true
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
		return false
	}
	return true
}

// transition builds the event for the current state; caller holds the lock
func (o *Orchestrator) transition(attemptID string, from domain.State) Transition {
	t := Transition{
		SessionID: o.cfg.SessionID,
		AttemptID: attemptID,
		From:      from,
		To:        o.state,
		Form:      o.form,
	}
	if o.failure != nil {
		f := *o.failure
		t.Failure = &f
	}
	return t
}

func (o *Orchestrator) notify(ctx context.Context, t Transition) {
	for _, obs := range o.observers {
		obs(ctx, t)
	}
}

// record writes the attempt outcome to the ledger; failures are only logged
func (o *Orchestrator) record(ctx context.Context, a *attempt, stage domain.State, outcome string, fe *domain.FlowError) {
	if o.ledger == nil {
		return
	}

	rec := &domain.AttemptRecord{
		ID:         a.id,
		SessionID:  o.cfg.SessionID,
		PlanID:     a.selection.PlanID,
		PriceIDR:   a.selection.PriceIDR,
		Path:       a.path,
		Stage:      stage,
		Outcome:    outcome,
		UTMSource:  o.cfg.UTMSource,
		StartedAt:  a.startedAt,
		FinishedAt: o.now(),
	}
	if fe != nil {
		rec.FailureKind = fe.Kind
		rec.Message = fe.Message
	}

	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := o.ledger.Create(ctx, rec); err != nil {
		o.logger.Warn("failed to record attempt", zap.String("attempt_id", a.id), zap.Error(err))
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
