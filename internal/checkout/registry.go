package checkout

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/hanko-field/storefront/internal/address"
	"github.com/hanko-field/storefront/internal/domain"
)

const (
	defaultSessionTTL    = 30 * time.Minute
	defaultHandoffTTL    = 2 * time.Hour
	defaultSweepInterval = time.Minute
)

// ErrSessionNotFound is returned when no session matches the id for the buyer.
var ErrSessionNotFound = errors.New("checkout: session not found")

// Factory builds an orchestrator for a new session, wired to the session's gateway slot.
type Factory func(buyer Buyer, attempt Attempt, gateway Gateway) (*Orchestrator, error)

// HandoffSlot is the Gateway used by the HTTP surface: it keeps the latest handoff so the
// buyer's gateway callbacks can be routed back to the orchestrator.
type HandoffSlot struct {
	mu      sync.Mutex
	handoff *Handoff
}

// Present stores the handoff.
func (s *HandoffSlot) Present(_ context.Context, handoff Handoff) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h := handoff
	s.handoff = &h
	return nil
}

// Current returns the latest handoff, if any.
func (s *HandoffSlot) Current() (Handoff, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handoff == nil {
		return Handoff{}, false
	}
	return *s.handoff, true
}

// Session pairs an orchestrator with the address form being edited for it.
type Session struct {
	orch *Orchestrator
	form *address.Form
	slot *HandoffSlot

	mu      sync.Mutex
	touched time.Time
}

// View combines the orchestrator snapshot with the live form state.
type View struct {
	Snapshot
	// Published is the debounced validity, which may lag behind the current values.
	Published domain.ValidityMap
	Ready     bool
}

// ID returns the session id.
func (s *Session) ID() string { return s.orch.ID() }

// Orchestrator exposes the underlying orchestrator.
func (s *Session) Orchestrator() *Orchestrator { return s.orch }

// EditAddress applies field edits and schedules debounced revalidation.
func (s *Session) EditAddress(edits map[string]string) error {
	return s.form.Apply(edits)
}

// ConfirmAddress confirms the current form values.
func (s *Session) ConfirmAddress(ctx context.Context) (View, error) {
	_, err := s.orch.ConfirmAddress(ctx, s.form.Address())
	return s.View(), err
}

// Submit re-confirms the current form values when they changed since confirmation, then
// submits with the chosen payment method.
func (s *Session) Submit(ctx context.Context, method domain.PaymentMethod) (View, error) {
	current := s.form.Address()
	snap := s.orch.Snapshot()
	if snap.State == StateAddressConfirmed && snap.Address != current {
		if _, err := s.orch.ConfirmAddress(ctx, current); err != nil {
			return s.View(), err
		}
	}
	_, err := s.orch.Submit(ctx, method)
	return s.View(), err
}

// CompleteGateway routes a gateway completion to the outstanding handoff.
func (s *Session) CompleteGateway(ctx context.Context, paymentID, signature string) (View, error) {
	handoff, ok := s.slot.Current()
	if !ok {
		return s.View(), ErrInvalidTransition
	}
	_, err := handoff.OnComplete(ctx, paymentID, signature)
	return s.View(), err
}

// DismissGateway routes a gateway dismissal to the outstanding handoff.
func (s *Session) DismissGateway(ctx context.Context) (View, error) {
	handoff, ok := s.slot.Current()
	if !ok {
		return s.View(), ErrInvalidTransition
	}
	_, err := handoff.OnDismiss(ctx)
	return s.View(), err
}

// FailGateway routes a gateway error to the outstanding handoff.
func (s *Session) FailGateway(ctx context.Context, reason string) (View, error) {
	handoff, ok := s.slot.Current()
	if !ok {
		return s.View(), ErrInvalidTransition
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = "gateway error"
	}
	_, err := handoff.OnError(ctx, errors.New(reason))
	return s.View(), err
}

// View returns the current session view.
func (s *Session) View() View {
	return View{
		Snapshot:  s.orch.Snapshot(),
		Published: s.form.Validity(),
		Ready:     s.form.Ready(),
	}
}

func (s *Session) touch(now time.Time) {
	s.mu.Lock()
	s.touched = now
	s.mu.Unlock()
}

func (s *Session) idleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.touched
}

func (s *Session) close(ctx context.Context) {
	s.form.Close()
	s.orch.Close(ctx)
}

// RegistryOption customises a Registry.
type RegistryOption func(*Registry)

// WithSessionTTL overrides how long an untouched session is kept.
func WithSessionTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		if ttl > 0 {
			r.ttl = ttl
		}
	}
}

// WithHandoffTTL overrides how long an untouched session with a network call or gateway handoff
// outstanding is kept. It is never shorter than the session TTL.
func WithHandoffTTL(ttl time.Duration) RegistryOption {
	return func(r *Registry) {
		if ttl > 0 {
			r.handoffTTL = ttl
		}
	}
}

// WithRegistryClock injects a clock, primarily for tests.
func WithRegistryClock(clock func() time.Time) RegistryOption {
	return func(r *Registry) {
		if clock != nil {
			r.now = clock
		}
	}
}

// WithQuietPeriod sets the address revalidation debounce for new sessions.
func WithQuietPeriod(d time.Duration) RegistryOption {
	return func(r *Registry) {
		r.quiet = d
	}
}

// Registry holds the live checkout sessions, each owned by one buyer.
type Registry struct {
	factory    Factory
	ttl        time.Duration
	handoffTTL time.Duration
	quiet      time.Duration
	now        func() time.Time

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewRegistry constructs an empty registry.
func NewRegistry(factory Factory, opts ...RegistryOption) (*Registry, error) {
	if factory == nil {
		return nil, errors.New("checkout: session factory is required")
	}
	r := &Registry{
		factory:    factory,
		ttl:        defaultSessionTTL,
		handoffTTL: defaultHandoffTTL,
		quiet:      address.DefaultQuietPeriod,
		now:        time.Now,
		sessions:   make(map[string]*Session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.handoffTTL < r.ttl {
		r.handoffTTL = r.ttl
	}
	return r, nil
}

// Open creates a session for the buyer seeded with the resolved attempt and initial address.
func (r *Registry) Open(buyer Buyer, attempt Attempt, initial domain.Address) (*Session, error) {
	slot := &HandoffSlot{}
	orch, err := r.factory(buyer, attempt, slot)
	if err != nil {
		return nil, err
	}
	session := &Session{
		orch: orch,
		form: address.NewForm(initial, address.WithQuietPeriod(r.quiet)),
		slot: slot,
	}
	session.touch(r.now())

	r.mu.Lock()
	r.sessions[orch.ID()] = session
	r.mu.Unlock()
	return session, nil
}

// Get returns the buyer's session. Sessions of other buyers are reported as not found.
func (r *Registry) Get(buyerID, sessionID string) (*Session, error) {
	r.mu.Lock()
	session, ok := r.sessions[strings.TrimSpace(sessionID)]
	r.mu.Unlock()
	if !ok || session.orch.BuyerID() != buyerID {
		return nil, ErrSessionNotFound
	}
	session.touch(r.now())
	return session, nil
}

// Discard closes and removes the buyer's session.
func (r *Registry) Discard(ctx context.Context, buyerID, sessionID string) error {
	r.mu.Lock()
	session, ok := r.sessions[strings.TrimSpace(sessionID)]
	if !ok || session.orch.BuyerID() != buyerID {
		r.mu.Unlock()
		return ErrSessionNotFound
	}
	delete(r.sessions, session.ID())
	r.mu.Unlock()

	session.close(ctx)
	return nil
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Sweep closes sessions untouched for longer than the TTL and returns how many were removed.
// Sessions with a call or gateway handoff outstanding are kept until the handoff TTL.
func (r *Registry) Sweep(ctx context.Context) int {
	now := r.now()
	cutoff, handoffCutoff := now.Add(-r.ttl), now.Add(-r.handoffTTL)
	var expired []*Session

	r.mu.Lock()
	for id, session := range r.sessions {
		limit := cutoff
		if InFlight(session.orch.State()) {
			limit = handoffCutoff
		}
		if session.idleSince().Before(limit) {
			expired = append(expired, session)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, session := range expired {
		session.close(ctx)
	}
	return len(expired)
}

// Run sweeps expired sessions on the interval until ctx is done.
func (r *Registry) Run(ctx context.Context, interval time.Duration, onSweep func(removed int)) {
	if interval <= 0 {
		interval = defaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			removed := r.Sweep(ctx)
			if removed > 0 && onSweep != nil {
				onSweep(removed)
			}
		}
	}
}

// Shutdown closes every session and waits for their background calls.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for id, session := range r.sessions {
		sessions = append(sessions, session)
		delete(r.sessions, id)
	}
	r.mu.Unlock()

	var errs []error
	for _, session := range sessions {
		session.close(ctx)
		if err := session.orch.Wait(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
