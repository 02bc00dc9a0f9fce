package provider

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/harun/toolgate/pkg/tool"
	"github.com/harun/toolgate/pkg/validator"
)

var (
	// ErrUnknownProvider is returned for ids that were never registered
	ErrUnknownProvider = errors.New("unknown provider")
)

// Availability of a registered entry.
type Availability string

const (
	AvailabilityPending     Availability = "pending"
	AvailabilityConnecting  Availability = "connecting"
	AvailabilityAvailable   Availability = "available"
	AvailabilityUnavailable Availability = "unavailable"
)

// Publisher receives descriptor sets as sessions come and go. The tool
// catalog implements it.
type Publisher interface {
	Replace(origin tool.Origin, descs []tool.Descriptor) []string
	RemoveProvider(providerID string)
}

// Observer is notified of session transitions, e.g. for metrics.
type Observer interface {
	ObserveSessionTransition(providerID, from, to string)
}

// RejectionFunc is called when the validator refuses to spawn an entry.
type RejectionFunc func(entry Entry, reason string)

// Config configures a Registry.
type Config struct {
	Retry            RetryPolicy   `json:"retry" mapstructure:"retry"`
	HandshakeTimeout time.Duration `json:"handshake_timeout" mapstructure:"handshake_timeout"`
	CloseGrace       time.Duration `json:"close_grace" mapstructure:"close_grace"`
	HealthInterval   time.Duration `json:"health_interval" mapstructure:"health_interval"`
}

// DefaultConfig returns registry defaults.
func DefaultConfig() Config {
	return Config{
		Retry:            DefaultRetryPolicy(),
		HandshakeTimeout: 30 * time.Second,
		CloseGrace:       5 * time.Second,
		HealthInterval:   30 * time.Second,
	}
}

// EntryStatus is a point-in-time view of one registered entry.
type EntryStatus struct {
	ID           string       `json:"id"`
	Command      string       `json:"command"`
	Availability Availability `json:"availability"`
	State        string       `json:"state,omitempty"`
	Attempts     int          `json:"attempts"`
	LastError    string       `json:"last_error,omitempty"`
	Tools        int          `json:"tools"`
	UpdatedAt    time.Time    `json:"updated_at"`
}

type slot struct {
	entry        Entry
	session      *Session
	availability Availability
	attempts     int
	lastErr      error
	tools        int
	updatedAt    time.Time
	inflight     *connectCall
}

// connectCall is one in-progress Connect that later callers for the same
// slot wait on.
type connectCall struct {
	done chan struct{}
	err  error
}

// Registry maps entry ids to at most one live session. It is the only owner
// of provider processes.
type Registry struct {
	config    Config
	validator *validator.Validator
	launcher  Launcher
	publisher Publisher
	observer  Observer
	onReject  RejectionFunc
	slots     map[string]*slot
	order     []string
	epoch     uint64 // bumped by ShutdownAll
	monitor   *HealthMonitor
	mu        sync.RWMutex
}

// Option customizes a Registry.
type Option func(*Registry)

// WithLauncher overrides how provider transports are created.
func WithLauncher(l Launcher) Option {
	return func(r *Registry) { r.launcher = l }
}

// WithPublisher wires the catalog.
func WithPublisher(p Publisher) Option {
	return func(r *Registry) { r.publisher = p }
}

// WithObserver wires a transition observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// WithRejectionHandler is called for every spawn the validator refuses.
func WithRejectionHandler(fn RejectionFunc) Option {
	return func(r *Registry) { r.onReject = fn }
}

// NewRegistry creates a registry gated by v.
func NewRegistry(cfg Config, v *validator.Validator, opts ...Option) *Registry {
	r := &Registry{
		config:    cfg,
		validator: v,
		launcher:  NewCommandLauncher(),
		slots:     make(map[string]*slot),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds or replaces an entry. A replaced entry's session is closed
// and its tools leave the catalog.
func (r *Registry) Register(entry Entry) error {
	if err := entry.Validate(); err != nil {
		return fmt.Errorf("invalid provider entry: %w", err)
	}

	r.mu.Lock()
	var previous *Session
	if existing, ok := r.slots[entry.ID]; ok {
		previous = existing.session
	} else {
		r.order = append(r.order, entry.ID)
	}
	r.slots[entry.ID] = &slot{
		entry:        entry,
		availability: AvailabilityPending,
		updatedAt:    time.Now(),
	}
	r.mu.Unlock()

	if previous != nil {
		if err := previous.Close(); err != nil {
			log.Warn().Err(err).Str("provider", entry.ID).Msg("Failed to close replaced provider session")
		}
	}

	log.Info().
		Str("provider", entry.ID).
		Str("command", entry.Command).
		Bool("replaced", previous != nil).
		Msg("Provider registered")
	return nil
}

// Unregister closes and forgets an entry.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	s, ok := r.slots[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	delete(r.slots, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	session := s.session
	r.mu.Unlock()

	if session != nil {
		return session.Close()
	}
	if r.publisher != nil {
		r.publisher.RemoveProvider(id)
	}
	return nil
}

// ConnectAll connects every entry without a live session, concurrently. One
// provider's failure never blocks the others; failures are joined.
func (r *Registry) ConnectAll(ctx context.Context) error {
	r.mu.RLock()
	ids := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if s := r.slots[id]; s.session == nil || s.session.State() != StateReady {
			ids = append(ids, id)
		}
	}
	r.mu.RUnlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := r.Connect(ctx, id); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
		}(id)
	}
	wg.Wait()

	log.Info().
		Int("providers", len(ids)).
		Int("failed", len(errs)).
		Msg("Provider connect pass finished")

	return errors.Join(errs...)
}

// Connect (re)connects one entry with bounded retry and backoff. Validation
// failures are never retried. Concurrent calls for the same id share one
// attempt, so at most one process is spawned per entry.
func (r *Registry) Connect(ctx context.Context, id string) error {
	r.mu.Lock()
	s, ok := r.slots[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownProvider, id)
	}
	if s.session != nil && s.session.State() == StateReady {
		r.mu.Unlock()
		return nil
	}
	if call := s.inflight; call != nil {
		r.mu.Unlock()
		select {
		case <-call.done:
			return call.err
		case <-ctx.Done():
			return fmt.Errorf("provider %s: %w", id, ctx.Err())
		}
	}
	call := &connectCall{done: make(chan struct{})}
	s.inflight = call
	entry := s.entry
	epoch := r.epoch
	s.availability = AvailabilityConnecting
	s.updatedAt = time.Now()
	r.mu.Unlock()

	call.err = r.connect(ctx, s, epoch, entry)

	r.mu.Lock()
	if s.inflight == call {
		s.inflight = nil
	}
	r.mu.Unlock()
	close(call.done)
	return call.err
}

func (r *Registry) connect(ctx context.Context, s *slot, epoch uint64, entry Entry) error {
	policy := r.config.Retry

	var session *Session
	attempt := 0
	op := func() error {
		attempt++
		r.recordAttempt(s)
		sess, err := Connect(ctx, entry, SessionOptions{
			Validator:        r.validator,
			Launcher:         r.launcher,
			HandshakeTimeout: r.config.HandshakeTimeout,
			CloseGrace:       r.config.CloseGrace,
			OnTransition:     r.handleTransition,
		})
		if err != nil {
			if tool.KindOf(err) == tool.KindValidation {
				if r.onReject != nil {
					r.onReject(entry, reasonOf(err))
				}
				return backoff.Permanent(err)
			}
			return err
		}
		session = sess
		return nil
	}
	notify := func(err error, delay time.Duration) {
		log.Warn().
			Err(err).
			Str("provider", entry.ID).
			Int("attempt", attempt).
			Int("max_attempts", policy.attempts()).
			Dur("delay", delay).
			Msg("Provider connect failed, retrying")
	}

	err := backoff.RetryNotify(op, policy.BackOff(ctx), notify)
	if err == nil {
		return r.install(ctx, s, epoch, session)
	}
	if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
		err = fmt.Errorf("provider %s: %w", entry.ID, err)
	}
	r.markUnavailable(s, entry, err)
	return err
}

func (r *Registry) recordAttempt(s *slot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.slots[s.entry.ID] == s {
		s.attempts++
	}
}

func (r *Registry) markUnavailable(s *slot, entry Entry, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.slots[entry.ID] != s {
		return
	}
	s.availability = AvailabilityUnavailable
	s.lastErr = err
	s.tools = 0
	s.updatedAt = time.Now()

	log.Error().
		Err(err).
		Str("provider", entry.ID).
		Str("command", entry.Command).
		Msg("Provider marked unavailable")
}

// install attaches a ready session and publishes its tools. A session whose
// slot was replaced, removed or shut down while connecting is closed instead.
func (r *Registry) install(ctx context.Context, s *slot, epoch uint64, session *Session) error {
	id := session.ProviderID()

	r.mu.Lock()
	if r.slots[id] != s || r.epoch != epoch {
		r.mu.Unlock()
		return session.Close()
	}
	if session.State() != StateReady {
		r.mu.Unlock()
		_ = session.Close()
		err := fmt.Errorf("provider %s: session %s before install", id, session.State())
		r.markUnavailable(s, s.entry, err)
		return err
	}
	previous := s.session
	s.session = session
	s.availability = AvailabilityAvailable
	s.lastErr = nil
	s.attempts = 0
	s.updatedAt = time.Now()
	r.mu.Unlock()

	if previous != nil && previous != session {
		if err := previous.Close(); err != nil {
			log.Warn().Err(err).Str("provider", id).Msg("Failed to close previous provider session")
		}
	}

	if err := r.publish(ctx, session); err != nil {
		// the session stays up; the next refresh retries discovery
		log.Warn().Err(err).Str("provider", id).Msg("Provider tool discovery failed")
	}
	return nil
}

// publish discovers a session's tools and replaces its catalog set, unless
// the session left Ready in the meantime.
func (r *Registry) publish(ctx context.Context, session *Session) error {
	descs, err := session.Discover(ctx)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.slots[session.ProviderID()]
	if !ok || s.session != session || session.State() != StateReady {
		return nil
	}
	if r.publisher != nil {
		names := r.publisher.Replace(session.Origin(), descs)
		s.tools = len(names)
	} else {
		s.tools = len(descs)
	}
	return nil
}

// Refresh re-discovers every ready session, replacing each provider's set.
func (r *Registry) Refresh(ctx context.Context) error {
	var errs []error
	for _, session := range r.ReadySessions() {
		if err := r.publish(ctx, session); err != nil {
			errs = append(errs, fmt.Errorf("refresh %s: %w", session.ProviderID(), err))
		}
	}
	return errors.Join(errs...)
}

// handleTransition keeps availability and the catalog in step with session
// state. Leaving Ready removes the provider's tools.
func (r *Registry) handleTransition(session *Session, from, to State) {
	if r.observer != nil {
		r.observer.ObserveSessionTransition(session.ProviderID(), from.String(), to.String())
	}
	if from != StateReady {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.publisher != nil {
		r.publisher.RemoveProvider(session.ProviderID())
	}
	if s, ok := r.slots[session.ProviderID()]; ok && s.session == session {
		s.tools = 0
		s.updatedAt = time.Now()
		if to == StateFaulted {
			s.availability = AvailabilityUnavailable
			s.lastErr = errors.New("connection lost")
		} else {
			s.availability = AvailabilityPending
		}
	}
}

// SessionFor returns the ready session for id.
func (r *Registry) SessionFor(id string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.slots[id]
	if !ok || s.session == nil || s.session.State() != StateReady {
		return nil, false
	}
	return s.session, true
}

// ReadySessions returns every ready session in registration order.
func (r *Registry) ReadySessions() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Session, 0, len(r.order))
	for _, id := range r.order {
		if s := r.slots[id]; s.session != nil && s.session.State() == StateReady {
			out = append(out, s.session)
		}
	}
	return out
}

// Entries returns the registered entries in registration order.
func (r *Registry) Entries() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.slots[id].entry)
	}
	return out
}

// Status returns a snapshot of every entry, ordered by id.
func (r *Registry) Status() []EntryStatus {
	r.mu.RLock()
	out := make([]EntryStatus, 0, len(r.slots))
	for id, s := range r.slots {
		st := EntryStatus{
			ID:           id,
			Command:      s.entry.Command,
			Availability: s.availability,
			Attempts:     s.attempts,
			Tools:        s.tools,
			UpdatedAt:    s.updatedAt,
		}
		if s.session != nil {
			st.State = s.session.State().String()
		}
		if s.lastErr != nil {
			st.LastError = s.lastErr.Error()
		}
		out = append(out, st)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// ShutdownAll closes every live session and stops the health monitor. No
// provider process outlives this call.
func (r *Registry) ShutdownAll(ctx context.Context) error {
	r.StopHealthMonitor()

	r.mu.Lock()
	r.epoch++
	sessions := make([]*Session, 0, len(r.slots))
	for _, s := range r.slots {
		if s.session != nil {
			sessions = append(sessions, s.session)
		}
		s.session = nil
		s.availability = AvailabilityPending
	}
	r.mu.Unlock()

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		errs []error
	)
	for _, session := range sessions {
		wg.Add(1)
		go func(session *Session) {
			defer wg.Done()
			if err := session.Close(); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			if r.publisher != nil {
				r.publisher.RemoveProvider(session.ProviderID())
			}
		}(session)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// Close already bounds each session by its grace period; killing
		// continues in the background.
		errs = append(errs, fmt.Errorf("shutdown interrupted: %w", ctx.Err()))
	}

	log.Info().Int("sessions", len(sessions)).Msg("All provider sessions shut down")

	mu.Lock()
	defer mu.Unlock()
	return errors.Join(errs...)
}

func reasonOf(err error) string {
	var execErr *tool.ExecutionError
	if errors.As(err, &execErr) && execErr.Reason != "" {
		return execErr.Reason
	}
	return err.Error()
}

func isValidationFailure(err error) bool {
	return err != nil && tool.KindOf(err) == tool.KindValidation
}
