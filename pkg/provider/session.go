package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/rs/zerolog/log"

	"github.com/harun/toolgate/internal/tracing"
	"github.com/harun/toolgate/pkg/tool"
	"github.com/harun/toolgate/pkg/validator"
)

const (
	// ClientName is announced to providers during the handshake
	ClientName = "toolgate"

	// ClientVersion is announced to providers during the handshake
	ClientVersion = "0.1.0"

	defaultCallTimeout = 30 * time.Second
	defaultCloseGrace  = 5 * time.Second
)

var (
	// ErrSessionNotReady is returned when a session cannot serve calls
	ErrSessionNotReady = errors.New("session is not ready")

	// ErrValidatorRequired is returned when Connect is called without a validator
	ErrValidatorRequired = errors.New("validator is required")
)

// State is the lifecycle state of a Session.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateDraining
	StateClosed
	StateFaulted
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	case StateFaulted:
		return "faulted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no transition can leave s.
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFaulted
}

var transitions = map[State][]State{
	StateConnecting: {StateReady, StateFaulted},
	StateReady:      {StateDraining, StateFaulted},
	StateDraining:   {StateClosed},
}

func canTransition(from, to State) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// TransitionFunc observes state changes. It runs synchronously with the
// transition and must not call Close on the session.
type TransitionFunc func(s *Session, from, to State)

// SessionOptions configures Connect.
type SessionOptions struct {
	Validator        *validator.Validator
	Launcher         Launcher
	HandshakeTimeout time.Duration
	CloseGrace       time.Duration
	OnTransition     TransitionFunc
}

// Session owns one live provider process. Calls are serialized: at most one
// request is in flight at a time and further calls queue.
type Session struct {
	id           string
	entry        Entry
	state        State
	client       *mcp.ClientSession
	cmd          *exec.Cmd
	info         *mcp.InitializeResult
	lastActivity time.Time
	needsCheck   bool
	closeGrace   time.Duration
	onTransition TransitionFunc
	slot         chan struct{}
	done         chan struct{}
	closeOnce    sync.Once
	tmu          sync.Mutex
	mu           sync.RWMutex
}

// Connect validates entry, spawns the provider and performs the MCP
// handshake. Any failure leaves the session Faulted and it is not returned.
// Retrying is the registry's concern.
func Connect(ctx context.Context, entry Entry, opts SessionOptions) (*Session, error) {
	if opts.Validator == nil {
		return nil, ErrValidatorRequired
	}
	if err := entry.Validate(); err != nil {
		return nil, &tool.ExecutionError{Kind: tool.KindValidation, Origin: entry.Origin(), Reason: err.Error()}
	}
	launcher := opts.Launcher
	if launcher == nil {
		launcher = NewCommandLauncher()
	}
	grace := opts.CloseGrace
	if grace <= 0 {
		grace = defaultCloseGrace
	}

	s := &Session{
		id:           gonanoid.Must(12),
		entry:        entry,
		state:        StateConnecting,
		closeGrace:   grace,
		onTransition: opts.OnTransition,
		slot:         make(chan struct{}, 1),
		done:         make(chan struct{}),
	}

	if verdict := opts.Validator.Validate(entry.SpawnRequest()); !verdict.Allowed {
		s.transition(StateFaulted)
		log.Warn().
			Str("provider", entry.ID).
			Str("command", entry.Command).
			Str("reason", verdict.Reason).
			Msg("Provider spawn rejected by validator")
		return nil, &tool.ExecutionError{
			Kind:   tool.KindValidation,
			Origin: entry.Origin(),
			Reason: verdict.Reason,
		}
	}

	transport, cmd, err := launcher.Launch(entry)
	if err != nil {
		s.transition(StateFaulted)
		return nil, &tool.ExecutionError{Kind: tool.KindTransport, Origin: entry.Origin(), Reason: "launch", Err: err}
	}
	s.cmd = cmd

	handshakeTimeout := opts.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = defaultCallTimeout
	}
	hctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	client := mcp.NewClient(&mcp.Implementation{Name: ClientName, Version: ClientVersion}, nil)
	cs, err := client.Connect(hctx, transport, nil)
	if err != nil {
		s.transition(StateFaulted)
		s.kill()
		return nil, &tool.ExecutionError{Kind: tool.KindTransport, Origin: entry.Origin(), Reason: "handshake", Err: err}
	}

	s.mu.Lock()
	s.client = cs
	s.info = cs.InitializeResult()
	s.lastActivity = time.Now()
	s.mu.Unlock()

	// Ready is entered before the watcher starts, so a provider that exits
	// right after the handshake is seen as Ready then Faulted.
	ready := s.transition(StateReady)
	go s.watch()
	if !ready {
		_ = cs.Close()
		s.kill()
		return nil, &tool.ExecutionError{Kind: tool.KindTransport, Origin: entry.Origin(), Reason: "session left handshake before ready"}
	}

	ev := log.Info().Str("provider", entry.ID).Str("session", s.id)
	if s.info != nil && s.info.ServerInfo != nil {
		ev = ev.Str("server", s.info.ServerInfo.Name).Str("server_version", s.info.ServerInfo.Version)
	}
	ev.Msg("Provider session ready")

	return s, nil
}

// watch turns an unexpected end of the connection into a fault.
func (s *Session) watch() {
	err := s.client.Wait()
	close(s.done)

	if s.transition(StateFaulted) {
		log.Warn().
			Err(err).
			Str("provider", s.entry.ID).
			Str("session", s.id).
			Msg("Provider connection lost")
		s.kill()
	}
}

// transition moves the session to `to` if the state machine allows it and
// notifies the observer. It reports whether the state changed.
func (s *Session) transition(to State) bool {
	s.tmu.Lock()
	defer s.tmu.Unlock()

	s.mu.Lock()
	from := s.state
	if !canTransition(from, to) {
		s.mu.Unlock()
		return false
	}
	s.state = to
	s.mu.Unlock()

	log.Debug().
		Str("provider", s.entry.ID).
		Str("from", from.String()).
		Str("to", to.String()).
		Msg("Provider session transition")

	if s.onTransition != nil {
		s.onTransition(s, from, to)
	}
	return true
}

// ID returns the unique session id.
func (s *Session) ID() string {
	return s.id
}

// ProviderID returns the entry id the session serves.
func (s *Session) ProviderID() string {
	return s.entry.ID
}

// Entry returns the entry the session was created from.
func (s *Session) Entry() Entry {
	return s.entry
}

// Origin implements catalog.Source.
func (s *Session) Origin() tool.Origin {
	return s.entry.Origin()
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LastActivity returns the time of the last successful exchange.
func (s *Session) LastActivity() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastActivity
}

// NeedsHealthCheck reports whether a protocol error flagged the session.
func (s *Session) NeedsHealthCheck() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.needsCheck
}

// ServerInfo returns the name and version the provider announced.
func (s *Session) ServerInfo() (string, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.info == nil || s.info.ServerInfo == nil {
		return "", ""
	}
	return s.info.ServerInfo.Name, s.info.ServerInfo.Version
}

// Capabilities returns the capability names negotiated in the handshake.
func (s *Session) Capabilities() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.info == nil || s.info.Capabilities == nil {
		return nil
	}
	caps := s.info.Capabilities
	var out []string
	if caps.Tools != nil {
		out = append(out, "tools")
	}
	if caps.Resources != nil {
		out = append(out, "resources")
	}
	if caps.Prompts != nil {
		out = append(out, "prompts")
	}
	if caps.Logging != nil {
		out = append(out, "logging")
	}
	return out
}

func (s *Session) readyClient() (*mcp.ClientSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != StateReady || s.client == nil {
		return nil, &tool.ExecutionError{
			Kind:   tool.KindTransport,
			Origin: s.entry.Origin(),
			Reason: fmt.Sprintf("session %s", s.state),
			Err:    ErrSessionNotReady,
		}
	}
	return s.client, nil
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActivity = time.Now()
	s.mu.Unlock()
}

// Discover lists every tool the provider offers, following pagination.
func (s *Session) Discover(ctx context.Context) ([]tool.Descriptor, error) {
	client, err := s.readyClient()
	if err != nil {
		return nil, err
	}

	var descs []tool.Descriptor
	params := &mcp.ListToolsParams{}
	for {
		res, err := client.ListTools(ctx, params)
		if err != nil {
			return nil, s.classify(ctx, err)
		}
		for _, t := range res.Tools {
			if t == nil {
				continue
			}
			descs = append(descs, s.describe(t))
		}
		if res.NextCursor == "" {
			break
		}
		params = &mcp.ListToolsParams{Cursor: res.NextCursor}
	}
	s.touch()

	log.Debug().
		Str("provider", s.entry.ID).
		Int("tools", len(descs)).
		Msg("Provider tools discovered")

	return descs, nil
}

func (s *Session) describe(t *mcp.Tool) tool.Descriptor {
	var schema json.RawMessage
	if t.InputSchema != nil {
		if raw, err := json.Marshal(t.InputSchema); err == nil {
			schema = raw
		}
	}

	class := s.entry.Class
	if class == "" {
		class = tool.ClassRemote
		if a := t.Annotations; a != nil {
			switch {
			case a.DestructiveHint != nil && *a.DestructiveHint && !a.ReadOnlyHint:
				class = tool.ClassWrite
			case a.ReadOnlyHint:
				class = tool.ClassRead
			}
		}
	}

	return tool.Descriptor{
		ProviderID:  s.entry.ID,
		Name:        t.Name,
		Description: t.Description,
		InputSchema: schema,
		Origin:      s.entry.Origin(),
		Class:       class,
	}
}

// Invoke calls a tool by its bare provider-side name and waits for the one
// correlated response. When the timeout elapses first the call resolves as a
// timeout and any late response is dropped. The session itself stays up.
func (s *Session) Invoke(ctx context.Context, name string, call tool.Call) (tool.Output, error) {
	client, err := s.readyClient()
	if err != nil {
		return tool.Output{}, err
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = s.entry.Timeout
	}
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	ctx, span := tracing.StartSpan(tracing.WithCallID(ctx, call.ID), tracing.ProviderTracer, "provider.invoke",
		tracing.AttrProvider.String(s.entry.ID),
		tracing.AttrTool.String(name),
	)
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()

	select {
	case s.slot <- struct{}{}:
	case <-callCtx.Done():
		tracing.Fail(span, nil, string(tool.KindTimeout))
		return tool.Output{}, s.timeoutError(ctx, timeout)
	}

	type result struct {
		res *mcp.CallToolResult
		err error
	}
	resultCh := make(chan result, 1)

	args := call.Args
	if args == nil {
		args = map[string]interface{}{}
	}

	go func() {
		defer func() { <-s.slot }()
		res, err := client.CallTool(callCtx, &mcp.CallToolParams{
			Name:      name,
			Arguments: args,
		})
		resultCh <- result{res: res, err: err}
	}()

	var r result
	select {
	case r = <-resultCh:
	case <-callCtx.Done():
		tracing.Fail(span, nil, string(tool.KindTimeout))
		log.Warn().
			Str("provider", s.entry.ID).
			Str("tool", name).
			Str("call_id", call.ID).
			Dur("timeout", timeout).
			Msg("Provider call timed out, late response will be discarded")
		return tool.Output{}, s.timeoutError(ctx, timeout)
	}

	duration := time.Since(start)
	if r.err != nil {
		if callCtx.Err() != nil {
			return tool.Output{}, s.timeoutError(ctx, timeout)
		}
		err := s.classify(callCtx, r.err)
		tracing.Fail(span, err, string(tool.KindOf(err)))
		return tool.Output{}, err
	}
	s.touch()

	out := tool.Output{
		CallID:   call.ID,
		Success:  !r.res.IsError,
		Duration: duration,
		Metadata: map[string]interface{}{
			"provider": s.entry.ID,
			"session":  s.id,
		},
	}
	text := renderContent(r.res)
	if r.res.IsError {
		out.Error = text
	} else {
		out.Content = text
	}
	return out, nil
}

func (s *Session) timeoutError(parent context.Context, timeout time.Duration) error {
	if parent.Err() != nil && !errors.Is(parent.Err(), context.DeadlineExceeded) {
		return &tool.ExecutionError{Kind: tool.KindTimeout, Origin: s.entry.Origin(), Reason: "cancelled", Err: parent.Err()}
	}
	return &tool.ExecutionError{
		Kind:   tool.KindTimeout,
		Origin: s.entry.Origin(),
		Reason: fmt.Sprintf("no response within %s", timeout),
		Err:    context.DeadlineExceeded,
	}
}

// classify maps a client error to transport or protocol. A closed connection
// is a transport fault; anything else is a protocol error and flags the
// session for a health check without closing it.
func (s *Session) classify(ctx context.Context, err error) error {
	select {
	case <-s.done:
		return &tool.ExecutionError{Kind: tool.KindTransport, Origin: s.entry.Origin(), Err: err}
	default:
	}
	if ctx.Err() != nil {
		return &tool.ExecutionError{Kind: tool.KindTimeout, Origin: s.entry.Origin(), Err: err}
	}

	s.mu.Lock()
	s.needsCheck = true
	s.mu.Unlock()

	log.Warn().
		Err(err).
		Str("provider", s.entry.ID).
		Msg("Provider protocol error, session flagged for health check")

	return &tool.ExecutionError{Kind: tool.KindProtocol, Origin: s.entry.Origin(), Err: err}
}

// Ping performs a health check. Success clears the health-check flag.
func (s *Session) Ping(ctx context.Context) error {
	client, err := s.readyClient()
	if err != nil {
		return err
	}
	if err := client.Ping(ctx, nil); err != nil {
		return s.classify(ctx, err)
	}

	s.mu.Lock()
	s.needsCheck = false
	s.lastActivity = time.Now()
	s.mu.Unlock()
	return nil
}

// Close shuts the session down: Draining, a polite close of the MCP
// connection, a forced kill if the process outlives the grace period, then
// Closed. Close is idempotent; only the first call can return an error.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		err = s.teardown()
	})
	return err
}

func (s *Session) teardown() error {
	draining := s.transition(StateDraining)

	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()

	var closeErr error
	if client != nil {
		done := make(chan error, 1)
		go func() { done <- client.Close() }()

		select {
		case closeErr = <-done:
		case <-time.After(s.closeGrace):
			log.Warn().
				Str("provider", s.entry.ID).
				Dur("grace", s.closeGrace).
				Msg("Provider did not shut down within grace period, killing")
			closeErr = nil
		}
	}
	s.kill()

	if draining {
		s.transition(StateClosed)
	}

	log.Info().
		Str("provider", s.entry.ID).
		Str("session", s.id).
		Str("state", s.State().String()).
		Msg("Provider session closed")

	if closeErr != nil && !isBenignCloseError(closeErr) {
		return fmt.Errorf("failed to close provider %s: %w", s.entry.ID, closeErr)
	}
	return nil
}

func (s *Session) kill() {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	if err := s.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		log.Debug().Err(err).Str("provider", s.entry.ID).Msg("Kill provider process")
	}
}

func isBenignCloseError(err error) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return true
	}
	return strings.Contains(err.Error(), "closed") || strings.Contains(err.Error(), "killed")
}

func renderContent(res *mcp.CallToolResult) string {
	var parts []string
	for _, c := range res.Content {
		switch v := c.(type) {
		case *mcp.TextContent:
			parts = append(parts, v.Text)
		default:
			if raw, err := json.Marshal(v); err == nil {
				parts = append(parts, string(raw))
			}
		}
	}
	if len(parts) == 0 && res.StructuredContent != nil {
		if raw, err := json.Marshal(res.StructuredContent); err == nil {
			parts = append(parts, string(raw))
		}
	}
	return strings.Join(parts, "\n")
}
