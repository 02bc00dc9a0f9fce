package toolexecutor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/harun/toolgate/internal/tracing"
	"github.com/harun/toolgate/pkg/anomaly"
	"github.com/harun/toolgate/pkg/audit"
	"github.com/harun/toolgate/pkg/permission"
	"github.com/harun/toolgate/pkg/tool"
	"github.com/harun/toolgate/pkg/trust"
)

// Config configures the executor.
type Config struct {
	DefaultTimeout  time.Duration `json:"default_timeout" mapstructure:"default_timeout"`
	BlockOnFlagged  bool          `json:"block_on_flagged" mapstructure:"block_on_flagged"`
	FlaggedCooldown time.Duration `json:"flagged_cooldown" mapstructure:"flagged_cooldown"`
}

// DefaultConfig returns executor defaults. Anomaly scoring is post-hoc
// unless BlockOnFlagged is set.
func DefaultConfig() Config {
	return Config{
		DefaultTimeout:  30 * time.Second,
		FlaggedCooldown: 5 * time.Minute,
	}
}

// Catalog is the executor's view of the tool catalog.
type Catalog interface {
	Lookup(name string) (tool.Descriptor, bool)
	All() []tool.Descriptor
	ValidateArgs(name string, args map[string]interface{}) error
	Replace(origin tool.Origin, descs []tool.Descriptor) []string
}

// TrustGate scores origins.
type TrustGate interface {
	Check(origin string, class tool.RiskClass) trust.Decision
	Record(origin string, event trust.Event) trust.Update
}

// AnomalyDetector scores completed calls.
type AnomalyDetector interface {
	Observe(origin string, s anomaly.Sample) anomaly.Result
	Recent(origin string) (time.Time, bool)
}

// OutputFilter sanitizes outputs.
type OutputFilter interface {
	Apply(out tool.Output) tool.Output
}

// Auditor records audit entries.
type Auditor interface {
	Record(ctx context.Context, e audit.Entry) error
	Durable(class tool.RiskClass) bool
}

// Recorder receives pipeline measurements. internal/metrics implements it.
type Recorder interface {
	ObserveExecution(toolName, origin, outcome string, duration time.Duration)
	ObserveStage(stage, verdict string)
	ObserveTrust(origin string, score float64)
	ObserveAnomaly(origin, class string)
	ObserveTruncation(toolName string)
}

// Components are the pipeline stages. Every field is required except
// Recorder.
type Components struct {
	Catalog    Catalog
	Permission permission.Evaluator
	Trust      TrustGate
	Anomaly    AnomalyDetector
	Filter     OutputFilter
	Audit      Auditor
	Backends   map[tool.OriginKind]Backend
	Recorder   Recorder
}

// Executor is the composite executor. It holds every stage explicitly; no
// stage calls another, the executor arbitrates between them.
type Executor struct {
	config Config
	c      Components
	now    func() time.Time
}

// Option configures an Executor.
type Option func(*Executor)

// WithClock overrides the clock used for timestamps, durations and anomaly
// samples.
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		e.now = now
	}
}

// New creates an executor.
func New(cfg Config, c Components, opts ...Option) (*Executor, error) {
	switch {
	case c.Catalog == nil:
		return nil, errors.New("catalog is required")
	case c.Permission == nil:
		return nil, errors.New("permission checker is required")
	case c.Trust == nil:
		return nil, errors.New("trust gate is required")
	case c.Anomaly == nil:
		return nil, errors.New("anomaly detector is required")
	case c.Filter == nil:
		return nil, errors.New("output filter is required")
	case c.Audit == nil:
		return nil, errors.New("audit logger is required")
	case len(c.Backends) == 0:
		return nil, errors.New("at least one backend is required")
	}
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = DefaultConfig().DefaultTimeout
	}

	e := &Executor{config: cfg, c: c, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}

	log.Info().Int("backends", len(c.Backends)).Msg("Tool executor initialized")
	return e, nil
}

// ListTools returns a snapshot of the catalog.
func (e *Executor) ListTools() []tool.Descriptor {
	return e.c.Catalog.All()
}

// Refresh re-publishes every backend's descriptors. Backends that manage
// their own publication (the remote backend) are asked to refresh;
// others are replaced wholesale under their origin.
func (e *Executor) Refresh(ctx context.Context) error {
	var errs []error
	for kind, b := range e.c.Backends {
		if r, ok := b.(interface{ Refresh(context.Context) error }); ok {
			if err := r.Refresh(ctx); err != nil {
				errs = append(errs, err)
			}
			continue
		}
		descs, err := b.Describe(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("describe %s backend: %w", kind, err))
			continue
		}
		e.c.Catalog.Replace(tool.Origin{Kind: kind}, descs)
	}
	return errors.Join(errs...)
}

// Execute runs one call through the pipeline. Rejections and backend
// failures are returned as *tool.ExecutionError. A tool that ran and
// reported failure returns its Output with Success false and a nil error.
func (e *Executor) Execute(ctx context.Context, call tool.Call) (tool.Output, error) {
	if call.ID == "" {
		call.ID = uuid.New().String()
	}
	started := e.now()

	ctx = tracing.WithCallID(ctx, call.ID)
	ctx = tracing.WithActorID(ctx, call.Actor.ID)
	if tracing.GetTraceID(ctx) == "" {
		ctx = tracing.NewRequestContext(ctx)
	}

	ctx, span := tracing.StartSpan(ctx, tracing.ExecutorTracer, "tool.execute",
		tracing.AttrTool.String(call.Tool),
	)
	defer span.End()

	entry := audit.NewEntry(call, started)
	entry.BytesIn = argsSize(call.Args)

	out, err := e.run(ctx, call, entry)

	if err != nil {
		tracing.Fail(span, err, string(tool.KindOf(err)))
	}
	return out, err
}

func (e *Executor) run(ctx context.Context, call tool.Call, entry *audit.Entry) (tool.Output, error) {
	desc, ok := e.c.Catalog.Lookup(call.Tool)
	if !ok {
		e.stage(entry, audit.StageLookup, audit.VerdictDeny, "unknown tool")
		err := &tool.ExecutionError{Kind: tool.KindNotFound, CallID: call.ID, Tool: call.Tool, Err: tool.ErrNotFound}
		return e.reject(ctx, entry, call, err)
	}
	entry.Describe(desc)
	origin := desc.Origin.String()

	// Permission
	pd := e.c.Permission.Check(call.Actor, desc)
	if !pd.Allowed {
		e.stage(entry, audit.StagePermission, audit.VerdictDeny, pd.Reason)
		return e.reject(ctx, entry, call, tool.WithCall(tool.NewError(tool.KindPermissionDenied, pd.Reason, nil), call, desc))
	}
	e.stage(entry, audit.StagePermission, audit.VerdictAllow, pd.Reason)

	// Trust
	td := e.c.Trust.Check(origin, desc.Class)
	if !td.Allowed {
		reason := fmt.Sprintf("%s below required %s", td.Level, td.Required)
		e.stage(entry, audit.StageTrust, audit.VerdictDeny, reason)
		err := tool.WithCall(&tool.ExecutionError{Kind: tool.KindTrustDenied, Level: td.Level, Reason: "requires " + td.Required.String()}, call, desc)
		return e.reject(ctx, entry, call, err)
	}
	e.stage(entry, audit.StageTrust, audit.VerdictAllow, td.Level.String())

	// Optional pre-execution anomaly block
	if e.config.BlockOnFlagged {
		if at, flagged := e.c.Anomaly.Recent(origin); flagged && e.now().Sub(at) < e.config.FlaggedCooldown {
			reason := "origin flagged at " + at.UTC().Format(time.RFC3339)
			e.stage(entry, audit.StageAnomaly, audit.VerdictDeny, reason)
			entry.Escalate(audit.SeverityWarn)
			return e.reject(ctx, entry, call, tool.WithCall(tool.NewError(tool.KindAnomalyRejected, reason, nil), call, desc))
		}
	}

	// Arguments
	if err := e.c.Catalog.ValidateArgs(desc.QualifiedName(), call.Args); err != nil {
		e.stage(entry, audit.StageArguments, audit.VerdictDeny, err.Error())
		return e.reject(ctx, entry, call, tool.WithCall(&tool.ExecutionError{Kind: tool.KindValidation, Err: err}, call, desc))
	}
	e.stage(entry, audit.StageArguments, audit.VerdictAllow, "")

	// Dispatch
	dispatchStart := e.now()
	out, err := e.dispatch(ctx, desc, call)
	duration := e.now().Sub(dispatchStart)
	out.CallID = call.ID
	out.Duration = duration

	switch {
	case err != nil && tool.KindOf(err) == tool.KindTimeout:
		e.stage(entry, audit.StageDispatch, audit.VerdictTimeout, err.Error())
	case err != nil:
		e.stage(entry, audit.StageDispatch, audit.VerdictError, err.Error())
	case !out.Success:
		e.stage(entry, audit.StageDispatch, audit.VerdictError, "tool reported failure")
	default:
		e.stage(entry, audit.StageDispatch, audit.VerdictAllow, "")
	}

	// Anomaly
	res := e.c.Anomaly.Observe(origin, anomaly.Sample{
		At:       e.now(),
		Actor:    call.Actor.ID,
		Size:     out.Size(),
		Duration: duration,
	})
	if e.c.Recorder != nil {
		e.c.Recorder.ObserveAnomaly(origin, res.Class.String())
	}
	switch res.Class {
	case anomaly.Flagged:
		e.stage(entry, audit.StageAnomaly, audit.VerdictFlagged, res.Reason())
		entry.Escalate(audit.SeverityCritical)
	case anomaly.Suspicious:
		e.stage(entry, audit.StageAnomaly, audit.VerdictSuspicious, res.Reason())
		entry.Escalate(audit.SeverityWarn)
	default:
		e.stage(entry, audit.StageAnomaly, audit.VerdictAllow, "")
	}

	// Arbitration between the two scorers
	update := e.c.Trust.Record(origin, arbitrate(err, out, res))
	if e.c.Recorder != nil {
		e.c.Recorder.ObserveTrust(origin, update.After)
	}

	if err != nil {
		return e.reject(ctx, entry, call, tool.WithCall(err, call, desc))
	}

	// Filter
	out = e.c.Filter.Apply(out)
	reason := ""
	if out.Truncated {
		reason = "truncated"
		if e.c.Recorder != nil {
			e.c.Recorder.ObserveTruncation(desc.QualifiedName())
		}
	}
	if out.Redactions > 0 {
		reason = joinReason(reason, fmt.Sprintf("%d redactions", out.Redactions))
	}
	e.stage(entry, audit.StageFilter, audit.VerdictAllow, reason)

	entry.BytesOut = out.BytesAfter
	entry.Truncated = out.Truncated

	outcome := audit.OutcomeSuccess
	var toolErr error
	if !out.Success {
		outcome = audit.OutcomeFailure
		toolErr = tool.WithCall(tool.NewError(tool.KindToolFailed, out.Error, nil), call, desc)
	}
	entry.Finish(e.now(), outcome, toolErr)

	if auditErr := e.record(ctx, *entry); auditErr != nil && e.c.Audit.Durable(desc.Class) {
		err := tool.WithCall(tool.NewError(tool.KindAuditWriteFailed, "", auditErr), call, desc)
		e.observe(entry, desc.QualifiedName(), string(tool.KindAuditWriteFailed))
		return tool.Output{CallID: call.ID, Duration: duration}, err
	}
	e.observe(entry, desc.QualifiedName(), outcome)

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Debug().
		Str("tool", desc.QualifiedName()).
		Str("origin", origin).
		Bool("success", out.Success).
		Dur("duration", duration).
		Msg("Tool call completed")

	return out, nil
}

// dispatch runs the backend under the call's timeout. When the timeout
// fires first the backend's eventual result is dropped.
func (e *Executor) dispatch(ctx context.Context, desc tool.Descriptor, call tool.Call) (tool.Output, error) {
	backend, ok := e.c.Backends[desc.Origin.Kind]
	if !ok {
		return tool.Output{}, &tool.ExecutionError{Kind: tool.KindTransport, Reason: "no backend for origin " + string(desc.Origin.Kind)}
	}

	timeout := call.Timeout
	if timeout <= 0 {
		timeout = e.config.DefaultTimeout
	}
	call.Timeout = timeout

	timeoutCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		out tool.Output
		err error
	}
	resultCh := make(chan result, 1)

	go func() {
		out, err := backend.Execute(timeoutCtx, desc, call)
		resultCh <- result{out: out, err: err}
	}()

	select {
	case r := <-resultCh:
		// select picks randomly when both are ready; a result that lands
		// at or after the deadline is late whatever it says.
		if expired(timeoutCtx) {
			return tool.Output{}, timeoutError(ctx, timeout)
		}
		return r.out, r.err
	case <-timeoutCtx.Done():
		log.Warn().
			Str("call_id", call.ID).
			Str("tool", desc.QualifiedName()).
			Dur("timeout", timeout).
			Msg("Tool call timed out, late result will be discarded")
		return tool.Output{}, timeoutError(ctx, timeout)
	}
}

func expired(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	deadline, ok := ctx.Deadline()
	return ok && !time.Now().Before(deadline)
}

func timeoutError(parent context.Context, timeout time.Duration) error {
	if err := parent.Err(); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return &tool.ExecutionError{Kind: tool.KindTimeout, Reason: "cancelled", Err: err}
	}
	return &tool.ExecutionError{
		Kind:   tool.KindTimeout,
		Reason: fmt.Sprintf("no result within %s", timeout),
		Err:    context.DeadlineExceeded,
	}
}

// arbitrate turns the dispatch result and the anomaly classification into
// one trust event. A flag outweighs everything; a suspicious call or a
// rejected argument leaves the score unchanged.
func arbitrate(err error, out tool.Output, res anomaly.Result) trust.Event {
	switch {
	case res.Class == anomaly.Flagged:
		return trust.EventFlagged
	case tool.KindOf(err) == tool.KindTimeout:
		return trust.EventTimeout
	case tool.KindOf(err) == tool.KindValidation:
		return trust.EventNeutral
	case err != nil || !out.Success:
		return trust.EventFailure
	case res.Class == anomaly.Suspicious:
		return trust.EventNeutral
	default:
		return trust.EventSuccess
	}
}

// reject finishes the entry for a call that did not succeed and returns err.
func (e *Executor) reject(ctx context.Context, entry *audit.Entry, call tool.Call, err error) (tool.Output, error) {
	outcome := audit.OutcomeFailure
	if _, dispatched := entry.Stage(audit.StageDispatch); !dispatched {
		outcome = audit.OutcomeRejected
		entry.Escalate(audit.SeverityWarn)
	}
	entry.Finish(e.now(), outcome, err)
	_ = e.record(ctx, *entry)
	e.observe(entry, entry.Tool, string(tool.KindOf(err)))

	logger := tracing.LoggerFromContext(ctx, log.Logger)
	logger.Warn().
		Str("tool", entry.Tool).
		Str("origin", entry.Origin).
		Str("kind", string(tool.KindOf(err))).
		Msg("Tool call rejected")

	return tool.Output{CallID: call.ID}, err
}

// record appends the entry. Failures are logged; only durable classes make
// them visible to the caller.
func (e *Executor) record(ctx context.Context, entry audit.Entry) error {
	err := e.c.Audit.Record(context.WithoutCancel(ctx), entry)
	if err != nil {
		log.Error().
			Err(err).
			Str("call_id", entry.CallID).
			Str("tool", entry.Tool).
			Msg("Audit write failed")
	}
	return err
}

func (e *Executor) stage(entry *audit.Entry, stage, verdict, reason string) {
	entry.Add(stage, verdict, reason)
	if e.c.Recorder != nil {
		e.c.Recorder.ObserveStage(stage, verdict)
	}
}

func (e *Executor) observe(entry *audit.Entry, toolName, outcome string) {
	if e.c.Recorder == nil {
		return
	}
	e.c.Recorder.ObserveExecution(toolName, entry.Origin, outcome, entry.FinishedAt.Sub(entry.StartedAt))
}

func argsSize(args map[string]interface{}) int {
	if len(args) == 0 {
		return 0
	}
	data, err := json.Marshal(args)
	if err != nil {
		return 0
	}
	return len(data)
}

func joinReason(a, b string) string {
	if a == "" {
		return b
	}
	return a + ", " + b
}
