package toolexecutor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/toolgate/pkg/anomaly"
	"github.com/harun/toolgate/pkg/audit"
	"github.com/harun/toolgate/pkg/catalog"
	"github.com/harun/toolgate/pkg/filter"
	"github.com/harun/toolgate/pkg/permission"
	"github.com/harun/toolgate/pkg/provider"
	"github.com/harun/toolgate/pkg/provider/providertest"
	"github.com/harun/toolgate/pkg/tool"
	"github.com/harun/toolgate/pkg/trust"
	"github.com/harun/toolgate/pkg/validator"
)

var (
	agent = tool.Actor{ID: "agent-1", Role: "agent"}
	guest = tool.Actor{ID: "guest-1", Role: "guest"}
)

// tickClock advances a fixed step on every reading.
type tickClock struct {
	mu   sync.Mutex
	now  time.Time
	step time.Duration
}

func (c *tickClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(c.step)
	return c.now
}

type harness struct {
	exec     *Executor
	local    *LocalBackend
	registry *provider.Registry
	launcher *providertest.Launcher
	catalog  *catalog.Catalog
	trust    *trust.Gate
	detector *anomaly.Detector
	sink     *audit.MemorySink
	audit    *audit.Logger

	shellRuns atomic.Int32
	stallDone chan struct{}
}

type harnessOptions struct {
	config         Config
	filter         filter.Config
	durableClasses []string
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()

	h := &harness{
		local:     NewLocalBackend(),
		launcher:  providertest.NewLauncher(),
		catalog:   catalog.New(),
		sink:      audit.NewMemorySink(),
		stallDone: make(chan struct{}),
	}

	h.audit = audit.NewLogger(h.sink, audit.Config{DurableClasses: opts.durableClasses})
	t.Cleanup(func() { _ = h.audit.Close() })

	vcfg := validator.DefaultConfig()
	vcfg.AllowedCommands = []string{"node"}

	rcfg := provider.DefaultConfig()
	rcfg.Retry = provider.RetryPolicy{MaxAttempts: 1}
	rcfg.CloseGrace = time.Second
	h.registry = provider.NewRegistry(rcfg, validator.New(vcfg),
		provider.WithLauncher(h.launcher),
		provider.WithPublisher(h.catalog),
		provider.WithRejectionHandler(AuditSpawnRejections(h.audit)),
	)
	t.Cleanup(func() { _ = h.registry.ShutdownAll(context.Background()) })

	gate, err := trust.NewGate(trust.DefaultConfig())
	require.NoError(t, err)
	h.trust = gate
	h.detector = anomaly.New(anomaly.DefaultConfig())

	checker, err := permission.NewChecker(permission.Policy{
		Default: permission.EffectDeny,
		Rules: []permission.Rule{
			{Roles: []string{"agent"}, Origins: []string{"*"}, Effect: permission.EffectAllow},
		},
	})
	require.NoError(t, err)

	fcfg := opts.filter
	if fcfg.MaxBytes == 0 {
		fcfg = filter.DefaultConfig()
	}
	f, err := filter.New(fcfg)
	require.NoError(t, err)

	h.registerLocalTools(t)

	cfg := opts.config
	if cfg.DefaultTimeout == 0 {
		cfg.DefaultTimeout = 5 * time.Second
	}
	clock := &tickClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC), step: time.Millisecond}
	h.exec, err = New(cfg, Components{
		Catalog:    h.catalog,
		Permission: checker,
		Trust:      h.trust,
		Anomaly:    h.detector,
		Filter:     f,
		Audit:      h.audit,
		Backends: map[tool.OriginKind]Backend{
			tool.OriginLocal:  h.local,
			tool.OriginRemote: NewRemoteBackend(h.registry),
		},
	}, WithClock(clock.Now))
	require.NoError(t, err)
	require.NoError(t, h.exec.Refresh(context.Background()))

	return h
}

func (h *harness) registerLocalTools(t *testing.T) {
	t.Helper()

	defs := []ToolDefinition{
		{
			Name:        "notes",
			Description: "Return notes",
			Class:       tool.ClassRead,
			Parameters:  []ToolParameter{{Name: "topic", Type: "string", Description: "topic"}},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return "notes", nil
			},
		},
		{
			Name:        "flaky",
			Description: "Always fails",
			Class:       tool.ClassRead,
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return nil, errors.New("disk unavailable")
			},
		},
		{
			Name:        "shell",
			Description: "Run a command",
			Class:       tool.ClassExec,
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				h.shellRuns.Add(1)
				return "ran", nil
			},
		},
		{
			Name:        "at_deadline",
			Description: "Answers successfully the moment its deadline passes",
			Class:       tool.ClassRead,
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				<-ctx.Done()
				return "too late", nil
			},
		},
		{
			Name:        "stall",
			Description: "Ignores cancellation and answers late",
			Class:       tool.ClassRead,
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				defer close(h.stallDone)
				time.Sleep(300 * time.Millisecond)
				return "late", nil
			},
		},
	}
	for _, def := range defs {
		require.NoError(t, h.local.RegisterTool(def))
	}
}

func (h *harness) connect(t *testing.T, entries ...provider.Entry) error {
	t.Helper()
	for _, e := range entries {
		require.NoError(t, h.registry.Register(e))
	}
	return h.registry.ConnectAll(context.Background())
}

func (h *harness) entries(t *testing.T, callID string) []audit.Entry {
	t.Helper()
	require.NoError(t, h.audit.Flush(context.Background()))
	return h.sink.ByCall(callID)
}

func (h *harness) onlyEntry(t *testing.T, callID string) audit.Entry {
	t.Helper()
	entries := h.entries(t, callID)
	require.Len(t, entries, 1)
	return entries[0]
}

func nodeEntry(id string) provider.Entry {
	return provider.Entry{ID: id, Command: "node", Args: []string{"server.js"}, Env: map[string]string{}, Timeout: 2 * time.Second}
}

func names(descs []tool.Descriptor) []string {
	out := make([]string, 0, len(descs))
	for _, d := range descs {
		out = append(out, d.QualifiedName())
	}
	return out
}

func TestExecutor_RemoteCallAllowedAtEveryStage(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	require.NoError(t, h.connect(t, nodeEntry("p1")))

	assert.Contains(t, names(h.exec.ListTools()), "p1.echo")

	out, err := h.exec.Execute(context.Background(), tool.Call{
		ID:    "call-a",
		Tool:  "p1.echo",
		Args:  map[string]interface{}{"text": "hello"},
		Actor: agent,
	})
	require.NoError(t, err)
	assert.True(t, out.Success)
	assert.Equal(t, "hello", out.Content)
	assert.Equal(t, "call-a", out.CallID)

	e := h.onlyEntry(t, "call-a")
	assert.Equal(t, audit.OutcomeSuccess, e.Outcome)
	assert.Equal(t, "remote:p1", e.Origin)
	assert.Equal(t, audit.SeverityInfo, e.Severity)

	var stages []string
	for _, s := range e.Stages {
		assert.Equal(t, audit.VerdictAllow, s.Verdict, s.Stage)
		stages = append(stages, s.Stage)
	}
	assert.Equal(t, []string{
		audit.StagePermission, audit.StageTrust, audit.StageArguments,
		audit.StageDispatch, audit.StageAnomaly, audit.StageFilter,
	}, stages)
}

func TestExecutor_RejectedSpawnNeverListsTools(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	p2 := nodeEntry("p2")
	p2.Command = "rm"
	err := h.connect(t, nodeEntry("p1"), p2)
	require.Error(t, err)
	assert.ErrorIs(t, err, tool.ErrValidation)
	assert.Equal(t, 1, h.launcher.Launches(), "only p1 may be spawned")

	for _, d := range h.exec.ListTools() {
		assert.NotEqual(t, "p2", d.ProviderID)
	}
	require.NoError(t, h.exec.Refresh(context.Background()))
	for _, d := range h.exec.ListTools() {
		assert.NotEqual(t, "p2", d.ProviderID)
	}

	_, err = h.exec.Execute(context.Background(), tool.Call{ID: "call-b", Tool: "p2.echo", Actor: agent})
	assert.ErrorIs(t, err, tool.ErrNotFound)

	spawn := h.onlyEntry(t, "spawn:p2")
	require.Len(t, spawn.Stages, 1)
	assert.Equal(t, audit.StageValidation, spawn.Stages[0].Stage)
	assert.Equal(t, audit.VerdictDeny, spawn.Stages[0].Verdict)
	assert.Equal(t, tool.KindValidation, spawn.ErrorKind)
}

func TestExecutor_TrustDeniedSkipsBackend(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	out, err := h.exec.Execute(context.Background(), tool.Call{ID: "warmup", Tool: "flaky", Actor: agent})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, tool.LevelRestricted, h.trust.Level("local"))

	_, err = h.exec.Execute(context.Background(), tool.Call{ID: "call-c", Tool: "shell", Actor: agent})
	require.Error(t, err)
	assert.ErrorIs(t, err, tool.ErrTrustDenied)
	assert.Contains(t, err.Error(), "insufficient trust (restricted)")

	var execErr *tool.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, tool.LevelRestricted, execErr.Level)
	assert.Equal(t, "call-c", execErr.CallID)
	assert.Equal(t, int32(0), h.shellRuns.Load())

	e := h.onlyEntry(t, "call-c")
	_, dispatched := e.Stage(audit.StageDispatch)
	assert.False(t, dispatched)
	trustStage, ok := e.Stage(audit.StageTrust)
	require.True(t, ok)
	assert.Equal(t, audit.VerdictDeny, trustStage.Verdict)
	assert.Equal(t, audit.OutcomeRejected, e.Outcome)
	assert.Equal(t, tool.KindTrustDenied, e.ErrorKind)
}

func TestExecutor_BurstFlagsAndDemotes(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	require.NoError(t, h.connect(t, nodeEntry("p1")))

	for i := 1; i <= 50; i++ {
		_, err := h.exec.Execute(context.Background(), tool.Call{
			ID:    fmt.Sprintf("burst-%d", i),
			Tool:  "p1.echo",
			Args:  map[string]interface{}{"text": "ping"},
			Actor: agent,
		})
		require.NoError(t, err, "call %d", i)
	}

	ninth := h.onlyEntry(t, "burst-9")
	an, _ := ninth.Stage(audit.StageAnomaly)
	assert.Equal(t, audit.VerdictAllow, an.Verdict)

	tenth := h.onlyEntry(t, "burst-10")
	an, _ = tenth.Stage(audit.StageAnomaly)
	assert.Equal(t, audit.VerdictSuspicious, an.Verdict)
	assert.Equal(t, audit.SeverityWarn, tenth.Severity)

	last := h.onlyEntry(t, "burst-50")
	an, _ = last.Stage(audit.StageAnomaly)
	assert.Equal(t, audit.VerdictFlagged, an.Verdict)
	assert.Equal(t, "burst_rate", an.Reason)
	assert.Equal(t, audit.SeverityCritical, last.Severity)

	assert.Equal(t, tool.LevelRestricted, h.trust.Level("remote:p1"))

	_, err := h.exec.Execute(context.Background(), tool.Call{
		ID:    "burst-51",
		Tool:  "p1.echo",
		Args:  map[string]interface{}{"text": "ping"},
		Actor: agent,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, tool.ErrTrustDenied)
	var execErr *tool.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, tool.LevelRestricted, execErr.Level)

	_, dispatched := h.onlyEntry(t, "burst-51").Stage(audit.StageDispatch)
	assert.False(t, dispatched)
}

func TestExecutor_PermissionDenied(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	_, err := h.exec.Execute(context.Background(), tool.Call{ID: "call-g", Tool: "notes", Actor: guest})
	assert.ErrorIs(t, err, tool.ErrPermissionDenied)
	assert.Contains(t, err.Error(), "was denied: permission denied")

	e := h.onlyEntry(t, "call-g")
	require.Len(t, e.Stages, 1)
	assert.Equal(t, audit.StagePermission, e.Stages[0].Stage)
	assert.Equal(t, audit.VerdictDeny, e.Stages[0].Verdict)
	assert.InDelta(t, 0.5, h.trust.Score("local"), 1e-4)
}

func TestExecutor_UnknownTool(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	_, err := h.exec.Execute(context.Background(), tool.Call{ID: "call-x", Tool: "nope", Actor: agent})
	assert.ErrorIs(t, err, tool.ErrNotFound)

	e := h.onlyEntry(t, "call-x")
	require.Len(t, e.Stages, 1)
	assert.Equal(t, audit.StageLookup, e.Stages[0].Stage)
	assert.Equal(t, tool.KindNotFound, e.ErrorKind)
}

func TestExecutor_InvalidArguments(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	_, err := h.exec.Execute(context.Background(), tool.Call{
		ID:    "call-v",
		Tool:  "notes",
		Args:  map[string]interface{}{"bogus": true},
		Actor: agent,
	})
	assert.ErrorIs(t, err, tool.ErrValidation)

	e := h.onlyEntry(t, "call-v")
	stage, ok := e.Stage(audit.StageArguments)
	require.True(t, ok)
	assert.Equal(t, audit.VerdictDeny, stage.Verdict)
	_, dispatched := e.Stage(audit.StageDispatch)
	assert.False(t, dispatched)
}

func TestExecutor_LocalTimeoutDiscardsLateResult(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	out, err := h.exec.Execute(context.Background(), tool.Call{
		ID:      "call-t",
		Tool:    "stall",
		Actor:   agent,
		Timeout: 50 * time.Millisecond,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, tool.ErrTimeout)
	assert.Empty(t, out.Content)

	<-h.stallDone
	time.Sleep(20 * time.Millisecond)

	e := h.onlyEntry(t, "call-t")
	stage, ok := e.Stage(audit.StageDispatch)
	require.True(t, ok)
	assert.Equal(t, audit.VerdictTimeout, stage.Verdict)
	assert.Equal(t, tool.KindTimeout, e.ErrorKind)
	assert.InDelta(t, 0.4, h.trust.Score("local"), 1e-4)
}

func TestExecutor_ResultAtDeadlineIsDiscarded(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	desc, ok := h.catalog.Lookup("at_deadline")
	require.True(t, ok)

	// result and deadline become ready together; the result must never win
	for i := 0; i < 50; i++ {
		out, err := h.exec.dispatch(context.Background(), desc, tool.Call{
			ID:      fmt.Sprintf("deadline-%d", i),
			Tool:    "at_deadline",
			Actor:   agent,
			Timeout: 5 * time.Millisecond,
		})
		require.ErrorIs(t, err, tool.ErrTimeout, "iteration %d", i)
		assert.Empty(t, out.Content)
	}
}

func TestExecutor_RemoteTimeoutKeepsSession(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	require.NoError(t, h.connect(t, nodeEntry("p1")))

	_, err := h.exec.Execute(context.Background(), tool.Call{
		ID:      "call-rt",
		Tool:    "p1.sleep",
		Args:    map[string]interface{}{"millis": 500},
		Actor:   agent,
		Timeout: 50 * time.Millisecond,
	})
	assert.ErrorIs(t, err, tool.ErrTimeout)

	_, ok := h.registry.SessionFor("p1")
	assert.True(t, ok, "a timeout never tears down the session")

	out, err := h.exec.Execute(context.Background(), tool.Call{
		Tool:  "p1.read_notes",
		Args:  map[string]interface{}{"text": "x"},
		Actor: agent,
	})
	require.NoError(t, err)
	assert.Equal(t, "notes", out.Content)
}

func TestExecutor_RemoteToolFailure(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	require.NoError(t, h.connect(t, nodeEntry("p1")))

	out, err := h.exec.Execute(context.Background(), tool.Call{
		ID:    "call-f",
		Tool:  "p1.fail",
		Args:  map[string]interface{}{"text": "x"},
		Actor: agent,
	})
	require.NoError(t, err)
	assert.False(t, out.Success)
	assert.Equal(t, "boom", out.Error)

	e := h.onlyEntry(t, "call-f")
	assert.Equal(t, audit.OutcomeFailure, e.Outcome)
	assert.Equal(t, tool.KindToolFailed, e.ErrorKind)
	assert.InDelta(t, 0.4, h.trust.Score("remote:p1"), 1e-4)
}

func TestExecutor_FiltersOutput(t *testing.T) {
	h := newHarness(t, harnessOptions{filter: filter.Config{MaxBytes: 64}})
	require.NoError(t, h.connect(t, nodeEntry("p1")))

	out, err := h.exec.Execute(context.Background(), tool.Call{
		ID:    "call-l",
		Tool:  "p1.leak",
		Args:  map[string]interface{}{"text": strings.Repeat("y", 200)},
		Actor: agent,
	})
	require.NoError(t, err)
	assert.NotContains(t, out.Content, "hunter2")
	assert.Contains(t, out.Content, filter.DefaultReplacement)
	assert.True(t, out.Truncated)
	assert.Contains(t, out.Content, "[output truncated:")
	assert.Greater(t, out.BytesBefore, out.BytesAfter)

	e := h.onlyEntry(t, "call-l")
	stage, _ := e.Stage(audit.StageFilter)
	assert.Contains(t, stage.Reason, "truncated")
	assert.Contains(t, stage.Reason, "1 redactions")
	assert.True(t, e.Truncated)
}

func TestExecutor_DurableAudit(t *testing.T) {
	h := newHarness(t, harnessOptions{durableClasses: []string{"read"}})

	_, err := h.exec.Execute(context.Background(), tool.Call{ID: "d1", Tool: "notes", Actor: agent})
	require.NoError(t, err)
	assert.Len(t, h.sink.ByCall("d1"), 1, "durable entries are written before Execute returns")

	h.sink.FailWith(errors.New("disk full"))
	_, err = h.exec.Execute(context.Background(), tool.Call{ID: "d2", Tool: "notes", Actor: agent})
	assert.ErrorIs(t, err, tool.ErrAuditWriteFailed)
}

func TestExecutor_BestEffortAuditFailureDoesNotFailCall(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.sink.FailWith(errors.New("disk full"))

	out, err := h.exec.Execute(context.Background(), tool.Call{Tool: "notes", Actor: agent})
	require.NoError(t, err)
	assert.True(t, out.Success)
}

func TestExecutor_BlockOnFlagged(t *testing.T) {
	h := newHarness(t, harnessOptions{config: Config{BlockOnFlagged: true, FlaggedCooldown: time.Hour}})

	var err error
	for i := 1; i <= 50; i++ {
		_, err = h.exec.Execute(context.Background(), tool.Call{ID: fmt.Sprintf("n%d", i), Tool: "notes", Actor: agent})
		require.NoError(t, err, "call %d", i)
	}
	_, flagged := h.detector.Recent("local")
	require.True(t, flagged)

	_, err = h.exec.Execute(context.Background(), tool.Call{ID: "n51", Tool: "notes", Actor: agent})
	assert.ErrorIs(t, err, tool.ErrAnomalyRejected)

	e := h.onlyEntry(t, "n51")
	stage, ok := e.Stage(audit.StageAnomaly)
	require.True(t, ok)
	assert.Equal(t, audit.VerdictDeny, stage.Verdict)
	_, dispatched := e.Stage(audit.StageDispatch)
	assert.False(t, dispatched)
}

func TestExecutor_ConcurrentCallsAuditOnce(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = h.exec.Execute(context.Background(), tool.Call{ID: fmt.Sprintf("cc-%d", i), Tool: "notes", Actor: agent})
		}(i)
	}
	wg.Wait()

	require.NoError(t, h.audit.Flush(context.Background()))
	seen := map[string]bool{}
	for _, e := range h.sink.Entries() {
		assert.False(t, seen[e.ID], "duplicate audit id")
		seen[e.ID] = true
	}
	for i := 0; i < 20; i++ {
		assert.Len(t, h.sink.ByCall(fmt.Sprintf("cc-%d", i)), 1)
	}
}

func TestExecutor_ProviderExitRemovesTools(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	require.NoError(t, h.connect(t, nodeEntry("p1")))
	require.Contains(t, names(h.exec.ListTools()), "p1.echo")

	h.launcher.Kill("p1")

	require.Eventually(t, func() bool {
		for _, d := range h.exec.ListTools() {
			if d.ProviderID == "p1" {
				return false
			}
		}
		return true
	}, 3*time.Second, 10*time.Millisecond)

	_, err := h.exec.Execute(context.Background(), tool.Call{Tool: "p1.echo", Args: map[string]interface{}{"text": "x"}, Actor: agent})
	assert.ErrorIs(t, err, tool.ErrNotFound)
}

func TestExecutor_GeneratesCallID(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	out, err := h.exec.Execute(context.Background(), tool.Call{Tool: "notes", Actor: agent})
	require.NoError(t, err)
	assert.NotEmpty(t, out.CallID)
	assert.Len(t, h.entries(t, out.CallID), 1)
}

func TestNew_RequiresComponents(t *testing.T) {
	_, err := New(DefaultConfig(), Components{})
	assert.Error(t, err)
}
