// Package audit records one append-only entry per tool invocation attempt.
package audit

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/toolgate/pkg/tool"
)

// Stage names, in pipeline order.
const (
	StageValidation = "validation"
	StageLookup     = "lookup"
	StagePermission = "permission"
	StageTrust      = "trust"
	StageAnomaly    = "anomaly"
	StageArguments  = "arguments"
	StageDispatch   = "dispatch"
	StageFilter     = "filter"
)

// Verdicts recorded per stage.
const (
	VerdictAllow      = "allow"
	VerdictDeny       = "deny"
	VerdictError      = "error"
	VerdictTimeout    = "timeout"
	VerdictSuspicious = "suspicious"
	VerdictFlagged    = "flagged"
)

// Outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeFailure  = "failure"
	OutcomeRejected = "rejected"
)

// Severities.
const (
	SeverityInfo     = "info"
	SeverityWarn     = "warn"
	SeverityCritical = "critical"
)

// StageVerdict is the decision one pipeline stage made.
type StageVerdict struct {
	Stage   string `json:"stage"`
	Verdict string `json:"verdict"`
	Reason  string `json:"reason,omitempty"`
}

// Stages implements zerolog.LogArrayMarshaler.
type Stages []StageVerdict

func (s Stages) MarshalZerologArray(a *zerolog.Array) {
	for _, v := range s {
		a.Dict(zerolog.Dict().
			Str("stage", v.Stage).
			Str("verdict", v.Verdict).
			Str("reason", v.Reason))
	}
}

// Entry is one immutable audit record.
type Entry struct {
	ID         string         `json:"id"`
	CallID     string         `json:"call_id"`
	Tool       string         `json:"tool"`
	Origin     string         `json:"origin"`
	Class      tool.RiskClass `json:"class,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	Role       string         `json:"role,omitempty"`
	Stages     Stages         `json:"stages"`
	Outcome    string         `json:"outcome"`
	ErrorKind  tool.Kind      `json:"error_kind,omitempty"`
	Error      string         `json:"error,omitempty"`
	Severity   string         `json:"severity"`
	BytesIn    int            `json:"bytes_in"`
	BytesOut   int            `json:"bytes_out"`
	Truncated  bool           `json:"truncated,omitempty"`
	StartedAt  time.Time      `json:"started_at"`
	FinishedAt time.Time      `json:"finished_at"`
}

// NewEntry starts an entry for a call.
func NewEntry(call tool.Call, started time.Time) *Entry {
	return &Entry{
		CallID:    call.ID,
		Tool:      call.Tool,
		Actor:     call.Actor.ID,
		Role:      call.Actor.Role,
		Severity:  SeverityInfo,
		StartedAt: started,
	}
}

// Describe fills the tool identity from a resolved descriptor.
func (e *Entry) Describe(desc tool.Descriptor) {
	e.Tool = desc.QualifiedName()
	e.Origin = desc.Origin.String()
	e.Class = desc.Class
}

// Add appends a stage verdict.
func (e *Entry) Add(stage, verdict, reason string) {
	e.Stages = append(e.Stages, StageVerdict{Stage: stage, Verdict: verdict, Reason: reason})
}

// Escalate raises the severity, never lowers it.
func (e *Entry) Escalate(severity string) {
	if severityRank(severity) > severityRank(e.Severity) {
		e.Severity = severity
	}
}

// Stage returns the verdict recorded for a stage.
func (e Entry) Stage(stage string) (StageVerdict, bool) {
	for _, s := range e.Stages {
		if s.Stage == stage {
			return s, true
		}
	}
	return StageVerdict{}, false
}

// Finish sets the outcome and error.
func (e *Entry) Finish(finished time.Time, outcome string, err error) {
	e.FinishedAt = finished
	e.Outcome = outcome
	if err != nil {
		e.ErrorKind = tool.KindOf(err)
		e.Error = err.Error()
	}
}

// SpawnRejection builds the entry for a provider spawn the validator
// refused.
func SpawnRejection(providerID, command, reason string, at time.Time) Entry {
	return Entry{
		CallID:     "spawn:" + providerID,
		Tool:       command,
		Origin:     tool.RemoteOrigin(providerID).String(),
		Stages:     Stages{{Stage: StageValidation, Verdict: VerdictDeny, Reason: reason}},
		Outcome:    OutcomeRejected,
		ErrorKind:  tool.KindValidation,
		Error:      reason,
		Severity:   SeverityWarn,
		StartedAt:  at,
		FinishedAt: at,
	}
}

func severityRank(s string) int {
	switch s {
	case SeverityCritical:
		return 2
	case SeverityWarn:
		return 1
	default:
		return 0
	}
}
