package trust

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/harun/toolgate/pkg/tool"
)

// Event is an invocation outcome fed back into a trust record.
type Event string

const (
	// EventSuccess is a completed call with a normal anomaly classification
	EventSuccess Event = "success"
	// EventNeutral is a completed call that leaves the score unchanged
	EventNeutral Event = "neutral"
	// EventFailure is a failed call
	EventFailure Event = "failure"
	// EventTimeout is a call that exceeded its timeout
	EventTimeout Event = "timeout"
	// EventFlagged is a call the anomaly detector flagged
	EventFlagged Event = "flagged"
)

// Update is one entry of a record's bounded history.
type Update struct {
	At     time.Time `json:"at"`
	Event  Event     `json:"event"`
	Before float64   `json:"before"`
	After  float64   `json:"after"`
}

// Decision is the result of a trust check.
type Decision struct {
	Allowed  bool
	Level    tool.TrustLevel
	Required tool.TrustLevel
	Score    float64
}

// RecordSnapshot is a copy of one origin's record.
type RecordSnapshot struct {
	Origin  string          `json:"origin"`
	Score   float64         `json:"score"`
	Level   tool.TrustLevel `json:"level"`
	Updated time.Time       `json:"updated"`
	History []Update        `json:"history"`
}

type record struct {
	mu      sync.Mutex
	score   float64
	decayed time.Time
	updated time.Time
	history []Update
}

// Gate holds per-origin trust records. Updates to one origin are serialized
// by that record's own lock; different origins never contend.
type Gate struct {
	config    Config
	minLevels map[tool.RiskClass]tool.TrustLevel
	now       func() time.Time

	records map[string]*record
	mu      sync.RWMutex

	cron *cron.Cron
}

// Option configures a Gate.
type Option func(*Gate)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(g *Gate) {
		g.now = now
	}
}

// NewGate creates a trust gate.
func NewGate(cfg Config, opts ...Option) (*Gate, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	g := &Gate{
		config:    cfg,
		minLevels: cfg.minLevels(),
		now:       time.Now,
		records:   make(map[string]*record),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Required returns the minimum level for a risk class. Unknown classes
// require Elevated.
func (g *Gate) Required(class tool.RiskClass) tool.TrustLevel {
	if level, ok := g.minLevels[class]; ok {
		return level
	}
	return tool.LevelElevated
}

// LevelFor maps a score to its level.
func (g *Gate) LevelFor(score float64) tool.TrustLevel {
	t := g.config.Thresholds
	switch {
	case score >= t.Elevated:
		return tool.LevelElevated
	case score >= t.Standard:
		return tool.LevelStandard
	case score >= t.Restricted:
		return tool.LevelRestricted
	default:
		return tool.LevelBlocked
	}
}

// Check decides whether origin may invoke a tool of the given class.
func (g *Gate) Check(origin string, class tool.RiskClass) Decision {
	score := g.Score(origin)
	level := g.LevelFor(score)
	required := g.Required(class)
	return Decision{
		Allowed:  level >= required,
		Level:    level,
		Required: required,
		Score:    score,
	}
}

// Score returns the current decayed score of an origin.
func (g *Gate) Score(origin string) float64 {
	rec := g.lookup(origin)
	if rec == nil {
		return g.config.Initial
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	g.decay(rec, g.now())
	return rec.score
}

// Level returns the current level of an origin.
func (g *Gate) Level(origin string) tool.TrustLevel {
	return g.LevelFor(g.Score(origin))
}

// Record applies an outcome to the origin's record and returns the update.
func (g *Gate) Record(origin string, event Event) Update {
	rec := g.getOrCreate(origin)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	now := g.now()
	g.decay(rec, now)

	before := rec.score
	switch event {
	case EventSuccess:
		rec.score += g.config.SuccessDelta
	case EventFailure, EventTimeout:
		rec.score -= g.config.FailureDelta
	case EventFlagged:
		rec.score -= g.config.FlaggedDelta
	}
	rec.score = clamp(rec.score)
	rec.updated = now

	u := Update{At: now, Event: event, Before: before, After: rec.score}
	rec.history = append(rec.history, u)
	if over := len(rec.history) - g.config.HistorySize; over > 0 {
		rec.history = append(rec.history[:0:0], rec.history[over:]...)
	}

	if g.LevelFor(before) != g.LevelFor(rec.score) {
		log.Info().
			Str("origin", origin).
			Str("event", string(event)).
			Float64("score", rec.score).
			Str("from", g.LevelFor(before).String()).
			Str("to", g.LevelFor(rec.score).String()).
			Msg("Trust level changed")
	}

	return u
}

// Snapshot returns copies of all records sorted by origin.
func (g *Gate) Snapshot() []RecordSnapshot {
	g.mu.RLock()
	origins := make([]string, 0, len(g.records))
	for origin := range g.records {
		origins = append(origins, origin)
	}
	g.mu.RUnlock()
	sort.Strings(origins)

	now := g.now()
	out := make([]RecordSnapshot, 0, len(origins))
	for _, origin := range origins {
		rec := g.lookup(origin)
		rec.mu.Lock()
		g.decay(rec, now)
		snap := RecordSnapshot{
			Origin:  origin,
			Score:   rec.score,
			Level:   g.LevelFor(rec.score),
			Updated: rec.updated,
			History: append([]Update(nil), rec.history...),
		}
		rec.mu.Unlock()
		out = append(out, snap)
	}
	return out
}

// Sweep applies decay to every record.
func (g *Gate) Sweep() {
	g.mu.RLock()
	recs := make([]*record, 0, len(g.records))
	for _, rec := range g.records {
		recs = append(recs, rec)
	}
	g.mu.RUnlock()

	now := g.now()
	for _, rec := range recs {
		rec.mu.Lock()
		g.decay(rec, now)
		rec.mu.Unlock()
	}
}

// StartDecay schedules the periodic decay sweep.
func (g *Gate) StartDecay() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cron != nil || g.config.HalfLife <= 0 || g.config.DecaySchedule == "" {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(g.config.DecaySchedule, g.Sweep); err != nil {
		return err
	}
	c.Start()
	g.cron = c

	log.Debug().Str("schedule", g.config.DecaySchedule).Dur("half_life", g.config.HalfLife).Msg("Trust decay started")
	return nil
}

// StopDecay stops the sweep and waits for a running sweep to finish.
func (g *Gate) StopDecay() {
	g.mu.Lock()
	c := g.cron
	g.cron = nil
	g.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
}

func (g *Gate) lookup(origin string) *record {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.records[origin]
}

// getOrCreate gets or creates the record for an origin
func (g *Gate) getOrCreate(origin string) *record {
	if rec := g.lookup(origin); rec != nil {
		return rec
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if rec, ok := g.records[origin]; ok {
		return rec
	}
	now := g.now()
	rec := &record{score: g.config.Initial, decayed: now, updated: now}
	g.records[origin] = rec
	return rec
}

// decay moves the score toward the initial value. Caller holds rec.mu.
func (g *Gate) decay(rec *record, now time.Time) {
	if g.config.HalfLife <= 0 {
		rec.decayed = now
		return
	}
	elapsed := now.Sub(rec.decayed)
	if elapsed <= 0 {
		return
	}
	factor := math.Pow(0.5, float64(elapsed)/float64(g.config.HalfLife))
	rec.score = clamp(g.config.Initial + (rec.score-g.config.Initial)*factor)
	rec.decayed = now
}

func clamp(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
