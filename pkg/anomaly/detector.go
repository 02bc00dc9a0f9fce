// Package anomaly scores tool invocations against a rolling per-origin
// baseline of call rate, payload size, duration and actors.
package anomaly

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Classification is the detector's verdict for one invocation.
type Classification int

const (
	Normal Classification = iota
	Suspicious
	Flagged
)

func (c Classification) String() string {
	switch c {
	case Normal:
		return "normal"
	case Suspicious:
		return "suspicious"
	case Flagged:
		return "flagged"
	default:
		return "unknown"
	}
}

// Sample is one completed invocation.
type Sample struct {
	At       time.Time
	Actor    string
	Size     int
	Duration time.Duration
}

// Signal is one contribution to a result.
type Signal struct {
	Name  string         `json:"name"`
	Value float64        `json:"value"`
	Class Classification `json:"class"`
}

// Result is the outcome of observing a sample.
type Result struct {
	Class   Classification
	Score   float64
	Signals []Signal
}

// Reason summarizes the strongest signal.
func (r Result) Reason() string {
	var top *Signal
	for i := range r.Signals {
		if top == nil || r.Signals[i].Class > top.Class {
			top = &r.Signals[i]
		}
	}
	if top == nil || top.Class == Normal {
		return ""
	}
	return top.Name
}

// Config holds detector parameters.
type Config struct {
	WindowSize      int           `json:"window_size" mapstructure:"window_size"`
	MaxAge          time.Duration `json:"max_age" mapstructure:"max_age"`
	MinSamples      int           `json:"min_samples" mapstructure:"min_samples"`
	BurstWindow     time.Duration `json:"burst_window" mapstructure:"burst_window"`
	BurstFloor      float64       `json:"burst_floor" mapstructure:"burst_floor"`
	BurstSuspicious float64       `json:"burst_suspicious" mapstructure:"burst_suspicious"`
	BurstFlagged    float64       `json:"burst_flagged" mapstructure:"burst_flagged"`
	ZSuspicious     float64       `json:"z_suspicious" mapstructure:"z_suspicious"`
	ZFlagged        float64       `json:"z_flagged" mapstructure:"z_flagged"`
	SizeFloor       float64       `json:"size_floor" mapstructure:"size_floor"`
	DurationFloor   time.Duration `json:"duration_floor" mapstructure:"duration_floor"`
	NovelActor      bool          `json:"novel_actor" mapstructure:"novel_actor"`
}

// DefaultConfig returns default detector parameters.
func DefaultConfig() Config {
	return Config{
		WindowSize:      256,
		MaxAge:          time.Hour,
		MinSamples:      10,
		BurstWindow:     time.Second,
		BurstFloor:      1,
		BurstSuspicious: 10,
		BurstFlagged:    50,
		ZSuspicious:     3,
		ZFlagged:        6,
		SizeFloor:       256,
		DurationFloor:   50 * time.Millisecond,
		NovelActor:      true,
	}
}

// Detector keeps one baseline per origin. Observations for the same origin
// are serialized; different origins proceed in parallel.
type Detector struct {
	config Config
	now    func() time.Time

	baselines map[string]*baseline
	mu        sync.RWMutex
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock overrides the time source used for pruning and flag timestamps.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		d.now = now
	}
}

// New creates a detector.
func New(cfg Config, opts ...Option) *Detector {
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = DefaultConfig().WindowSize
	}
	if cfg.BurstWindow <= 0 {
		cfg.BurstWindow = time.Second
	}
	if cfg.BurstFloor <= 0 {
		cfg.BurstFloor = 1
	}
	d := &Detector{
		config:    cfg,
		now:       time.Now,
		baselines: make(map[string]*baseline),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Now returns the detector's current time.
func (d *Detector) Now() time.Time {
	return d.now()
}

// Observe scores a sample against the origin's baseline and then adds it to
// the baseline, whatever the classification.
func (d *Detector) Observe(origin string, s Sample) Result {
	if s.At.IsZero() {
		s.At = d.now()
	}
	b := d.getOrCreate(origin)

	b.mu.Lock()
	defer b.mu.Unlock()

	b.prune(s.At, d.config.MaxAge)

	res := d.score(b, s)
	b.add(s, d.config.WindowSize)

	if res.Class == Flagged {
		b.lastFlagged = s.At
		log.Warn().
			Str("origin", origin).
			Str("signal", res.Reason()).
			Float64("score", res.Score).
			Msg("Invocation flagged as anomalous")
	}
	return res
}

// Recent returns when the origin was last flagged.
func (d *Detector) Recent(origin string) (time.Time, bool) {
	b := d.lookup(origin)
	if b == nil {
		return time.Time{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastFlagged, !b.lastFlagged.IsZero()
}

// Stats summarizes an origin's baseline.
type Stats struct {
	Origin       string        `json:"origin"`
	Samples      int           `json:"samples"`
	Actors       int           `json:"actors"`
	MeanSize     float64       `json:"mean_size"`
	StdSize      float64       `json:"std_size"`
	MeanDuration time.Duration `json:"mean_duration"`
	StdDuration  time.Duration `json:"std_duration"`
	LastFlagged  time.Time     `json:"last_flagged,omitempty"`
}

// Baseline returns the stats for one origin.
func (d *Detector) Baseline(origin string) (Stats, bool) {
	b := d.lookup(origin)
	if b == nil {
		return Stats{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stats(origin), true
}

// Snapshot returns stats for every origin sorted by name.
func (d *Detector) Snapshot() []Stats {
	d.mu.RLock()
	origins := make([]string, 0, len(d.baselines))
	for origin := range d.baselines {
		origins = append(origins, origin)
	}
	d.mu.RUnlock()
	sort.Strings(origins)

	out := make([]Stats, 0, len(origins))
	for _, origin := range origins {
		if s, ok := d.Baseline(origin); ok {
			out = append(out, s)
		}
	}
	return out
}

func (d *Detector) score(b *baseline, s Sample) Result {
	cfg := d.config
	var res Result

	add := func(name string, value, suspicious, flagged float64) {
		class := Normal
		switch {
		case flagged > 0 && value >= flagged:
			class = Flagged
		case suspicious > 0 && value >= suspicious:
			class = Suspicious
		}
		res.Signals = append(res.Signals, Signal{Name: name, Value: value, Class: class})
		if class > res.Class {
			res.Class = class
		}
		if flagged > 0 {
			res.Score = math.Max(res.Score, value/flagged)
		}
	}

	add("burst_rate", b.burstRatio(s.At, cfg), cfg.BurstSuspicious, cfg.BurstFlagged)

	if len(b.samples) >= cfg.MinSamples && cfg.MinSamples > 0 {
		meanSize, stdSize := b.sizeStats()
		add("payload_size", zscore(float64(s.Size), meanSize, stdSize, cfg.SizeFloor), cfg.ZSuspicious, cfg.ZFlagged)

		meanDur, stdDur := b.durationStats()
		add("duration", zscore(float64(s.Duration), meanDur, stdDur, float64(cfg.DurationFloor)), cfg.ZSuspicious, cfg.ZFlagged)

		if cfg.NovelActor && s.Actor != "" {
			if _, seen := b.actors[s.Actor]; !seen {
				res.Signals = append(res.Signals, Signal{Name: "novel_actor", Value: 1, Class: Suspicious})
				if res.Class < Suspicious {
					res.Class = Suspicious
				}
				res.Score = math.Max(res.Score, cfg.ZSuspicious/math.Max(cfg.ZFlagged, 1))
			}
		}
	}

	return res
}

func (d *Detector) lookup(origin string) *baseline {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.baselines[origin]
}

func (d *Detector) getOrCreate(origin string) *baseline {
	if b := d.lookup(origin); b != nil {
		return b
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if b, ok := d.baselines[origin]; ok {
		return b
	}
	b := &baseline{actors: make(map[string]int)}
	d.baselines[origin] = b
	return b
}

// zscore uses floor as the minimum deviation so tiny jitter on a constant
// series never scores as an outlier.
func zscore(x, mean, std, floor float64) float64 {
	return math.Abs(x-mean) / math.Max(std, math.Max(floor, 1e-9))
}
