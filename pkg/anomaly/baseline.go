package anomaly

import (
	"math"
	"sync"
	"time"
)

// baseline is the rolling window of one origin. Samples are kept in arrival
// order, oldest first.
type baseline struct {
	mu          sync.Mutex
	samples     []Sample
	actors      map[string]int
	lastFlagged time.Time
}

func (b *baseline) add(s Sample, limit int) {
	b.samples = append(b.samples, s)
	if s.Actor != "" {
		b.actors[s.Actor]++
	}
	for len(b.samples) > limit {
		b.evict()
	}
}

// prune drops samples older than maxAge.
func (b *baseline) prune(now time.Time, maxAge time.Duration) {
	if maxAge <= 0 {
		return
	}
	cutoff := now.Add(-maxAge)
	for len(b.samples) > 0 && b.samples[0].At.Before(cutoff) {
		b.evict()
	}
}

func (b *baseline) evict() {
	s := b.samples[0]
	b.samples = b.samples[1:]
	if s.Actor == "" {
		return
	}
	if b.actors[s.Actor]--; b.actors[s.Actor] <= 0 {
		delete(b.actors, s.Actor)
	}
}

// burstRatio compares the calls inside the burst window, including the
// current one, with the rate the older samples predict.
func (b *baseline) burstRatio(now time.Time, cfg Config) float64 {
	start := now.Add(-cfg.BurstWindow)

	recent := 1
	older := 0
	var oldest time.Time
	for _, s := range b.samples {
		if s.At.After(start) {
			recent++
			continue
		}
		if older == 0 {
			oldest = s.At
		}
		older++
	}

	expected := cfg.BurstFloor
	if older > 0 {
		span := now.Sub(oldest)
		if span < cfg.BurstWindow {
			span = cfg.BurstWindow
		}
		rate := float64(older) * float64(cfg.BurstWindow) / float64(span)
		expected = math.Max(expected, rate)
	}
	return float64(recent) / expected
}

func (b *baseline) sizeStats() (mean, std float64) {
	return meanStd(b.samples, func(s Sample) float64 { return float64(s.Size) })
}

func (b *baseline) durationStats() (mean, std float64) {
	return meanStd(b.samples, func(s Sample) float64 { return float64(s.Duration) })
}

func (b *baseline) stats(origin string) Stats {
	meanSize, stdSize := b.sizeStats()
	meanDur, stdDur := b.durationStats()
	return Stats{
		Origin:       origin,
		Samples:      len(b.samples),
		Actors:       len(b.actors),
		MeanSize:     meanSize,
		StdSize:      stdSize,
		MeanDuration: time.Duration(meanDur),
		StdDuration:  time.Duration(stdDur),
		LastFlagged:  b.lastFlagged,
	}
}

func meanStd(samples []Sample, value func(Sample) float64) (float64, float64) {
	if len(samples) == 0 {
		return 0, 0
	}
	var sum float64
	for _, s := range samples {
		sum += value(s)
	}
	mean := sum / float64(len(samples))

	var sq float64
	for _, s := range samples {
		d := value(s) - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(samples)))
}
