package provider

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// HealthMonitor pings sessions flagged by protocol errors. A session that
// fails its ping is torn down and reconnected with the registry's bounded
// retry policy.
type HealthMonitor struct {
	registry *Registry
	interval time.Duration
	timeout  time.Duration
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// StartHealthMonitor starts the monitor loop if an interval is configured.
func (r *Registry) StartHealthMonitor() {
	if r.config.HealthInterval <= 0 {
		return
	}

	r.mu.Lock()
	if r.monitor != nil {
		r.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	hm := &HealthMonitor{
		registry: r,
		interval: r.config.HealthInterval,
		timeout:  r.config.HandshakeTimeout,
		ctx:      ctx,
		cancel:   cancel,
	}
	r.monitor = hm
	r.mu.Unlock()

	hm.wg.Add(1)
	go hm.loop()

	log.Info().Dur("interval", hm.interval).Msg("Provider health monitor started")
}

// StopHealthMonitor stops the monitor loop and waits for it.
func (r *Registry) StopHealthMonitor() {
	r.mu.Lock()
	hm := r.monitor
	r.monitor = nil
	r.mu.Unlock()

	if hm == nil {
		return
	}
	hm.cancel()
	hm.wg.Wait()

	log.Info().Msg("Provider health monitor stopped")
}

func (hm *HealthMonitor) loop() {
	defer hm.wg.Done()

	ticker := time.NewTicker(hm.interval)
	defer ticker.Stop()

	for {
		select {
		case <-hm.ctx.Done():
			return
		case <-ticker.C:
			hm.registry.CheckHealth(hm.ctx)
		}
	}
}

// CheckHealth runs one health pass: flagged sessions are pinged and
// unavailable entries get another bounded connect attempt.
func (r *Registry) CheckHealth(ctx context.Context) {
	timeout := r.config.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}

	r.mu.RLock()
	var flagged []*Session
	var down []string
	for _, id := range r.order {
		s := r.slots[id]
		switch {
		case s.session != nil && s.session.State() == StateReady && s.session.NeedsHealthCheck():
			flagged = append(flagged, s.session)
		case s.availability == AvailabilityUnavailable && !isValidationFailure(s.lastErr):
			down = append(down, id)
		}
	}
	r.mu.RUnlock()

	for _, session := range flagged {
		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := session.Ping(pctx)
		cancel()
		if err == nil {
			log.Info().Str("provider", session.ProviderID()).Msg("Provider health check passed")
			continue
		}

		log.Warn().
			Err(err).
			Str("provider", session.ProviderID()).
			Msg("Provider health check failed, restarting session")
		if cerr := session.Close(); cerr != nil {
			log.Warn().Err(cerr).Str("provider", session.ProviderID()).Msg("Failed to close unhealthy session")
		}
		down = append(down, session.ProviderID())
	}

	for _, id := range down {
		if ctx.Err() != nil {
			return
		}
		if err := r.Connect(ctx, id); err != nil {
			log.Debug().Err(err).Str("provider", id).Msg("Provider still unavailable")
		}
	}
}
