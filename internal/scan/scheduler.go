// Package scan runs adaptive discovery bursts: a fixed-length burst of
// BLE discovery followed by an idle countdown whose length adapts to how
// healthy the mesh currently looks. Good quality and stability stretch
// the countdown, degraded radio conditions shorten it.
package scan

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"blemesh-relay/internal/transport"
)

// Notification event names passed to the notify callback.
const (
	EventBurstStarted = "scan_burst_started"
	EventBurstEnded   = "scan_burst_ended"
)

// Config bounds the burst cycle. Zero values are replaced by defaults.
type Config struct {
	BurstDuration time.Duration
	MinInterval   time.Duration
	MaxInterval   time.Duration
	Cooldown      time.Duration
}

// DefaultConfig returns the production burst cycle: 20s bursts, idle
// interval adapted between 15s and 5min, 10s manual-override cooldown
// after each burst.
func DefaultConfig() Config {
	return Config{
		BurstDuration: 20 * time.Second,
		MinInterval:   15 * time.Second,
		MaxInterval:   5 * time.Minute,
		Cooldown:      10 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.BurstDuration <= 0 {
		c.BurstDuration = d.BurstDuration
	}
	if c.MinInterval <= 0 {
		c.MinInterval = d.MinInterval
	}
	if c.MaxInterval < c.MinInterval {
		c.MaxInterval = d.MaxInterval
	}
	if c.Cooldown < 0 {
		c.Cooldown = d.Cooldown
	}
	return c
}

// PowerStats are the rolling radio-health metrics feeding interval
// adaptation. Scores are bounded [0,1].
type PowerStats struct {
	QualityScore         float64 `json:"quality_score"`
	StabilityScore       float64 `json:"stability_score"`
	ConsecutiveSuccesses int     `json:"consecutive_successes"`
	ConsecutiveFailures  int     `json:"consecutive_failures"`
}

// EWMA weights. Quality tracks recent bursts closely; stability moves
// slowly so one bad burst does not flip the interval.
const (
	qualityAlpha   = 0.3
	stabilityAlpha = 0.1
)

// Status is a point-in-time snapshot of the burst cycle. Exactly one of
// BurstSecondsRemaining and SecondsUntilNextScan is set while the
// scheduler is running.
type Status struct {
	IsBurstActive         bool       `json:"is_burst_active"`
	BurstSecondsRemaining *int       `json:"burst_seconds_remaining"`
	SecondsUntilNextScan  *int       `json:"seconds_until_next_scan"`
	CurrentScanIntervalMs int64      `json:"current_scan_interval_ms"`
	CanOverride           bool       `json:"can_override"`
	EfficiencyRating      string     `json:"efficiency_rating"`
	PowerStats            PowerStats `json:"power_stats"`
}

// Scheduler owns the burst/idle state machine. All state is guarded by
// mu; the run loop is the only writer of cycle timestamps.
type Scheduler struct {
	cfg    Config
	disc   transport.DiscoveryControl
	logger *slog.Logger

	// notify, when set, is called after every state transition with a
	// consistent snapshot. Called from the run loop, never under mu.
	notify func(event string, st Status)

	now func() time.Time

	mu            sync.Mutex
	bursting      bool
	burstEndsAt   time.Time
	nextBurstAt   time.Time
	cooldownUntil time.Time
	interval      time.Duration
	power         PowerStats
	burstPeers    int
	burstBestRSSI int

	manual    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewScheduler creates a stopped scheduler. The notify callback may be
// nil. Call Start to begin the cycle.
func NewScheduler(cfg Config, disc transport.DiscoveryControl, logger *slog.Logger, notify func(event string, st Status)) *Scheduler {
	cfg = cfg.withDefaults()
	s := &Scheduler{
		cfg:      cfg,
		disc:     disc,
		logger:   logger.With("component", "scan"),
		notify:   notify,
		now:      time.Now,
		interval: cfg.MinInterval,
		manual:   make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
	disc.OnPeerDiscovered(s.onPeer)
	return s
}

func (s *Scheduler) onPeer(ev transport.PeerEvent) {
	if !ev.Viable {
		return
	}
	s.mu.Lock()
	if s.bursting {
		s.burstPeers++
		if s.burstPeers == 1 || ev.RSSI > s.burstBestRSSI {
			s.burstBestRSSI = ev.RSSI
		}
	}
	s.mu.Unlock()
}

// Start launches the burst cycle. The first burst runs after the
// current (initially minimal) idle interval.
func (s *Scheduler) Start() {
	s.mu.Lock()
	s.nextBurstAt = s.now().Add(s.interval)
	s.mu.Unlock()
	s.wg.Add(1)
	go s.run()
}

// Stop terminates the cycle, stopping any active burst, and waits for
// the run loop to exit.
func (s *Scheduler) Stop() {
	s.closeOnce.Do(func() { close(s.done) })
	s.wg.Wait()
}

func (s *Scheduler) run() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		wait := s.nextBurstAt.Sub(s.now())
		s.mu.Unlock()
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-s.done:
			timer.Stop()
			return
		case <-s.manual:
			timer.Stop()
		case <-timer.C:
		}
		if !s.runBurst() {
			return
		}
	}
}

// runBurst executes one complete burst and schedules the next one.
// Returns false when the scheduler was stopped mid-burst.
func (s *Scheduler) runBurst() bool {
	ctx := context.Background()
	if err := s.disc.StartBurst(ctx); err != nil {
		s.logger.Error("failed to start discovery burst", "err", err)
		s.settleBurst(false)
		return true
	}

	s.mu.Lock()
	s.bursting = true
	s.burstEndsAt = s.now().Add(s.cfg.BurstDuration)
	s.burstPeers = 0
	s.burstBestRSSI = 0
	s.mu.Unlock()
	s.logger.Info("discovery burst started", "duration", s.cfg.BurstDuration)
	s.emit(EventBurstStarted)

	stopped := false
	timer := time.NewTimer(s.cfg.BurstDuration)
	select {
	case <-s.done:
		timer.Stop()
		stopped = true
	case <-timer.C:
	}

	if err := s.disc.StopBurst(ctx); err != nil {
		s.logger.Error("failed to stop discovery burst", "err", err)
	}
	if stopped {
		s.mu.Lock()
		s.bursting = false
		s.mu.Unlock()
		return false
	}

	s.settleBurst(true)
	return true
}

// settleBurst folds the burst outcome into the rolling metrics,
// recomputes the adaptive interval and schedules the next burst.
// ran is false when the burst could not be started at all.
func (s *Scheduler) settleBurst(ran bool) {
	s.mu.Lock()
	now := s.now()

	found := ran && s.burstPeers > 0
	qualitySample := 0.0
	if found {
		qualitySample = rssiQuality(s.burstBestRSSI)
	}
	stabilitySample := 0.0
	if found {
		stabilitySample = 1.0
	}
	s.power.QualityScore = clamp01((1-qualityAlpha)*s.power.QualityScore + qualityAlpha*qualitySample)
	s.power.StabilityScore = clamp01((1-stabilityAlpha)*s.power.StabilityScore + stabilityAlpha*stabilitySample)
	if found {
		s.power.ConsecutiveSuccesses++
		s.power.ConsecutiveFailures = 0
	} else {
		s.power.ConsecutiveFailures++
		s.power.ConsecutiveSuccesses = 0
	}

	s.interval = s.adaptiveInterval()
	s.bursting = false
	s.cooldownUntil = now.Add(s.cfg.Cooldown)
	s.nextBurstAt = now.Add(s.interval)

	peers := s.burstPeers
	interval := s.interval
	s.burstPeers = 0
	s.burstBestRSSI = 0
	s.mu.Unlock()

	s.logger.Info("discovery burst ended",
		"peers_found", peers, "next_interval", interval)
	s.emit(EventBurstEnded)
}

// adaptiveInterval maps the composite health score onto
// [MinInterval, MaxInterval]. Monotonic in both scores: a healthier
// mesh scans less often. Caller holds mu.
func (s *Scheduler) adaptiveInterval() time.Duration {
	score := compositeScore(s.power)
	span := float64(s.cfg.MaxInterval - s.cfg.MinInterval)
	iv := s.cfg.MinInterval + time.Duration(span*score)
	if iv < s.cfg.MinInterval {
		iv = s.cfg.MinInterval
	}
	if iv > s.cfg.MaxInterval {
		iv = s.cfg.MaxInterval
	}
	return iv
}

func compositeScore(p PowerStats) float64 {
	return clamp01(0.6*p.QualityScore + 0.4*p.StabilityScore)
}

// rssiQuality normalizes an RSSI reading onto [0,1]. -40 dBm or better
// is a perfect link, -100 dBm or worse is unusable.
func rssiQuality(rssi int) float64 {
	return clamp01((float64(rssi) + 100) / 60)
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

func efficiencyRating(score float64) string {
	switch {
	case score >= 0.8:
		return "excellent"
	case score >= 0.6:
		return "good"
	case score >= 0.4:
		return "fair"
	default:
		return "poor"
	}
}

// TriggerManualScan short-circuits the idle countdown and starts a
// burst immediately. Silently no-ops while a burst is active or during
// the post-burst cooldown.
func (s *Scheduler) TriggerManualScan() {
	s.mu.Lock()
	allowed := s.canOverrideLocked(s.now())
	if allowed {
		s.nextBurstAt = s.now()
	}
	s.mu.Unlock()
	if !allowed {
		s.logger.Debug("manual scan refused")
		return
	}
	select {
	case s.manual <- struct{}{}:
	default:
	}
}

// CanOverride reports whether a manual scan would be accepted now.
func (s *Scheduler) CanOverride() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.canOverrideLocked(s.now())
}

func (s *Scheduler) canOverrideLocked(now time.Time) bool {
	return !s.bursting && !now.Before(s.cooldownUntil)
}

// Status returns a consistent snapshot of the cycle.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.statusLocked(s.now())
}

func (s *Scheduler) statusLocked(now time.Time) Status {
	st := Status{
		IsBurstActive:         s.bursting,
		CurrentScanIntervalMs: s.interval.Milliseconds(),
		CanOverride:           s.canOverrideLocked(now),
		EfficiencyRating:      efficiencyRating(compositeScore(s.power)),
		PowerStats:            s.power,
	}
	if s.bursting {
		secs := secondsUntil(now, s.burstEndsAt)
		st.BurstSecondsRemaining = &secs
	} else if !s.nextBurstAt.IsZero() {
		secs := secondsUntil(now, s.nextBurstAt)
		st.SecondsUntilNextScan = &secs
	}
	return st
}

func secondsUntil(now, t time.Time) int {
	d := t.Sub(now)
	if d < 0 {
		return 0
	}
	return int(d.Round(time.Second) / time.Second)
}

func (s *Scheduler) emit(event string) {
	if s.notify == nil {
		return
	}
	s.mu.Lock()
	st := s.statusLocked(s.now())
	s.mu.Unlock()
	s.notify(event, st)
}
