// Package power derives the daemon's power state from hook activity and
// gates background work accordingly.
package power

import (
	"sync"
	"time"

	"oakci/internal/config"
	"oakci/internal/hookstate"
	"oakci/internal/logging"
	"oakci/internal/store"
)

// State is the daemon's activity level.
type State string

const (
	Active    State = "ACTIVE"
	Idle      State = "IDLE"
	Sleep     State = "SLEEP"
	DeepSleep State = "DEEP_SLEEP"
)

// Stage names the classes of background work the controller gates.
type Stage string

const (
	StageRecovery  Stage = "recovery"  // stuck batches, stale sessions, orphans, prune
	StageExtract   Stage = "extract"   // observation extraction, summarization
	StageEmbed     Stage = "embed"     // indexing, summary embedding
	StageBackup    Stage = "backup"    // auto-backup
	StageHeartbeat Stage = "heartbeat" // health only
)

// stageGate: which stages run per state. Heartbeat always runs; DEEP_SLEEP
// pauses everything else.
var stageGate = map[State]map[Stage]bool{
	Active: {
		StageRecovery: true, StageExtract: true, StageEmbed: true,
		StageBackup: true, StageHeartbeat: true,
	},
	Idle: {
		StageRecovery: true, StageBackup: true, StageHeartbeat: true,
	},
	Sleep: {
		StageHeartbeat: true,
	},
	DeepSleep: {
		StageHeartbeat: true,
	},
}

// Controller computes the current state from the hot cache, the store, and
// client-reported pulses.
type Controller struct {
	cfg       config.PowerConfig
	store     *store.Store
	cache     *hookstate.Cache
	startTime time.Time

	mu        sync.Mutex
	lastPulse time.Time
	lastState State

	now func() time.Time
}

// NewController creates a power controller. startTime anchors the fallback
// when no activity has ever been recorded.
func NewController(cfg config.PowerConfig, st *store.Store, cache *hookstate.Cache) *Controller {
	return &Controller{
		cfg:       cfg,
		store:     st,
		cache:     cache,
		startTime: time.Now(),
		lastState: Active,
		now:       time.Now,
	}
}

// Pulse records client-reported activity (e.g. an explicit keep-awake ping).
func (c *Controller) Pulse() {
	c.mu.Lock()
	c.lastPulse = c.now()
	c.mu.Unlock()
}

// lastActivity resolves the most recent activity signal: hot cache first,
// then the store, then client pulses, then the daemon start time.
func (c *Controller) lastActivity() time.Time {
	latest := c.startTime

	if c.cache != nil {
		if t := c.cache.LastActivity(); t.After(latest) {
			latest = t
		}
	}
	if c.store != nil {
		if t, err := c.store.LastActivityAt(); err == nil && t != nil && t.After(latest) {
			latest = *t
		}
	}
	c.mu.Lock()
	if c.lastPulse.After(latest) {
		latest = c.lastPulse
	}
	c.mu.Unlock()
	return latest
}

// CurrentState derives the power state from elapsed inactivity.
func (c *Controller) CurrentState() State {
	idle := c.now().Sub(c.lastActivity())
	state := Active
	switch {
	case c.cfg.DeepSleepAfterMinutes > 0 && idle >= time.Duration(c.cfg.DeepSleepAfterMinutes)*time.Minute:
		state = DeepSleep
	case c.cfg.SleepAfterMinutes > 0 && idle >= time.Duration(c.cfg.SleepAfterMinutes)*time.Minute:
		state = Sleep
	case c.cfg.IdleAfterMinutes > 0 && idle >= time.Duration(c.cfg.IdleAfterMinutes)*time.Minute:
		state = Idle
	}

	c.mu.Lock()
	if state != c.lastState {
		logging.Power("Power state %s -> %s (idle %s)", c.lastState, state, idle.Round(time.Second))
		c.lastState = state
	}
	c.mu.Unlock()
	return state
}

// Allows reports whether the given stage may run in the current state.
func (c *Controller) Allows(stage Stage) bool {
	return stageGate[c.CurrentState()][stage]
}

// AllowsIn reports stage permission for an already-computed state, so one
// tick evaluates the state once.
func AllowsIn(state State, stage Stage) bool {
	return stageGate[state][stage]
}
