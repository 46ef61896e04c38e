// Package backpressure sheds load when the ingestion queue fills up.
package backpressure

import (
	"sync"
	"sync/atomic"
	"time"

	errs "github.com/xtxerr/gridpulse/internal/errors"
	"github.com/xtxerr/gridpulse/internal/logging"
	"github.com/xtxerr/gridpulse/internal/storage/config"
)

var log = logging.Component("backpressure")

// Level represents the current backpressure level.
type Level int

const (
	// LevelNormal - system operating normally.
	LevelNormal Level = iota

	// LevelWarning - elevated load, pause archive flushes.
	LevelWarning

	// LevelCritical - high load, transports slow their reads.
	LevelCritical

	// LevelEmergency - overload, new readings are rejected.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Gauge reports utilisation in [0,1].
type Gauge interface {
	UsageRatio() float64
}

// GaugeFunc adapts a function to Gauge.
type GaugeFunc func() float64

// UsageRatio implements Gauge.
func (f GaugeFunc) UsageRatio() float64 { return f() }

// Controller manages backpressure based on a utilisation gauge.
type Controller struct {
	mu sync.RWMutex

	config config.BackpressureConfig
	gauge  Gauge

	level     atomic.Int32
	lastCheck time.Time
	lastLevel Level

	stats Stats
}

// Stats holds backpressure statistics.
type Stats struct {
	LevelChanges    int64
	WarningCount    int64
	CriticalCount   int64
	EmergencyCount  int64
	Rejected        int64
	ThrottleSeconds float64
}

// New creates a new backpressure controller.
func New(cfg config.BackpressureConfig, gauge Gauge) *Controller {
	return &Controller{
		config: cfg,
		gauge:  gauge,
	}
}

// Check evaluates current utilisation and updates the level.
// Rising pressure takes effect immediately; falling pressure is subject
// to the cooldown and hysteresis.
func (c *Controller) Check() Level {
	if !c.config.Enabled {
		return LevelNormal
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	usage := c.gauge.UsageRatio()
	newLevel := c.determineLevel(usage)

	if newLevel < c.lastLevel && now.Sub(c.lastCheck) < c.config.Recovery.Cooldown {
		return c.lastLevel
	}

	if newLevel != c.lastLevel {
		c.lastCheck = now
		c.setLevel(newLevel, usage)
	}
	return newLevel
}

func (c *Controller) determineLevel(usage float64) Level {
	th := c.config.Thresholds
	hysteresis := c.config.Recovery.Hysteresis

	raw := LevelNormal
	switch {
	case usage >= th.Emergency:
		raw = LevelEmergency
	case usage >= th.Critical:
		raw = LevelCritical
	case usage >= th.Warning:
		raw = LevelWarning
	}
	if raw >= c.lastLevel {
		return raw
	}

	// Step down one level at a time once below threshold - hysteresis
	switch c.lastLevel {
	case LevelEmergency:
		if usage < th.Emergency-hysteresis {
			return LevelCritical
		}
	case LevelCritical:
		if usage < th.Critical-hysteresis {
			return LevelWarning
		}
	case LevelWarning:
		if usage < th.Warning-hysteresis {
			return LevelNormal
		}
	}
	return c.lastLevel
}

func (c *Controller) setLevel(newLevel Level, usage float64) {
	oldLevel := c.lastLevel
	c.lastLevel = newLevel
	c.level.Store(int32(newLevel))
	c.stats.LevelChanges++

	switch newLevel {
	case LevelWarning:
		c.stats.WarningCount++
	case LevelCritical:
		c.stats.CriticalCount++
	case LevelEmergency:
		c.stats.EmergencyCount++
	}

	log.Info("backpressure level changed",
		"from", oldLevel.String(),
		"to", newLevel.String(),
		"usage", usage)
}

// CurrentLevel returns the current backpressure level.
func (c *Controller) CurrentLevel() Level {
	return Level(c.level.Load())
}

// Admit re-evaluates the level and returns ErrOverloaded at emergency.
func (c *Controller) Admit() error {
	if c.Check() == LevelEmergency {
		c.mu.Lock()
		c.stats.Rejected++
		c.mu.Unlock()
		return errs.ErrOverloaded
	}
	return nil
}

// ShouldThrottle returns true if transports should slow down.
func (c *Controller) ShouldThrottle() bool {
	return c.CurrentLevel() >= LevelCritical
}

// ShouldPauseArchive returns true if archive flushes should wait.
func (c *Controller) ShouldPauseArchive() bool {
	return c.CurrentLevel() >= LevelWarning
}

// maxThrottleDelay is the pause at LevelEmergency.
const maxThrottleDelay = 100 * time.Millisecond

// ThrottleDelay returns how long a transport should pause before its
// next read. It is zero unless ShouldThrottle.
func (c *Controller) ThrottleDelay() time.Duration {
	if !c.ShouldThrottle() {
		return 0
	}
	delay := maxThrottleDelay / 2
	if c.CurrentLevel() == LevelEmergency {
		delay = maxThrottleDelay
	}

	c.mu.Lock()
	c.stats.ThrottleSeconds += delay.Seconds()
	c.mu.Unlock()

	return delay
}

// ControllerStats holds controller statistics.
type ControllerStats struct {
	CurrentLevel    Level
	LevelChanges    int64
	WarningCount    int64
	CriticalCount   int64
	EmergencyCount  int64
	Rejected        int64
	ThrottleSeconds float64
	Usage           float64
}

// Stats returns current statistics.
func (c *Controller) Stats() ControllerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ControllerStats{
		CurrentLevel:    c.CurrentLevel(),
		LevelChanges:    c.stats.LevelChanges,
		WarningCount:    c.stats.WarningCount,
		CriticalCount:   c.stats.CriticalCount,
		EmergencyCount:  c.stats.EmergencyCount,
		Rejected:        c.stats.Rejected,
		ThrottleSeconds: c.stats.ThrottleSeconds,
		Usage:           c.gauge.UsageRatio(),
	}
}
