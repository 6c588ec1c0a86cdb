// Package thermal samples CPU temperature and turns a rolling average into a
// throttle decision with hysteresis, so generation never oscillates between
// halted and running around a single threshold.
package thermal

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/edgerag/guide/internal/types"
)

type Config struct {
	// ZonePath points at a sysfs temp file (millidegrees). Discovered under
	// /sys/class/thermal when empty.
	ZonePath       string
	SampleInterval time.Duration
	Samples        int
	AlertCelsius   float64
	HaltCelsius    float64
	ResumeCelsius  float64
}

// ReadFunc returns the current CPU temperature in degrees Celsius. Tests
// swap it for a scripted source.
type ReadFunc func() (float64, error)

// Monitor owns the rolling-average state. It is driven from the
// orchestrator's checkpoints between generated tokens; Observe rate-limits
// actual sensor reads to the sample interval.
type Monitor struct {
	config  Config
	read    ReadFunc
	logger  *slog.Logger
	samples []float64
	lastObs time.Time
	halted  bool
	now     func() time.Time
}

func NewMonitor(config Config, logger *slog.Logger) *Monitor {
	applyMonitorDefaults(&config)

	m := &Monitor{
		config: config,
		logger: logger.With(slog.String("component", "thermal")),
		now:    time.Now,
	}
	m.read = func() (float64, error) { return readZone(m.config.ZonePath) }

	if config.ZonePath == "" {
		if zone, err := discoverZone(); err == nil {
			m.config.ZonePath = zone
		} else {
			m.logger.Warn("no thermal zone found, throttling disabled", slog.Any("error", err))
		}
	}

	return m
}

// NewMonitorWithReader wires a custom temperature source.
func NewMonitorWithReader(config Config, read ReadFunc, logger *slog.Logger) *Monitor {
	applyMonitorDefaults(&config)
	return &Monitor{
		config: config,
		read:   read,
		logger: logger.With(slog.String("component", "thermal")),
		now:    time.Now,
	}
}

func applyMonitorDefaults(config *Config) {
	if config.SampleInterval == 0 {
		config.SampleInterval = 30 * time.Second
	}
	if config.Samples == 0 {
		config.Samples = 3
	}
	if config.AlertCelsius == 0 {
		config.AlertCelsius = 75.0
	}
	if config.HaltCelsius == 0 {
		config.HaltCelsius = 85.0
	}
	if config.ResumeCelsius == 0 {
		config.ResumeCelsius = 70.0
	}
}

// Observe takes a sample if the interval has elapsed since the last one.
func (m *Monitor) Observe() {
	now := m.now()
	if !m.lastObs.IsZero() && now.Sub(m.lastObs) < m.config.SampleInterval {
		return
	}
	m.lastObs = now

	temp, err := m.read()
	if err != nil {
		// A sensor glitch must not halt inference on its own; keep the last
		// known window.
		m.logger.Warn("temperature read failed", slog.Any("error", err))
		return
	}

	m.samples = append(m.samples, temp)
	if len(m.samples) > m.config.Samples {
		m.samples = m.samples[len(m.samples)-m.config.Samples:]
	}

	avg := m.Average()
	switch {
	case !m.halted && avg >= m.config.HaltCelsius:
		m.halted = true
		m.logger.Warn("thermal halt engaged",
			slog.Float64("avg_celsius", avg),
			slog.Float64("halt_celsius", m.config.HaltCelsius))
	case m.halted && avg < m.config.ResumeCelsius:
		m.halted = false
		m.logger.Info("thermal halt released", slog.Float64("avg_celsius", avg))
	}
}

// Average is the rolling mean over the sample window, or 0 with no samples.
func (m *Monitor) Average() float64 {
	if len(m.samples) == 0 {
		return 0
	}
	var sum float64
	for _, s := range m.samples {
		sum += s
	}
	return sum / float64(len(m.samples))
}

// Level is a pure read of the current decision: halted sticks until the
// average drops below the resume threshold; reduced engages above the alert
// threshold.
func (m *Monitor) Level() types.ThrottleLevel {
	if m.halted {
		return types.ThrottleHalted
	}
	if len(m.samples) > 0 && m.Average() >= m.config.AlertCelsius {
		return types.ThrottleReduced
	}
	return types.ThrottleNone
}

func readZone(path string) (float64, error) {
	if path == "" {
		return 0, fmt.Errorf("no thermal zone configured")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	milli, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("unexpected thermal zone value %q: %w", strings.TrimSpace(string(data)), err)
	}
	return float64(milli) / 1000.0, nil
}

func discoverZone() (string, error) {
	zones, err := filepath.Glob("/sys/class/thermal/thermal_zone*/temp")
	if err != nil || len(zones) == 0 {
		return "", fmt.Errorf("no thermal zones under /sys/class/thermal")
	}
	return zones[0], nil
}
