// Package resources enforces soft RAM and disk ceilings checked before an
// ingestion batch or a generation call starts. Breaching a ceiling pauses new
// work; it never kills work already in flight.
package resources

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/edgerag/guide/internal/types"
)

type Config struct {
	// DataDir is the filesystem whose free space is checked.
	DataDir       string
	MinFreeRAMMB  uint64
	MinFreeDiskMB uint64
}

// StatFunc reports (freeRAMMB, freeDiskMB). Tests inject fixed values.
type StatFunc func() (uint64, uint64, error)

type Gate struct {
	config Config
	stat   StatFunc
	logger *slog.Logger
}

func NewGate(config Config, logger *slog.Logger) *Gate {
	g := &Gate{
		config: config,
		logger: logger.With(slog.String("component", "resources")),
	}
	g.stat = g.readSystem
	return g
}

func NewGateWithStat(config Config, stat StatFunc, logger *slog.Logger) *Gate {
	return &Gate{
		config: config,
		stat:   stat,
		logger: logger.With(slog.String("component", "resources")),
	}
}

// Check returns a resource-limit error when a ceiling is breached. A failed
// reading is logged and treated as headroom; a sensor problem must not stall
// the pipeline.
func (g *Gate) Check() error {
	freeRAM, freeDisk, err := g.stat()
	if err != nil {
		g.logger.Warn("resource probe failed", slog.Any("error", err))
		return nil
	}

	if g.config.MinFreeRAMMB > 0 && freeRAM < g.config.MinFreeRAMMB {
		return types.ResourceLimit(fmt.Sprintf("free RAM %dMB below %dMB floor", freeRAM, g.config.MinFreeRAMMB))
	}
	if g.config.MinFreeDiskMB > 0 && freeDisk < g.config.MinFreeDiskMB {
		return types.ResourceLimit(fmt.Sprintf("free disk %dMB below %dMB floor", freeDisk, g.config.MinFreeDiskMB))
	}
	return nil
}

func (g *Gate) readSystem() (uint64, uint64, error) {
	freeRAM, err := availableRAMMB()
	if err != nil {
		return 0, 0, err
	}

	var fs syscall.Statfs_t
	dir := g.config.DataDir
	if dir == "" {
		dir = "."
	}
	if err := syscall.Statfs(dir, &fs); err != nil {
		return 0, 0, fmt.Errorf("statfs %s: %w", dir, err)
	}
	freeDisk := fs.Bavail * uint64(fs.Bsize) / (1 << 20)

	return freeRAM, freeDisk, nil
}

func availableRAMMB() (uint64, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.ParseUint(fields[1], 10, 64)
		if err != nil {
			return 0, err
		}
		return kb / 1024, nil
	}
	return 0, fmt.Errorf("MemAvailable not found in /proc/meminfo")
}
