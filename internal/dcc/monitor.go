// Package dcc's resource guard: before accepting any incoming transfer,
// consult free disk space on the download volume. Grounded on
// internal/agent/monitor.go's SystemMonitor (periodic gopsutil collection
// published through an RWMutex-guarded snapshot), narrowed here to the one
// metric the DCC accept path needs and supplemented with the disk-space
// gate from original_source/pyrc_core/dcc/dcc_manager.py (spec §4.10).
package dcc

import (
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/disk"
)

// SystemMonitor periodically samples free disk space for the configured
// download directory's volume.
type SystemMonitor struct {
	logger *slog.Logger
	path   string

	mu        sync.RWMutex
	freeBytes uint64
	sampled   bool

	closeCh chan struct{}
	wg      sync.WaitGroup
}

// NewSystemMonitor builds a monitor that samples the volume containing
// path every interval (defaulting to 15s, matching the teacher's cadence).
func NewSystemMonitor(path string, interval time.Duration, logger *slog.Logger) *SystemMonitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	m := &SystemMonitor{logger: logger.With("component", "dcc_system_monitor"), path: path, closeCh: make(chan struct{})}
	m.collect()
	m.wg.Add(1)
	go m.run(interval)
	return m
}

func (m *SystemMonitor) run(interval time.Duration) {
	defer m.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.closeCh:
			return
		case <-ticker.C:
			m.collect()
		}
	}
}

func (m *SystemMonitor) collect() {
	u, err := disk.Usage(m.path)
	if err != nil {
		m.logger.Debug("failed to collect disk usage", "path", m.path, "error", err)
		return
	}
	m.mu.Lock()
	m.freeBytes = u.Free
	m.sampled = true
	m.mu.Unlock()
}

// FreeBytes returns the most recently sampled free-space figure. The
// second return value is false if no successful sample has ever been
// taken, in which case callers should not gate on it.
func (m *SystemMonitor) FreeBytes() (uint64, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.freeBytes, m.sampled
}

// Stop halts periodic sampling.
func (m *SystemMonitor) Stop() {
	close(m.closeCh)
	m.wg.Wait()
}
