package server

import (
	"expvar"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
)

// SystemCollector periodically publishes CPU, memory and per-directory disk
// usage of the bookie host via expvar.
type SystemCollector struct {
	cpuUsagePercent *expvar.Float
	memUsagePercent *expvar.Float
	diskUsage       *expvar.Map
	dirs            []string
	interval        time.Duration
	stopChan        chan struct{}
	stopOnce        sync.Once
	wg              sync.WaitGroup
	logger          *slog.Logger
}

// NewSystemCollector creates a collector for the disks holding dirs, keyed
// by directory in the system_disk_usage_percent map.
func NewSystemCollector(dirs []string, interval time.Duration, logger *slog.Logger) *SystemCollector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &SystemCollector{
		cpuUsagePercent: publishedFloat("system_cpu_usage_percent"),
		memUsagePercent: publishedFloat("system_mem_usage_percent"),
		diskUsage:       publishedMap("system_disk_usage_percent"),
		dirs:            dirs,
		interval:        interval,
		stopChan:        make(chan struct{}),
		logger:          logger.With("component", "SystemCollector"),
	}
}

// expvar panics on duplicate names; reuse what an earlier collector published.
func publishedFloat(name string) *expvar.Float {
	if v, ok := expvar.Get(name).(*expvar.Float); ok {
		return v
	}
	return expvar.NewFloat(name)
}

func publishedMap(name string) *expvar.Map {
	if v, ok := expvar.Get(name).(*expvar.Map); ok {
		return v
	}
	return expvar.NewMap(name)
}

// Start begins the background collection loop.
func (sc *SystemCollector) Start() {
	sc.logger.Info("Starting system metrics collector", "interval", sc.interval, "dirs", sc.dirs)
	sc.wg.Add(1)
	go sc.collectLoop()
}

// Stop signals the collection loop to terminate and waits for it to finish.
func (sc *SystemCollector) Stop() {
	sc.stopOnce.Do(func() {
		sc.logger.Info("Stopping system metrics collector")
		close(sc.stopChan)
	})
	sc.wg.Wait()
}

func (sc *SystemCollector) collectLoop() {
	defer sc.wg.Done()
	ticker := time.NewTicker(sc.interval)
	defer ticker.Stop()

	sc.collectDisks()
	for {
		select {
		case <-ticker.C:
			// A zero window measures since the previous call.
			if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
				sc.cpuUsagePercent.Set(pct[0])
			}
			if vm, err := mem.VirtualMemory(); err == nil {
				sc.memUsagePercent.Set(vm.UsedPercent)
			}
			sc.collectDisks()
		case <-sc.stopChan:
			return
		}
	}
}

func (sc *SystemCollector) collectDisks() {
	for _, dir := range sc.dirs {
		du, err := disk.Usage(dir)
		if err != nil {
			sc.logger.Debug("Failed to read disk usage", "dir", dir, "error", err)
			continue
		}
		v := new(expvar.Float)
		v.Set(du.UsedPercent)
		sc.diskUsage.Set(dir, v)
	}
}
