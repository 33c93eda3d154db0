package infrastructure

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/process"
	"go.opentelemetry.io/otel/metric"
)

// SystemMetrics records process resource gauges for the service
type SystemMetrics struct {
	goroutines  metric.Int64Gauge
	heapAlloc   metric.Int64Gauge
	residentMem metric.Int64Gauge
	cpuPercent  metric.Float64Gauge
	uptime      metric.Float64Gauge

	proc *process.Process
}

// SystemStats is one sample of process statistics. Fields read through
// gopsutil are zero when the platform does not report them.
type SystemStats struct {
	Goroutines    int64
	HeapAlloc     int64
	ResidentBytes int64
	CPUPercent    float64
	Uptime        time.Duration
	Timestamp     time.Time
}

// NewSystemMetrics creates the gauges on meter
func NewSystemMetrics(meter metric.Meter) (*SystemMetrics, error) {
	goroutines, err := meter.Int64Gauge(
		"system_goroutines",
		metric.WithDescription("Number of active goroutines"),
	)
	if err != nil {
		return nil, err
	}

	heapAlloc, err := meter.Int64Gauge(
		"system_heap_alloc_bytes",
		metric.WithDescription("Bytes of allocated heap objects"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	residentMem, err := meter.Int64Gauge(
		"system_process_resident_bytes",
		metric.WithDescription("Resident set size of the process"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	cpuPercent, err := meter.Float64Gauge(
		"system_process_cpu_percent",
		metric.WithDescription("Process CPU usage percentage"),
		metric.WithUnit("%"),
	)
	if err != nil {
		return nil, err
	}

	uptime, err := meter.Float64Gauge(
		"system_process_uptime_seconds",
		metric.WithDescription("Process uptime in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	// a missing process handle only disables the gopsutil gauges
	proc, _ := process.NewProcess(int32(os.Getpid()))

	return &SystemMetrics{
		goroutines:  goroutines,
		heapAlloc:   heapAlloc,
		residentMem: residentMem,
		cpuPercent:  cpuPercent,
		uptime:      uptime,
		proc:        proc,
	}, nil
}

// Collect samples the process and records the gauges
func (sm *SystemMetrics) Collect(ctx context.Context, startTime time.Time) *SystemStats {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	stats := &SystemStats{
		Goroutines: int64(runtime.NumGoroutine()),
		HeapAlloc:  int64(mem.HeapAlloc),
		Uptime:     time.Since(startTime),
		Timestamp:  time.Now(),
	}

	if sm.proc != nil {
		if info, err := sm.proc.MemoryInfoWithContext(ctx); err == nil {
			stats.ResidentBytes = int64(info.RSS)
		}
		if pct, err := sm.proc.CPUPercentWithContext(ctx); err == nil {
			stats.CPUPercent = pct
		}
	}

	sm.goroutines.Record(ctx, stats.Goroutines)
	sm.heapAlloc.Record(ctx, stats.HeapAlloc)
	sm.residentMem.Record(ctx, stats.ResidentBytes)
	sm.cpuPercent.Record(ctx, stats.CPUPercent)
	sm.uptime.Record(ctx, stats.Uptime.Seconds())

	return stats
}

// SystemMetricsCollector samples SystemMetrics on an interval
type SystemMetricsCollector struct {
	metrics   *SystemMetrics
	startTime time.Time
	interval  time.Duration
}

// NewSystemMetricsCollector creates a collector sampling every interval
func NewSystemMetricsCollector(meter metric.Meter, interval time.Duration) (*SystemMetricsCollector, error) {
	metrics, err := NewSystemMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create system metrics: %w", err)
	}

	return &SystemMetricsCollector{
		metrics:   metrics,
		startTime: time.Now(),
		interval:  interval,
	}, nil
}

// Run samples until ctx is done
func (smc *SystemMetricsCollector) Run(ctx context.Context) {
	ticker := time.NewTicker(smc.interval)
	defer ticker.Stop()

	smc.metrics.Collect(ctx, smc.startTime)

	for {
		select {
		case <-ticker.C:
			smc.metrics.Collect(ctx, smc.startTime)
		case <-ctx.Done():
			return
		}
	}
}

// CurrentStats takes a sample now
func (smc *SystemMetricsCollector) CurrentStats(ctx context.Context) *SystemStats {
	return smc.metrics.Collect(ctx, smc.startTime)
}
