package monitor

import (
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hpcstack/nodemanager/pkg/metrics"
	"github.com/hpcstack/nodemanager/pkg/supervisor"
	"github.com/hpcstack/nodemanager/pkg/sysinfo"
	"github.com/hpcstack/nodemanager/pkg/tasktable"
)

// Monitor is the Monitor component (C9). It samples this node's identity
// and capacity for registration, and the task table's live process stats
// for periodic metric packets. A Monitor is safe for concurrent use.
type Monitor struct {
	nodeName    string
	networkName string

	table *tasktable.Table
	sup   *supervisor.Supervisor

	mu             sync.Mutex
	nodeUUID       uuid.UUID
	countersCfg    MetricCountersConfig
	lastSampleAt   time.Time
	lastCPUSeconds float64
}

// NewMonitor builds a Monitor for a node named nodeName on network
// networkName, sampling table/sup for live task resource usage.
// SetNodeUUID should be called once the metric callback URI reveals the
// node's UUID; until then packets are tagged with the zero UUID.
func NewMonitor(nodeName, networkName string, table *tasktable.Table, sup *supervisor.Supervisor) *Monitor {
	return &Monitor{
		nodeName:    nodeName,
		networkName: networkName,
		table:       table,
		sup:         sup,
		countersCfg: defaultCountersConfig(),
	}
}

func defaultCountersConfig() MetricCountersConfig {
	t := true
	return MetricCountersConfig{IncludeCPU: &t, IncludeMemory: &t, IncludeTaskIDs: &t}
}

// SetNodeUUID sets the node UUID stamped on future monitor packets. The
// metric callback URI carries this node's UUID as its fourth path
// segment (udp://host:port/api/<nodeUuid>/metricreported); the caller
// (the executor's startMetric) is responsible for parsing it out and handing it here.
func (m *Monitor) SetNodeUUID(id uuid.UUID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeUUID = id
}

// GetRegisterInfo returns this node's registration snapshot: its
// hostname (falling back to the configured node name if the OS call
// fails), network name, and current CPU/memory capacity.
func (m *Monitor) GetRegisterInfo() (RegistrationInfo, error) {
	metrics.RegisterReportsTotal.Inc()

	name := m.nodeName
	if hostname, err := os.Hostname(); err == nil && hostname != "" {
		name = hostname
	}

	capacity, err := sysinfo.Read()
	if err != nil {
		return RegistrationInfo{}, fmt.Errorf("read node capacity: %w", err)
	}

	return RegistrationInfo{
		NodeName:    name,
		NetworkName: m.networkName,
		CPUCount:    capacity.CPUCount,
		MemoryBytes: capacity.MemoryBytes,
	}, nil
}

// ApplyMetricConfig changes which counters are included in subsequent
// monitor packets. A nil field leaves that counter's current setting
// untouched; Reset restores every counter to enabled first.
func (m *Monitor) ApplyMetricConfig(cfg MetricCountersConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg.Reset {
		m.countersCfg = defaultCountersConfig()
	}
	if cfg.IncludeCPU != nil {
		m.countersCfg.IncludeCPU = cfg.IncludeCPU
	}
	if cfg.IncludeMemory != nil {
		m.countersCfg.IncludeMemory = cfg.IncludeMemory
	}
	if cfg.IncludeTaskIDs != nil {
		m.countersCfg.IncludeTaskIDs = cfg.IncludeTaskIDs
	}

	return nil
}

// GetMonitorPacketData builds the binary UDP packet sent to the metric
// sink: node UUID, sample timestamp, aggregate CPU percent and memory
// bytes in use, and (if enabled) one entry per currently supervised task.
func (m *Monitor) GetMonitorPacketData() ([]byte, error) {
	samples := m.sampleTasks()

	now := time.Now()
	var totalCPUSeconds float64
	var totalMemoryBytes uint64
	for _, s := range samples {
		totalCPUSeconds += s.CPUTimeSeconds
		totalMemoryBytes += s.MemoryBytes
	}

	m.mu.Lock()
	cfg := m.countersCfg
	nodeUUID := m.nodeUUID
	cpuPercent := m.computeCPUPercentLocked(now, totalCPUSeconds)
	m.mu.Unlock()

	metrics.TasksRunning.Set(float64(len(samples)))

	return encodePacket(nodeUUID, now, cpuPercent, totalMemoryBytes, samples, cfg), nil
}

// computeCPUPercentLocked derives a CPU utilization percentage from the
// change in aggregate task CPU-seconds since the previous sample, against
// the node's CPU count so it reads like a conventional per-core
// percentage. Caller must hold m.mu.
func (m *Monitor) computeCPUPercentLocked(now time.Time, totalCPUSeconds float64) float64 {
	defer func() {
		m.lastSampleAt = now
		m.lastCPUSeconds = totalCPUSeconds
	}()

	if m.lastSampleAt.IsZero() {
		return 0
	}

	elapsed := now.Sub(m.lastSampleAt).Seconds()
	if elapsed <= 0 {
		return 0
	}

	delta := totalCPUSeconds - m.lastCPUSeconds
	if delta < 0 {
		delta = 0
	}

	capacity, err := sysinfo.Read()
	cpuCount := 1
	if err == nil && capacity.CPUCount > 0 {
		cpuCount = capacity.CPUCount
	}

	percent := (delta / elapsed / float64(cpuCount)) * 100
	if percent < 0 {
		return 0
	}
	if percent > 100 {
		return 100
	}
	return percent
}

// sampleTasks polls the supervisor for every task currently registered
// in the task table and returns their live cgroup stats.
func (m *Monitor) sampleTasks() []taskSample {
	m.table.Mu.RLock()
	tasks := m.table.AllTasks()
	m.table.Mu.RUnlock()

	samples := make([]taskSample, 0, len(tasks))
	for _, task := range tasks {
		// MPI sub-tasks run under a Docker sidecar, not a supervised
		// cgroup, and report zero-value stats here.
		stats := m.sup.Stats(task.ProcessKey)
		samples = append(samples, taskSample{
			JobID:          task.JobID,
			TaskID:         task.TaskID,
			CPUTimeSeconds: stats.CPUTimeSeconds,
			MemoryBytes:    stats.MemoryBytes,
		})
	}
	return samples
}
