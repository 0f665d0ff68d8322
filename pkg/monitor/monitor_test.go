package monitor

import (
	"encoding/binary"
	"testing"

	"github.com/google/uuid"

	"github.com/hpcstack/nodemanager/pkg/supervisor"
	"github.com/hpcstack/nodemanager/pkg/tasktable"
)

func newTestMonitor(t *testing.T) *Monitor {
	t.Helper()
	return NewMonitor("test-node", "eth0", tasktable.NewTable(), supervisor.NewSupervisor())
}

func TestMonitor_GetRegisterInfoPopulatesCapacity(t *testing.T) {
	m := newTestMonitor(t)

	info, err := m.GetRegisterInfo()
	if err != nil {
		t.Fatalf("GetRegisterInfo() error = %v", err)
	}

	if info.NodeName == "" {
		t.Error("NodeName is empty")
	}
	if info.CPUCount <= 0 {
		t.Errorf("CPUCount = %d, want > 0", info.CPUCount)
	}
	if info.MemoryBytes == 0 {
		t.Error("MemoryBytes = 0, want > 0")
	}
}

func TestMonitor_GetMonitorPacketDataEncodesNodeUUID(t *testing.T) {
	m := newTestMonitor(t)

	id := uuid.New()
	m.SetNodeUUID(id)

	packet, err := m.GetMonitorPacketData()
	if err != nil {
		t.Fatalf("GetMonitorPacketData() error = %v", err)
	}

	if len(packet) < 1+16 {
		t.Fatalf("packet too short: %d bytes", len(packet))
	}

	var gotUUID uuid.UUID
	copy(gotUUID[:], packet[1:17])
	if gotUUID != id {
		t.Errorf("packet node UUID = %v, want %v", gotUUID, id)
	}
}

func TestMonitor_GetMonitorPacketDataOmitsDisabledCounters(t *testing.T) {
	m := newTestMonitor(t)

	no := false
	if err := m.ApplyMetricConfig(MetricCountersConfig{IncludeTaskIDs: &no}); err != nil {
		t.Fatalf("ApplyMetricConfig() error = %v", err)
	}

	full, err := m.GetMonitorPacketData()
	if err != nil {
		t.Fatalf("GetMonitorPacketData() error = %v", err)
	}

	// taskCount lives right after version(1) + uuid(16) + timestamp(8) +
	// cpuPercent(8) + memoryBytes(8).
	taskCountOffset := 1 + 16 + 8 + 8 + 8
	taskCount := binary.BigEndian.Uint32(full[taskCountOffset : taskCountOffset+4])
	if taskCount != 0 {
		t.Errorf("taskCount = %d, want 0 with no supervised tasks", taskCount)
	}

	// With one task registered and task IDs disabled, its entry carries
	// only cpuTimeSeconds(8) + memoryBytes(8).
	m.table.AddJobAndTask(1, 1)
	withTask, err := m.GetMonitorPacketData()
	if err != nil {
		t.Fatalf("GetMonitorPacketData() error = %v", err)
	}
	if want := taskCountOffset + 4 + 8 + 8; len(withTask) != want {
		t.Errorf("packet length = %d, want %d with task IDs omitted", len(withTask), want)
	}
}

func TestMonitor_ApplyMetricConfigResetRestoresDefaults(t *testing.T) {
	m := newTestMonitor(t)

	no := false
	if err := m.ApplyMetricConfig(MetricCountersConfig{IncludeCPU: &no, IncludeMemory: &no}); err != nil {
		t.Fatalf("ApplyMetricConfig() error = %v", err)
	}
	if err := m.ApplyMetricConfig(MetricCountersConfig{Reset: true}); err != nil {
		t.Fatalf("ApplyMetricConfig() error = %v", err)
	}

	m.mu.Lock()
	cfg := m.countersCfg
	m.mu.Unlock()

	if cfg.IncludeCPU == nil || !*cfg.IncludeCPU {
		t.Error("IncludeCPU not restored to true after Reset")
	}
	if cfg.IncludeMemory == nil || !*cfg.IncludeMemory {
		t.Error("IncludeMemory not restored to true after Reset")
	}
}
