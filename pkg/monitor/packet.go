package monitor

import (
	"bytes"
	"encoding/binary"
	"time"

	"github.com/google/uuid"
)

// packetVersion identifies the wire layout below, so a future change to
// the packet shape can be told apart from this one on the receiving end.
const packetVersion uint8 = 1

// encodePacket lays out the monitor packet as:
//
//	version          uint8
//	nodeUuid         [16]byte
//	timestampUnixNs  int64
//	cpuPercent       float64
//	memoryBytesUsed  uint64
//	taskCount        uint32
//	taskCount * {
//	    jobId            int32   (only if IncludeTaskIDs)
//	    taskId           int32   (only if IncludeTaskIDs)
//	    cpuTimeSeconds   float64 (only if IncludeCPU)
//	    memoryBytes      uint64  (only if IncludeMemory)
//	}
func encodePacket(nodeUUID uuid.UUID, sampledAt time.Time, cpuPercent float64, memoryBytes uint64, samples []taskSample, cfg MetricCountersConfig) []byte {
	buf := new(bytes.Buffer)

	_ = binary.Write(buf, binary.BigEndian, packetVersion)
	buf.Write(nodeUUID[:])
	_ = binary.Write(buf, binary.BigEndian, sampledAt.UnixNano())
	_ = binary.Write(buf, binary.BigEndian, cpuPercent)
	_ = binary.Write(buf, binary.BigEndian, memoryBytes)
	_ = binary.Write(buf, binary.BigEndian, uint32(len(samples)))

	includeTaskIDs := cfg.IncludeTaskIDs == nil || *cfg.IncludeTaskIDs
	includeCPU := cfg.IncludeCPU == nil || *cfg.IncludeCPU
	includeMemory := cfg.IncludeMemory == nil || *cfg.IncludeMemory

	for _, s := range samples {
		if includeTaskIDs {
			_ = binary.Write(buf, binary.BigEndian, int32(s.JobID))
			_ = binary.Write(buf, binary.BigEndian, int32(s.TaskID))
		}
		if includeCPU {
			_ = binary.Write(buf, binary.BigEndian, s.CPUTimeSeconds)
		}
		if includeMemory {
			_ = binary.Write(buf, binary.BigEndian, s.MemoryBytes)
		}
	}

	return buf.Bytes()
}
