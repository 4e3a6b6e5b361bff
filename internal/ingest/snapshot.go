// ABOUTME: Metrics snapshot types decoded from agent metrics frames
// ABOUTME: Snapshot implements alerts.Reading for threshold evaluation

package ingest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/2389/opsbridge/internal/store"
)

// CPUStats is the cpu section of a snapshot.
type CPUStats struct {
	UsagePercent *float64 `json:"usage_percent,omitempty"`
	Cores        int      `json:"cores,omitempty"`
	FrequencyMHz float64  `json:"frequency_mhz,omitempty"`
}

// UsageStats is shared by the memory and disk sections.
type UsageStats struct {
	TotalGB      float64  `json:"total_gb,omitempty"`
	UsedGB       float64  `json:"used_gb,omitempty"`
	AvailableGB  float64  `json:"available_gb,omitempty"`
	UsagePercent *float64 `json:"usage_percent,omitempty"`
}

// NetworkStats carries cumulative interface counters.
type NetworkStats struct {
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
}

// Port is a container port mapping.
type Port struct {
	PrivatePort int    `json:"private_port"`
	PublicPort  *int   `json:"public_port,omitempty"`
	Type        string `json:"type"`
}

// Container is a container reported by the agent.
type Container struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Image   string `json:"image"`
	Status  string `json:"status"`
	State   string `json:"state"`
	Created string `json:"created"`
	Ports   []Port `json:"ports"`
}

// Process is a process reported by the agent.
type Process struct {
	PID    int     `json:"pid"`
	Name   string  `json:"name"`
	CPU    float64 `json:"cpu"`
	Memory float64 `json:"memory"`
	Status string  `json:"status"`
	User   string  `json:"user"`
}

// Snapshot is the latest telemetry for a server.
type Snapshot struct {
	ServerID   string       `json:"server_id"`
	Timestamp  time.Time    `json:"timestamp"`
	CPU        CPUStats     `json:"cpu"`
	Memory     UsageStats   `json:"memory"`
	Disk       UsageStats   `json:"disk"`
	Network    NetworkStats `json:"network"`
	Containers []Container  `json:"containers"`
	Processes  []Process    `json:"processes"`
}

// wireSnapshot keeps the timestamp raw so a bad value does not fail decoding.
type wireSnapshot struct {
	Timestamp  json.RawMessage `json:"timestamp"`
	CPU        CPUStats        `json:"cpu"`
	Memory     UsageStats      `json:"memory"`
	Disk       UsageStats      `json:"disk"`
	Network    NetworkStats    `json:"network"`
	Containers []Container     `json:"containers"`
	Processes  []Process       `json:"processes"`
}

// DecodeSnapshot decodes a metrics frame payload for serverID. A missing or
// null payload decodes to an empty snapshot. A missing or unparseable
// timestamp is replaced by now. Anything that is not a JSON object of the
// expected shape is an error.
func DecodeSnapshot(serverID string, raw json.RawMessage, now time.Time) (*Snapshot, error) {
	trimmed := bytes.TrimSpace(raw)
	var w wireSnapshot
	if len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null")) {
		if trimmed[0] != '{' {
			return nil, fmt.Errorf("metrics data must be an object")
		}
		if err := json.Unmarshal(trimmed, &w); err != nil {
			return nil, fmt.Errorf("decoding metrics data: %w", err)
		}
	}

	snap := &Snapshot{
		ServerID:   serverID,
		Timestamp:  parseTimestamp(w.Timestamp, now),
		CPU:        w.CPU,
		Memory:     w.Memory,
		Disk:       w.Disk,
		Network:    w.Network,
		Containers: w.Containers,
		Processes:  w.Processes,
	}
	if snap.Containers == nil {
		snap.Containers = []Container{}
	}
	if snap.Processes == nil {
		snap.Processes = []Process{}
	}
	return snap, nil
}

func parseTimestamp(raw json.RawMessage, now time.Time) time.Time {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil || s == "" {
		return now.UTC()
	}
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05.999999999"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return now.UTC()
}

// MetricValue returns the usage percentage for cpu, memory and disk. Network
// has no percentage and is never reported.
func (s *Snapshot) MetricValue(metricType string) (float64, bool) {
	var p *float64
	switch metricType {
	case store.MetricCPU:
		p = s.CPU.UsagePercent
	case store.MetricMemory:
		p = s.Memory.UsagePercent
	case store.MetricDisk:
		p = s.Disk.UsagePercent
	}
	if p == nil {
		return 0, false
	}
	return *p, true
}

// Record converts the snapshot into a persisted metric record.
func (s *Snapshot) Record() (*store.MetricRecord, error) {
	payload, err := json.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("encoding snapshot: %w", err)
	}
	rec := &store.MetricRecord{
		ServerID:  s.ServerID,
		Timestamp: s.Timestamp,
		BytesSent: s.Network.BytesSent,
		BytesRecv: s.Network.BytesRecv,
		Payload:   payload,
	}
	rec.CPUPercent, _ = s.MetricValue(store.MetricCPU)
	rec.MemoryPercent, _ = s.MetricValue(store.MetricMemory)
	rec.DiskPercent, _ = s.MetricValue(store.MetricDisk)
	return rec, nil
}
