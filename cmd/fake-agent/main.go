// ABOUTME: Fake agent for E2E testing that streams real host metrics over the agent socket
// ABOUTME: Usage: fake-agent -key KEY [-url ws://localhost:8000/api/v1/agents/ws] [-interval 5s]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"
	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/2389/opsbridge/internal/agent"
	"github.com/2389/opsbridge/internal/ingest"
)

const gib = 1 << 30

func main() {
	url := flag.String("url", "ws://localhost:8000/api/v1/agents/ws", "gateway agent socket URL")
	key := flag.String("key", os.Getenv("OPSBRIDGE_AGENT_KEY"), "agent API key")
	interval := flag.Duration("interval", 5*time.Second, "metrics reporting interval")
	flag.Parse()

	if *key == "" {
		log.Fatal("an API key is required (-key or OPSBRIDGE_AGENT_KEY)")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, *url, *key, *interval); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, url, key string, interval time.Duration) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	if err := conn.WriteJSON(map[string]string{"type": agent.FrameAuth, "api_key": key}); err != nil {
		return fmt.Errorf("failed to authenticate: %w", err)
	}
	var welcome agent.Frame
	if err := conn.ReadJSON(&welcome); err != nil {
		return fmt.Errorf("failed to receive auth_success: %w", err)
	}
	if welcome.Type != agent.FrameAuthSuccess {
		return fmt.Errorf("expected auth_success, got: %s", welcome.Type)
	}
	fmt.Fprintf(os.Stderr, "connected as server %s\n", welcome.ServerID)

	// The read loop hands frames to the main loop, which is the only writer.
	frames := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	if err := sendMetrics(ctx, conn); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			return nil
		case err := <-readErr:
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("recv error: %w", err)
		case <-ticker.C:
			if err := sendMetrics(ctx, conn); err != nil {
				return err
			}
		case data := <-frames:
			reply := respond(data)
			if reply == nil {
				continue
			}
			if err := conn.WriteJSON(reply); err != nil {
				return fmt.Errorf("send error: %w", err)
			}
		}
	}
}

// respond builds the answer to a gateway frame, or nil when none is due.
func respond(data []byte) map[string]any {
	f, err := agent.ParseFrame(data)
	if err != nil {
		log.Printf("dropping malformed frame: %v", err)
		return nil
	}
	var cmd struct {
		Command     string `json:"command"`
		ContainerID string `json:"container_id"`
		Tail        int    `json:"tail"`
	}
	_ = json.Unmarshal(data, &cmd)

	reply := map[string]any{"request_id": f.RequestID}
	switch f.Type {
	case agent.CommandExecute:
		log.Printf("execute [%s]: %s", f.RequestID, cmd.Command)
		reply["type"] = agent.FrameCommandResult
		reply["data"] = agent.CommandResult{Output: "fake-agent: " + cmd.Command + "\n", ExitCode: 0}
	case agent.CommandStartContainer:
		reply["type"] = agent.FrameContainerStarted
	case agent.CommandStopContainer:
		reply["type"] = agent.FrameContainerStopped
	case agent.CommandRestartContainer:
		reply["type"] = agent.FrameContainerRestarted
	case agent.CommandContainerLogs:
		lines := make([]string, 0, min(cmd.Tail, 3))
		for i := range min(cmd.Tail, 3) {
			lines = append(lines, fmt.Sprintf("%s line %d", cmd.ContainerID, i+1))
		}
		reply["type"] = agent.FrameContainerLogs
		reply["data"] = map[string]any{"logs": lines}
	case agent.FrameMetricsReceived, agent.FramePong:
		return nil
	default:
		if f.RequestID == "" {
			return nil
		}
		reply["type"] = agent.FrameError
		reply["message"] = "unsupported command: " + f.Type
	}
	return reply
}

func sendMetrics(ctx context.Context, conn *websocket.Conn) error {
	snap := collect(ctx)
	if err := conn.WriteJSON(map[string]any{"type": agent.FrameMetrics, "data": snap}); err != nil {
		return fmt.Errorf("sending metrics: %w", err)
	}
	return nil
}

// collect samples the host. Sections gopsutil cannot read are left empty.
func collect(ctx context.Context) ingest.Snapshot {
	snap := ingest.Snapshot{Timestamp: time.Now().UTC(), Containers: []ingest.Container{}}

	if pct, err := cpu.PercentWithContext(ctx, 0, false); err == nil && len(pct) > 0 {
		snap.CPU.UsagePercent = &pct[0]
	}
	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		snap.CPU.Cores = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		used := vm.UsedPercent
		snap.Memory = ingest.UsageStats{
			TotalGB:      float64(vm.Total) / gib,
			UsedGB:       float64(vm.Used) / gib,
			AvailableGB:  float64(vm.Available) / gib,
			UsagePercent: &used,
		}
	}
	if du, err := disk.UsageWithContext(ctx, "/"); err == nil {
		used := du.UsedPercent
		snap.Disk = ingest.UsageStats{
			TotalGB:      float64(du.Total) / gib,
			UsedGB:       float64(du.Used) / gib,
			AvailableGB:  float64(du.Free) / gib,
			UsagePercent: &used,
		}
	}
	if counters, err := psnet.IOCountersWithContext(ctx, false); err == nil && len(counters) > 0 {
		total := counters[0]
		snap.Network = ingest.NetworkStats{
			BytesSent:   total.BytesSent,
			BytesRecv:   total.BytesRecv,
			PacketsSent: total.PacketsSent,
			PacketsRecv: total.PacketsRecv,
		}
	}
	return snap
}
