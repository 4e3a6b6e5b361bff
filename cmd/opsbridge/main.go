// ABOUTME: Entry point for the opsbridge gateway
// ABOUTME: Serves agents and dashboards and offers health, agent listing and key tooling

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/2389/opsbridge/internal/auth"
	"github.com/2389/opsbridge/internal/config"
	"github.com/2389/opsbridge/internal/gateway"
	"github.com/2389/opsbridge/internal/store"
)

// Version is set at build time.
var version = "dev"

const banner = `
                  _          _     _
  ___  _ __  ___ | |__  _ __(_) __| | __ _  ___
 / _ \| '_ \/ __|| '_ \| '__| |/ _' |/ _' |/ _ \
| (_) | |_) \__ \| |_) | |  | | (_| | (_| |  __/
 \___/| .__/|___/|_.__/|_|  |_|\__,_|\__, |\___|
      |_|                            |___/
`

// probeTimeout bounds the health and agents subcommands.
const probeTimeout = 5 * time.Second

// getConfigPath returns the path to the gateway config file.
// Priority: OPSBRIDGE_CONFIG env var > XDG_CONFIG_HOME/opsbridge/config.yaml > ~/.config/opsbridge/config.yaml
func getConfigPath() string {
	if envPath := os.Getenv("OPSBRIDGE_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "config.yaml"
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "opsbridge", "config.yaml")
}

func usage() {
	fmt.Println("Usage: opsbridge <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                             Start the gateway server")
	fmt.Println("  health                            Check gateway readiness")
	fmt.Println("  agents                            List managed servers and their status")
	fmt.Println("  add-server --name NAME --owner ID Register a managed server")
	fmt.Println("  hash-key [KEY] [--server ID]      Generate or hash an agent API key")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "health":
		err = runHealth(ctx)
	case "agents":
		err = runAgents(ctx)
	case "add-server":
		err = runAddServer(ctx, os.Args[2:])
	case "hash-key":
		err = runHashKey(ctx, os.Args[2:])
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)
	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging, os.Stdout)

	green := color.New(color.FgGreen)
	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	fmt.Println()

	logger.Info("starting opsbridge",
		"version", version,
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runHealth checks HTTP readiness and, when configured, the gRPC health service.
func runHealth(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	url := fmt.Sprintf("http://%s/health/ready", dialAddr(cfg.Server.HTTPAddr))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unhealthy: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var report gateway.ReadyReport
	if err := json.Unmarshal(body, &report); err != nil {
		return fmt.Errorf("decoding readiness report: %w", err)
	}

	if cfg.Server.GRPCAddr != "" {
		if err := checkGRPCHealth(ctx, dialAddr(cfg.Server.GRPCAddr)); err != nil {
			return err
		}
	}

	color.New(color.FgGreen).Print("healthy")
	fmt.Printf(" agents=%d pending=%d uptime=%s\n",
		report.Agents, report.PendingCommands,
		(time.Duration(report.UptimeSeconds) * time.Second).String())
	return nil
}

func checkGRPCHealth(ctx context.Context, addr string) error {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return fmt.Errorf("connecting to gRPC health: %w", err)
	}
	defer conn.Close()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{
		Service: gateway.HealthServiceName,
	})
	if err != nil {
		return fmt.Errorf("gRPC health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("gRPC unhealthy: %s", resp.GetStatus())
	}
	return nil
}

// runAgents prints every managed server with its connection status from the store.
func runAgents(ctx context.Context) error {
	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	servers, err := s.ListServers(ctx)
	if err != nil {
		return fmt.Errorf("listing servers: %w", err)
	}
	if len(servers) == 0 {
		fmt.Println("no servers registered")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tNAME\tSTATUS\tLAST SEEN")
	for _, srv := range servers {
		lastSeen := "never"
		if srv.LastSeen != nil {
			lastSeen = srv.LastSeen.Local().Format(time.DateTime)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", srv.ID, srv.Name, statusColor(srv.Status), lastSeen)
	}
	return w.Flush()
}

func statusColor(status string) string {
	switch status {
	case store.ServerStatusOnline:
		return color.GreenString(status)
	case store.ServerStatusOffline:
		return color.HiBlackString(status)
	default:
		return color.YellowString(status)
	}
}

// runHashKey prints the prefix and hash of an agent API key, generating one
// when none is given. With --server the key is also stored for that server.
func runHashKey(ctx context.Context, args []string) error {
	var plain, serverID, name string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		switch {
		case arg == "--server" || arg == "-s":
			if i+1 >= len(args) {
				return fmt.Errorf("--server requires a value")
			}
			serverID = args[i+1]
			i++
		case strings.HasPrefix(arg, "--server="):
			serverID = strings.TrimPrefix(arg, "--server=")
		case arg == "--name":
			if i+1 >= len(args) {
				return fmt.Errorf("--name requires a value")
			}
			name = args[i+1]
			i++
		case strings.HasPrefix(arg, "--name="):
			name = strings.TrimPrefix(arg, "--name=")
		case strings.HasPrefix(arg, "-"):
			return fmt.Errorf("unknown flag: %s", arg)
		case plain == "":
			plain = arg
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
	}

	generated := plain == ""
	var prefix, hash string
	var err error
	if generated {
		plain, prefix, hash, err = auth.GenerateAPIKey()
	} else {
		prefix, hash, err = auth.HashAPIKey(plain)
	}
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	if generated {
		cyan.Print("Key:    ")
		fmt.Println(plain)
	}
	cyan.Print("Prefix: ")
	fmt.Println(prefix)
	cyan.Print("Hash:   ")
	fmt.Println(hash)

	if serverID == "" {
		return nil
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	if _, err := s.GetServer(ctx, serverID); err != nil {
		return fmt.Errorf("looking up server %s: %w", serverID, err)
	}
	key := &store.APIKey{ServerID: serverID, Name: name, Prefix: prefix, KeyHash: hash, IsActive: true}
	if err := s.CreateAPIKey(ctx, key); err != nil {
		return fmt.Errorf("storing key: %w", err)
	}
	color.New(color.FgGreen).Printf("  ✓ Stored key %s for server %s\n", key.ID, serverID)
	return nil
}

// runAddServer registers a server owned by the given principal.
func runAddServer(ctx context.Context, args []string) error {
	var name, owner, host string
	for i := 0; i < len(args); i++ {
		arg := args[i]
		var target *string
		switch {
		case arg == "--name" || arg == "-n":
			target = &name
		case arg == "--owner" || arg == "-o":
			target = &owner
		case arg == "--host":
			target = &host
		case strings.HasPrefix(arg, "--name="):
			name = strings.TrimPrefix(arg, "--name=")
			continue
		case strings.HasPrefix(arg, "--owner="):
			owner = strings.TrimPrefix(arg, "--owner=")
			continue
		case strings.HasPrefix(arg, "--host="):
			host = strings.TrimPrefix(arg, "--host=")
			continue
		default:
			return fmt.Errorf("unexpected argument: %s", arg)
		}
		if i+1 >= len(args) {
			return fmt.Errorf("%s requires a value", arg)
		}
		*target = args[i+1]
		i++
	}

	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("--name flag is required")
	}
	if owner == "" {
		return fmt.Errorf("--owner flag is required")
	}

	cfg, err := config.Load(getConfigPath())
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer s.Close()

	srv := &store.Server{Name: name, Host: host, OwnerID: owner}
	if err := s.CreateServer(ctx, srv); err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	color.New(color.FgGreen).Printf("  ✓ Created server %s\n", name)
	fmt.Printf("  ID:    %s\n", srv.ID)
	fmt.Printf("  Owner: %s\n", owner)
	fmt.Println()
	color.New(color.FgYellow).Println("  Next:")
	fmt.Printf("    opsbridge hash-key --server %s   # issue the agent's API key\n", srv.ID)
	return nil
}

// dialAddr turns a listen address into one a local client can dial.
func dialAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
