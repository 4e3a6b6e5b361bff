// Package config handles configuration loading for opsbridge.
//
// # Overview
//
// Configuration is loaded from a YAML or TOML file (chosen by the .toml
// extension) with environment variable expansion, defaults and validation.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from OPSBRIDGE_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/opsbridge/config.yaml
//  3. ~/.config/opsbridge/config.yaml
//
// # Environment Variable Expansion
//
//	auth:
//	  jwt_secret: "${OPSBRIDGE_JWT_SECRET}"
//
// Unset variables expand to the empty string.
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8000"     # REST, agent and dashboard sockets
//	  grpc_addr: "127.0.0.1:50051"  # optional gRPC health service
//
//	database:
//	  path: "/var/lib/opsbridge/opsbridge.db"
//
//	agents:
//	  command_timeout: "10s"
//	  auth_timeout: "10s"
//	  write_timeout: "10s"
//	  ping_interval: "54s"
//	  send_buffer: 256
//
//	dashboard:
//	  send_buffer: 256
//	  allowed_origins: ["https://ops.example.com"]
//
//	ratelimit:
//	  requests_per_second: 10
//	  burst: 20
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Validation
//
// Load rejects a missing database path, a JWT secret shorter than 32
// characters, malformed or negative durations and unknown logging values.
package config
