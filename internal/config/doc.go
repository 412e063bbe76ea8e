// Package config handles configuration loading for the pi-agent and pi-panel
// daemons.
//
// # Overview
//
// Configuration is loaded from YAML files with environment variable expansion.
// The package provides validation and sensible defaults.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	auth:
//	  jwt_secret: "${PI_PANEL_JWT_SECRET}"
//
// Syntax: ${VAR_NAME}
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	jobs:
//	  default_timeout: "10m"
//
// Supported units: ns, us, ms, s, m, h
//
// # Agent Configuration
//
//	socket:
//	  path: "/run/pi-agent.sock"
//	  mode: "0660"
//	jobs:
//	  max_concurrent: 2
//	  default_timeout: "10m"
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
// # Panel Configuration
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	database:
//	  path: "/var/lib/pi-panel/panel.db"
//	agent:
//	  socket_path: "/run/pi-agent.sock"
//	  call_timeout: "10s"
//	auth:
//	  jwt_secret: "${PI_PANEL_JWT_SECRET}"
//	  token_ttl: "24h"
//	reconcile:
//	  interval: "2s"
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Usage
//
//	cfg, err := config.LoadAgent("/etc/pi-agent/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
package config
