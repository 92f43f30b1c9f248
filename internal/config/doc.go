// Package config handles configuration loading for a2a-relay.
//
// # Overview
//
// Configuration is loaded from a YAML file. ${VAR_NAME} references are
// expanded from the environment before parsing, defaults are applied, and
// the result is validated.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from A2A_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/a2a-relay/relay.yaml
//  3. ~/.config/a2a-relay/relay.yaml
//
// # Durations and Sizes
//
// Durations use time.ParseDuration syntax ("30s", "5m"). "0" disables the
// feature where that makes sense (session_idle_timeout, dedupe_ttl).
// Byte sizes use human-readable decimal units ("1KB", "8MB").
//
// # Configuration Sections
//
//	server:
//	  http_addr: "0.0.0.0:8080"      # WebSocket endpoint and HTTP API
//	  grpc_addr: "0.0.0.0:50051"     # optional grpc.health.v1
//	  allowed_origins: ["*"]
//
//	database:
//	  path: "/var/lib/a2a-relay/relay.db"   # or ":memory:"; A2A_DB_PATH overrides
//
//	redis:
//	  url: "redis://localhost:6379/0"       # empty disables the presence mirror
//	  key_prefix: "a2a:"
//	  ttl: "10m"
//
//	relay:
//	  ai_agent_id: "ai_agent"
//	  duplicate_policy: "supersede"         # supersede, reject
//	  outbound_queue_depth: 64
//	  overflow_policy: "reject_new"         # reject_new, drop_oldest
//	  session_idle_timeout: "5m"
//	  end_ai_session_after_turn: false
//	  min_audio_size: "1KB"
//	  max_message_size: "8MB"
//
//	responder:
//	  provider: "openai"                    # openai, disabled
//	  api_key: "${OPENAI_API_KEY}"
//	  voice: "alloy"
//
//	tailscale:
//	  enabled: false
//	  hostname: "a2a-relay"
//	  auth_key: "${TS_AUTHKEY}"
//
//	logging:
//	  level: "info"   # debug, info, warn, error
//	  format: "text"  # text, json
//
//	metrics:
//	  enabled: true
//	  path: "/metrics"
package config
