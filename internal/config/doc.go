// Package config loads the miner-gateway YAML configuration.
//
// # Configuration File
//
// The file is found via MINER_GATEWAY_CONFIG, falling back to
// $XDG_CONFIG_HOME/miner-gateway/gateway.yaml:
//
//	server:
//	  http_addr: "0.0.0.0:8000"
//	  grpc_addr: "0.0.0.0:50051"   # optional gRPC health endpoint
//
//	tailscale:
//	  enabled: false
//	  hostname: "miners"
//	  auth_key: "${TS_AUTHKEY}"
//	  https: true
//
//	database:
//	  path: "/var/lib/miner-gateway/gateway.db"
//
//	auth:
//	  jwt_secret: "${MINER_JWT_SECRET}"   # empty disables operator auth
//	  token_ttl: "24h"
//
//	secrets:
//	  key: "${MINER_SECRET_KEY}"          # encrypts device passwords at rest
//
//	agents:
//	  idle_timeout: "35s"     # silence before the gateway pings an agent
//	  ping_grace: "10s"       # time allowed to answer that ping
//	  write_timeout: "10s"
//	  max_message_bytes: 1048576
//	  send_buffer: 64
//	  malformed_per_minute: 30
//
//	commands:
//	  scan_timeout: "120s"    # how long a rescan waits for scan_result
//	  replay_window: "10m"    # pending commands younger than this are replayed on connect
//	  dedupe_ttl: "5m"
//
//	logging:
//	  level: "info"           # debug, info, warn, error
//	  format: "text"          # text (colorized) or json
//
// ${VAR} references are expanded from the environment before parsing.
// MINER_GATEWAY_DB_PATH overrides database.path.
package config
