// Package config loads and validates parley-gateway configuration.
//
// Configuration is YAML with ${VAR} environment variable expansion and
// human-readable duration strings ("30s", "2m"). Example:
//
//	server:
//	  http_addr: ":8080"
//	database:
//	  path: /var/lib/parley/gateway.db
//	auth:
//	  jwt_secret: ${PARLEY_JWT_SECRET}
//	  key_ttl: 720h
//	sessions:
//	  heartbeat_interval: 15s
//	  idle_timeout: 45s
//	  close_timeout: 2m
//	  allow_reconnect: true
//	broker:
//	  queue_bound: 256
//	meetings:
//	  round_timeout: 2m
//	  max_rounds: 5
//	  absence_threshold: 2
//	  consensus_policy: unanimous
//	topics:
//	  window: 24h
//	  min_cluster_size: 3
//	logging:
//	  level: info
//	  format: text
//
// Load applies defaults for every optional field and rejects configurations
// that are structurally invalid (missing addresses, unknown consensus policy,
// idle timeout shorter than the heartbeat interval).
package config
