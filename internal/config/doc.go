// Package config handles configuration loading for converto-gateway.
//
// # Overview
//
// Configuration is loaded from YAML or TOML files with environment variable
// expansion. Files ending in .toml are decoded as TOML; everything else is
// treated as YAML. Durations are parsed after decoding, defaults are applied,
// and Validate reports the first problem found.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from CONVERTO_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/converto/gateway.yaml
//  3. ~/.config/converto/gateway.yaml
//
// # Environment Variable Expansion
//
// Secrets should come from the environment rather than the file:
//
//	commands:
//	  signing_secret: "${CONVERTO_SIGNING_SECRET}"
//
// Syntax: ${VAR_NAME}. Unset variables expand to the empty string.
//
// # Configuration Sections
//
// Server and listeners:
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	  grpc_addr: "0.0.0.0:50051"   # optional, gRPC health only
//	  base_url: "https://app.example.com"
//
// Sessions:
//
//	session:
//	  issuer: "converto"
//	  audience: "converto-web"
//	  private_key: "/etc/converto/session.key"  # PEM, inline or path
//	  public_key: "/etc/converto/session.pub"
//	  ttl: "15m"
//	  cookie_name: "converto.sid"
//	  tenant_header: "X-Tenant-ID"
//
// Signed commands and operators:
//
//	commands:
//	  signing_secret: "${CONVERTO_SIGNING_SECRET}"
//	  replay_window: "300s"
//	  privileged_actors: ["U9", "ops@example.com"]
//	admin:
//	  operator_token: "${CONVERTO_OPERATOR_TOKEN}"
//
// Tenant locks:
//
//	tenant_lock:
//	  default_ttl: "1h"
//	  max_ttl: "168h"
//
// Rate limiting:
//
//	ratelimit:
//	  backend: "memory"   # or "redis"
//	  redis_addr: "localhost:6379"
//	  requests: 30
//	  window: "1m"
//	  max_keys: 10000
//
// # Validation
//
// Validate checks required fields (listener, database path, session keys,
// issuer and audience), minimum lengths for HMAC secrets, and backend
// selection for the database driver and rate limiter.
package config
