// Package config handles configuration loading for parley.
//
// # Configuration File
//
// Default locations (in order):
//
//  1. Path from PARLEY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/parley/config.yaml
//  3. ~/.config/parley/config.yaml
//
// A file ending in .toml is decoded as TOML; anything else as YAML. Keys
// absent from the file keep the values from Default().
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	chat:
//	  openai_api_key: "${OPENAI_API_KEY}"
//
// # Configuration Sections
//
//	server:
//	  base_url: "http://localhost:5000"   # /initialize and /generate_audio live here
//	  api_prefix: "/api"                  # JSON API (/api/chat, /api/login, ...)
//	  request_timeout: "30s"
//
//	storage:
//	  driver: "sqlite"                    # sqlite, bolt, mongo, memory
//	  path: "~/.local/share/parley/parley.db"
//	  namespace: ""                       # optional key prefix for multiple profiles
//	  mongo_uri: "mongodb://localhost:27017"
//	  mongo_database: "parley"
//
//	chat:
//	  backend: "http"                     # http, openai
//	  openai_base_url: ""
//	  openai_api_key: "${OPENAI_API_KEY}"
//	  openai_model: "gpt-4o-mini"
//
//	audio:
//	  enabled: true
//	  player: ["ffplay", "-nodisp", "-autoexit"]
//	  clip_cache_size: 32
//	  clip_cache_ttl: "10m"
//
//	logging:
//	  level: "info"                       # debug, info, warn, error
//	  format: "text"                      # text, json
//	  file: "~/.local/share/parley/parley.log"
//
// # Validation
//
// Load() validates struct tags with go-playground/validator and reports the
// first failure using the config-file field name, e.g.
// "storage.path is required".
package config
