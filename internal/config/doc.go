// Package config handles configuration loading for ag-mesh-relay.
//
// # Configuration File
//
// Location (first match wins):
//
//  1. Path from the AG_MESH_RELAY_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/ag-mesh-relay/config.json
//  3. ~/.config/ag-mesh-relay/config.json
//
// The file is parsed as YAML, so plain JSON works as well. When the file is
// missing, LoadOrCreate writes the defaults there and loads them.
//
//	{
//	  "agents": [
//	    {"id": "coder", "workingPath": "~/src/app", "agent": "dev", "autoStart": true}
//	  ],
//	  "server": {"host": "localhost", "port": 10000, "maxPort": 10100},
//	  "relay": {"staleTimeout": "30s", "strictSchemas": false}
//	}
//
// Fields absent from the file keep their defaults.
//
// # Environment Variables
//
// Values may reference ${VAR_NAME}; unset variables expand to "". After
// parsing, these overrides apply:
//
//	HOST                         server.host
//	PORT                         server.port (maxPort raised to match)
//	AG_MESH_RELAY_DB_PATH        database.path ("off" disables the ledger)
//	OTEL_EXPORTER_OTLP_ENDPOINT  telemetry.otlpEndpoint
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax ("10s", "1m").
package config
