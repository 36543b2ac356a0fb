// Package config loads, validates and watches the router configuration.
//
// Documents are YAML unless the file ends in .toml. Both formats support
// ${VAR} and ${VAR:-default} environment substitution, and every optional
// section is pre-populated from DefaultConfig before decoding:
//
//	cfg, err := config.Load("rpcgw.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Validation collects every problem into ValidationErrors rather than
// stopping at the first one. Watcher delivers only configurations that
// pass validation; a rejected reload leaves the running one in place.
package config
