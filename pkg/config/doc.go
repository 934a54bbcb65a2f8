// Package config provides unified configuration management for relay.
//
// # Key Features
//
// - Config: one document holding every component's section
// - Environment variable substitution with ${VAR_NAME} syntax inside the YAML file
// - RELAY_* environment overrides for any key (RELAY_STORAGE_DSN, RELAY_POLLING_DEADLINE, ...)
// - Defaults from Default() and validation through Validate()
//
// # Usage
//
//	cfg, err := config.Load("relay.yaml")
//	if err != nil {
//		log.Fatal(err)
//	}
//
// # Environment Variable Substitution
//
// Values such as credentials should not be written into the file:
//
//	source_runtime:
//	  url: http://connect:8083
//	  password: ${CONNECT_PASSWORD}
//
// Durations accept Go syntax ("30s", "2m").
package config
