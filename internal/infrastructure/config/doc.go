// Package config handles loading and validating iotgo core configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (IOTGO_*)
//   - Validation of required fields
//   - Default value handling
//
// Security Considerations:
//   - Sensitive values (MQTT password, InfluxDB token, JWT secret) should be
//     set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	timeout := cfg.GetPendingRequestTimeout()
package config
