// Package config handles loading and validating unifyd configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables
//   - Validation of required fields
//   - Default value handling
//
// Every runtime policy constant — event buffer capacity, reconnection
// backoff, staleness thresholds, per-command timeouts — is expressed here so
// that nothing behavioural is compiled in without an override path.
//
// Security Considerations:
//   - Sensitive values (telemetry tokens, network credentials) should be set
//     via environment variables, never committed to the config file
//   - The config file should have restricted permissions (0600)
//
// Performance Characteristics:
//   - Configuration is loaded once at startup
//   - No runtime overhead after initial load
//
// Usage:
//
//	cfg, err := config.Load("configs/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println(cfg.API.Port)
package config
