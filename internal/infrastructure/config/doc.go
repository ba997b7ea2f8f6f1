// Package config handles loading and validating the platform configuration.
//
// This package manages:
//   - Loading configuration from YAML files
//   - Overriding with environment variables (PANDUZA_*)
//   - Validation of required fields
//   - Default value handling
//
// Broker connection details live in the separate connection-info file
// (see package connection) so that every tool on the bench shares them.
//
// Security Considerations:
//   - Tokens (InfluxDB) should be set via environment variables
//   - The config file should have restricted permissions (0600)
//
// Usage:
//
//	cfg, err := config.Load("/etc/panduza/platform.yaml")
//	if err != nil {
//	    return err
//	}
//	fmt.Println(cfg.Database.Path)
package config
