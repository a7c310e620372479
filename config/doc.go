// Package config loads the service configuration. Precedence is
// defaults, then the YAML file, then FLOWMESH_* environment variables.
package config
