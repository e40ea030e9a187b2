// Package config loads the agent runtime configuration from a YAML file,
// applies SOLSTICE_* environment overrides and fills in defaults.
package config
