// Package config loads the service configuration in three layers: built-in
// defaults, an optional YAML file, and command-line flags that were
// explicitly given. Each section validates itself.
package config
