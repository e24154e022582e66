// Package config loads the fleet engine configuration.
//
// Values come from defaults, then an optional YAML file, then environment
// variables prefixed with SPIRALVERSE_. Validate reports every problem at once.
// Watcher polls the file and hands validated reloads to subscribers.
package config
