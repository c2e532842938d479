// Package config loads the engine's configuration.
//
// Values resolve in three layers: built-in defaults, then an optional
// YAML file, then COLLABFLOW_* environment variables. The Engine
// section carries the collaboration policy knobs (approval threshold,
// conflict expiry, session recovery windows, context budget) that the
// workflow services consume.
package config
