// Command collabflow runs the collaborative workflow engine.
//
// Usage:
//
//	collabflow serve                       start the engine
//	collabflow serve --config config.yaml  with a config file
//	collabflow migrate                     create or update the schema
//	collabflow version                     show version information
//	collabflow health                      probe a running engine
package main
