// Package types contains shared primitives used across the engine:
// structured errors with unified codes, context key helpers, and
// token counting for context-budget enforcement.
package types
