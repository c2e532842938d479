// Package store provides the gorm-backed implementations of the workflow
// repository contracts. Optimistic version guards are enforced with
// conditional UPDATEs; multi-row writes run inside transactions.
package store
