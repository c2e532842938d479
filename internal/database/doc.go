/*
Package database manages the engine's database connection pool.

Pool wraps a gorm handle with pool sizing, a background health check,
and transaction helpers. WithTransactionRetry retries transient
failures (deadlocks, serialization failures, dropped connections) with
exponential backoff; domain errors such as version conflicts are never
retried here, those surface to the caller who owns the stale copy.
*/
package database
