/*
Package cache provides Redis-backed presence tracking and session
snapshot storage for the collaboration engine.

Manager owns the Redis client lifecycle: connection setup, background
health checks, and graceful shutdown. Presence entries map a live
connection to its session and expire on their own once the connection
goes silent, so a crashed client never leaves a stale presence row
behind. Session snapshots are JSON blobs with a bounded TTL used to
warm reconnecting clients.

ErrCacheMiss is the sentinel for absent keys; callers distinguish a
miss from an infrastructure failure with IsCacheMiss.
*/
package cache
