/*
Package server hosts the engine's HTTP surface.

Manager owns the http.Server lifecycle: non-blocking start, TLS,
signal-driven graceful shutdown. Hub is the realtime fan-out: clients
attach over WebSocket, optionally scoped to one workflow, and receive
engine events as JSON frames. The hub implements workflow.Notifier, so
it plugs straight into the engine's notifier chain. Slow consumers
have events dropped rather than stalling the publisher.
*/
package server
