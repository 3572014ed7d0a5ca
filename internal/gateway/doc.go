// Package gateway maintains a single shard's connection to the real-time
// event gateway.
//
// Each Conn owns one WebSocket and drives the handshake, heartbeat, resume,
// and reconnect-with-backoff lifecycle. Transport frames pass through a
// shared zlib Decoder before being dispatched by opcode; application events
// are forwarded to the caller's channel with their sequence recorded for
// resume. Coordination with the shard manager (identify permits, health
// reporting) happens over channels only.
package gateway
