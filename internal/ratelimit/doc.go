// Package ratelimit bounds how often a client may hit the credential and
// signed-command endpoints. The in-memory limiter holds a fixed number of
// keys and evicts the oldest window when full; the Redis limiter shares
// counters across replicas.
package ratelimit
