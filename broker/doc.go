// Package broker provides the NATS JetStream-backed broker adapter for the
// PyBrook engine: a circuit-breaker-protected Client with automatic
// reconnection, append-only stream publishing, durable-consumer
// read/ack/claim, a CAS-capable KVStore, and core pub/sub for output
// fan-out.
//
// # Core Features
//
// Circuit Breaker Pattern: the Client fails fast after a threshold of
// consecutive failures (default: 5), then gradually tests the connection
// with exponential backoff, mirroring the state machine:
// Disconnected → Connecting → Connected → Reconnecting → CircuitOpen.
//
// Streams And Consumer Groups: Append publishes to a per-report JetStream
// stream; ReadGroup/Ack/Claim implement consumer-group semantics (a
// durable pull consumer per logical group) with at-least-once delivery
// and redelivery of un-acked entries after AckWait.
//
// KV Space: KVStore wraps jetstream.KeyValue with CAS (Create/Update by
// revision), UpdateWithRetry for contended counters, and ListPush/
// ListTrim/ListRange helpers used by the history store to maintain
// bounded ring buffers over a value with no native list primitive.
//
// # Basic Usage
//
//	client, err := broker.NewClient("nats://localhost:4222")
//	if err != nil { ... }
//	if err := client.Connect(ctx); err != nil { ... }
//	defer client.Close(ctx)
//
//	seq, err := client.Append(ctx, "gps_report", data)
//	recs, err := client.ReadGroup(ctx, "gps_report", "split-gps_report", 10, time.Second)
//
// # Circuit Breaker Behavior
//
// When the circuit is open, calls return ErrCircuitOpen immediately rather
// than blocking on a doomed network call — classified as a transient
// error by the errors package, so callers retry with backoff rather than
// treat it as fatal.
package broker
