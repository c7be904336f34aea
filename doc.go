// Package pybrook is a real-time stream-processing engine for IoT
// telemetry. Devices publish typed input reports to a broker; a splitter
// normalizes each report into per-field streams tagged with a per-source
// message-id; generators compute derived ("artificial") fields by joining
// their declared dependencies across those streams; resolvers assemble
// declared output reports the same way and publish them downstream.
//
// # Packages
//
// Model and compiler:
//   - model: declarative field/report/dependency types, RegisterField,
//     Compile (dependency graph + topological order + cycle detection),
//     LoadYAML (declarative topology bound to a Go compute-function registry)
//
// Runtime roles:
//   - splitter: C2, normalizes one input report into per-field sub-streams
//   - generator: C3, joins one derived field's current dependencies and
//     invokes its registered compute function
//   - resolver: C4, joins one output report's fields and publishes the
//     assembled record
//   - engine: the shared dependency bag (compiled model, broker client, KV
//     store) every role is constructed against
//   - runtime: Supervisor, hosting every role's lifecycle in one process
//
// Shared infrastructure:
//   - broker: NATS JetStream client — streams, durable consumer groups,
//     KV with CAS, pub/sub, reconnect/circuit-breaker state machine
//   - pending: the PARTIAL/READY/EMITTED join state machine shared by
//     generator and resolver
//   - history: KV-backed ring buffers for historical dependencies
//   - wire: message-id-tagged field value and output record encoding
//   - msgid: message-id parsing/formatting (<source><sep><seq>)
//   - dlq: per-field/report dead-letter records for failed computations
//   - errors: transient/invalid/fatal error classification
//   - logging: slog-backed structured logger
//   - metric: Prometheus metrics registry
//   - internal/config: environment-driven configuration
//
// # Binary
//
//	go run ./cmd/semstreams --model=/etc/pybrook/fleet.yaml
//
// Without --model, the binary runs a built-in vehicle-fleet demo model
// (gps_report -> direction, speed -> vehicle_motion).
package pybrook
