// Package engine holds the explicit, instantiated value every role
// (splitter, generator, resolver) is constructed against: the compiled
// model, the broker connection, and the shared KV handle they join state
// through. It replaces the global registry pattern (spec.md §9's `PyBrook`
// singleton) with a value passed by parameter, following the teacher's own
// move away from package-level state in favor of explicit component wiring.
package engine

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/pybrook/pybrook/broker"
	"github.com/pybrook/pybrook/internal/config"
	"github.com/pybrook/pybrook/logging"
	"github.com/pybrook/pybrook/metric"
	"github.com/pybrook/pybrook/model"
)

// kvBucket is the single KV bucket backing pending-join state and history
// ring buffers for every role in a process; keys are namespaced by the
// separator-joined prefixes each package's Store builds.
const kvBucket = "pybrook-state"

// Engine is the fully wired dependency set every role needs: the compiled
// model, the broker client, a shared KV store, the configured separator,
// and the logger/metrics every role logs and records through.
type Engine struct {
	Model   *model.CompiledModel
	Client  *broker.Client
	KV      *broker.KVStore
	Config  config.Config
	Log     *logging.Logger
	Metrics *metric.Metrics
}

// New connects no new resources itself; it wires the pieces Initialize
// expects callers to have already constructed (a connected broker.Client,
// a compiled model) into one Engine value.
func New(client *broker.Client, compiled *model.CompiledModel, cfg config.Config, log *logging.Logger, metrics *metric.Metrics) *Engine {
	if log == nil {
		log = logging.Discard()
	}
	if metrics == nil {
		metrics = metric.NewMetrics()
	}
	return &Engine{Model: compiled, Client: client, Config: cfg, Log: log, Metrics: metrics}
}

// Initialize creates (idempotently) the shared KV bucket used for
// pending-join state and history windows, and stores the resulting handle
// on the Engine. Must be called once, after the broker client is
// connected, before any role's own Initialize.
func (e *Engine) Initialize(ctx context.Context) error {
	bucket, err := e.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      kvBucket,
		Description: "pybrook pending-join state and history windows",
	})
	if err != nil {
		return fmt.Errorf("engine: create kv bucket %q: %w", kvBucket, err)
	}
	e.KV = e.Client.NewKVStore(bucket)
	return nil
}
