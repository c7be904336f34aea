// Package splitter implements the C2 role: one instance per input report,
// normalizing incoming records into per-field sub-streams under a
// monotonically increasing, per-source message-id.
package splitter

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/pybrook/pybrook/broker"
	"github.com/pybrook/pybrook/dlq"
	"github.com/pybrook/pybrook/errors"
	"github.com/pybrook/pybrook/history"
	"github.com/pybrook/pybrook/logging"
	"github.com/pybrook/pybrook/metric"
	"github.com/pybrook/pybrook/model"
	"github.com/pybrook/pybrook/msgid"
	"github.com/pybrook/pybrook/wire"
)

// identityField is the synthetic field name carrying (message-id, sourceId,
// seq) for generators that need the source id itself rather than a
// declared field's value.
const identityField = "_id"

// Role is one input report's splitter: it reads the report's input stream
// through consumer group "split-<report>", assigns each record a
// message-id, and fans its fields out to per-field sub-streams.
type Role struct {
	client  *broker.Client
	report  model.InputReport
	model   *model.CompiledModel
	sep     byte
	group   string
	workers int
	ackWait time.Duration
	log     *logging.Logger
	metrics *metric.Metrics
	dlq     *dlq.Writer
	history *history.Store

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Role.
type Option func(*Role)

// WithWorkers sets how many goroutines share the consumer group.
func WithWorkers(n int) Option {
	return func(r *Role) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithLogger attaches a logger; the zero value logs nowhere.
func WithLogger(l *logging.Logger) Option {
	return func(r *Role) { r.log = l }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Role) { r.metrics = m }
}

// WithAckWait overrides the consumer group's redelivery timeout.
func WithAckWait(d time.Duration) Option {
	return func(r *Role) { r.ackWait = d }
}

// WithHistory attaches the compiled model and history store needed to push
// a source field's value onto its ring buffer when another field declares
// a historical dependency on it (spec.md §4.2 step 6 / §3 invariant 4).
// Without this option the splitter still splits correctly; it just never
// populates history, which only matters for models with historical deps.
func WithHistory(compiled *model.CompiledModel, store *history.Store) Option {
	return func(r *Role) {
		r.model = compiled
		r.history = store
	}
}

// New constructs a splitter Role for report, publishing through client,
// using sep as the message-id separator.
func New(client *broker.Client, report model.InputReport, sep byte, opts ...Option) *Role {
	r := &Role{
		client:  client,
		report:  report,
		sep:     sep,
		group:   "split-" + report.Name,
		workers: 1,
		ackWait: 30 * time.Second,
		log:     logging.Discard(),
		metrics: metric.NewMetrics(),
		dlq:     dlq.NewWriter(client),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Initialize creates the report's input stream (implicitly, on first
// Append) and the durable consumer group, idempotently.
func (r *Role) Initialize(ctx context.Context) error {
	return r.client.CreateOrUpdateGroup(ctx, r.report.Name, r.group, r.ackWait)
}

// Start launches the configured number of worker goroutines, each looping
// read -> process -> ack until ctx is canceled or Stop is called.
func (r *Role) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	for i := 0; i < r.workers; i++ {
		worker := fmt.Sprintf("%s-%d", r.group, i)
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.loop(ctx, worker)
		}()
	}
	return nil
}

// Stop cancels every worker loop and waits up to timeout for them to drain.
func (r *Role) Stop(timeout time.Duration) error {
	if r.cancel == nil {
		return nil
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("splitter %s: workers did not drain within %s", r.report.Name, timeout),
			"splitter", "Stop", "drain workers")
	}
}

func (r *Role) loop(ctx context.Context, worker string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		records, err := r.client.ReadGroup(ctx, r.report.Name, r.group, r.workers*8, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Errorf("splitter %s: read group failed: %v", r.report.Name, err)
			r.metrics.RecordClassifiedError("splitter", errors.Classify(err).String())
			continue
		}

		for _, rec := range records {
			if err := r.process(ctx, rec); err != nil {
				r.log.Errorf("splitter %s: process failed: %v", r.report.Name, err)
				r.metrics.RecordClassifiedError("splitter", errors.Classify(err).String())
				continue
			}
			if err := r.client.Ack(ctx, rec); err != nil {
				r.log.Errorf("splitter %s: ack failed: %v", r.report.Name, err)
			}
		}
	}
}

// process implements spec §4.2 steps 1-6, with the idempotency guard of
// §7.5: a durable "seen" marker keyed by this record's stream sequence is
// created before the per-source counter is incremented, so redelivery
// after a crash between increment and ack replays the same message-id
// instead of minting a new one.
func (r *Role) process(ctx context.Context, rec broker.Record) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(rec.Data, &raw); err != nil {
		return r.dlq.Write(ctx, r.report.Name, malformedRecord(rec, err))
	}

	var sourceID string
	if idRaw, ok := raw[r.report.IDField]; ok {
		if err := json.Unmarshal(idRaw, &sourceID); err != nil {
			return r.dlq.Write(ctx, r.report.Name, malformedRecord(rec, err))
		}
	}
	if sourceID == "" {
		return r.dlq.Write(ctx, r.report.Name,
			malformedRecord(rec, fmt.Errorf("missing id field %q", r.report.IDField)))
	}

	messageID, seq, err := r.assignMessageID(ctx, sourceID, rec.Sequence)
	if err != nil {
		return err
	}

	for _, f := range r.report.Fields {
		value, ok := raw[f.Name]
		if !ok {
			continue
		}
		data, err := wire.EncodeFieldValue(messageID, json.RawMessage(value))
		if err != nil {
			return errors.WrapInvalid(err, "splitter", "process", "encode field value")
		}
		if _, err := r.client.Append(ctx, subStream(r.report.Name, f.Name), data); err != nil {
			return err
		}

		if r.model != nil && r.history != nil {
			if capacity := r.model.MaxWindow(f.Name); capacity > 0 {
				var decoded any
				if err := json.Unmarshal(value, &decoded); err != nil {
					return errors.WrapInvalid(err, "splitter", "process", "decode field value for history")
				}
				if err := r.history.Push(ctx, sourceID, f.Name, seq, decoded, capacity); err != nil {
					r.log.Errorf("splitter %s: push history for %s failed: %v", r.report.Name, f.Name, err)
				}
			}
		}
	}

	identity, err := json.Marshal(wire.IdentityRecord{MessageID: messageID, Source: sourceID, Seq: seq})
	if err != nil {
		return errors.WrapInvalid(err, "splitter", "process", "encode identity record")
	}
	if _, err := r.client.Append(ctx, subStream(r.report.Name, identityField), identity); err != nil {
		return err
	}

	r.metrics.RecordSplit(r.report.Name)
	return nil
}

// assignMessageID implements the marker-before-increment sequencing: the
// "seen" key for this stream sequence number is claimed first; only the
// worker that wins the claim increments the per-source counter, so a
// crashed and redelivered record never double-increments.
func (r *Role) assignMessageID(ctx context.Context, sourceID string, streamSeq uint64) (string, uint64, error) {
	kv, err := r.seenStore(ctx)
	if err != nil {
		return "", 0, err
	}

	seenKey := seenKey(r.sep, r.report.Name, streamSeq)

	entry, err := kv.Get(ctx, seenKey)
	if err != nil && err != broker.ErrKVKeyNotFound {
		return "", 0, err
	}
	if err == nil && len(entry.Value) > 0 {
		id, parseErr := msgid.Parse(string(entry.Value), r.sep)
		if parseErr != nil {
			return "", 0, errors.WrapInvalid(parseErr, "splitter", "assignMessageID", "parse stored message id")
		}
		return id.String(), id.Seq(), nil
	}

	revision := uint64(0)
	if err == nil {
		revision = entry.Revision
	} else {
		rev, createErr := kv.Create(ctx, seenKey, nil)
		if createErr != nil {
			if createErr != broker.ErrKVKeyExists {
				return "", 0, createErr
			}
			// lost the race with another worker; fall through to re-read.
		} else {
			revision = rev
		}
		entry, err = kv.Get(ctx, seenKey)
		if err != nil {
			return "", 0, err
		}
		if len(entry.Value) > 0 {
			id, parseErr := msgid.Parse(string(entry.Value), r.sep)
			if parseErr != nil {
				return "", 0, errors.WrapInvalid(parseErr, "splitter", "assignMessageID", "parse stored message id")
			}
			return id.String(), id.Seq(), nil
		}
		revision = entry.Revision
	}

	seq, err := kv.Incr(ctx, msgid.CounterKey(sourceID, r.sep))
	if err != nil {
		return "", 0, err
	}
	id := msgid.New(sourceID, uint64(seq), r.sep)

	if _, err := kv.Update(ctx, seenKey, []byte(id.String()), revision); err != nil {
		// another worker already recorded the assignment for this entry;
		// trust its value over ours to avoid two ids for one record.
		current, getErr := kv.Get(ctx, seenKey)
		if getErr != nil {
			return "", 0, getErr
		}
		parsed, parseErr := msgid.Parse(string(current.Value), r.sep)
		if parseErr != nil {
			return "", 0, errors.WrapInvalid(parseErr, "splitter", "assignMessageID", "parse stored message id")
		}
		return parsed.String(), parsed.Seq(), nil
	}

	return id.String(), uint64(seq), nil
}

var seenBucketCache sync.Map // bucket name -> *broker.KVStore

func (r *Role) seenStore(ctx context.Context) (*broker.KVStore, error) {
	bucketName := "pybrook-seen-" + r.report.Name
	if v, ok := seenBucketCache.Load(bucketName); ok {
		return v.(*broker.KVStore), nil
	}

	bucket, err := r.client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{
		Bucket:      bucketName,
		Description: "splitter idempotency markers for " + r.report.Name,
	})
	if err != nil {
		return nil, err
	}

	kv := r.client.NewKVStore(bucket)
	seenBucketCache.Store(bucketName, kv)
	return kv, nil
}

func subStream(report, field string) string {
	return report + ":" + field
}

func seenKey(sep byte, report string, streamSeq uint64) string {
	return fmt.Sprintf("%cseen%c%s%c%d", sep, sep, report, sep, streamSeq)
}

func malformedRecord(rec broker.Record, cause error) dlq.Record {
	return dlq.Record{
		Stream: rec.Stream,
		Error:  cause.Error(),
		Time:   time.Now().UTC(),
	}
}
