// Package generator implements the C3 role: one instance per artificial
// field, joining its declared current dependencies by message-id, reading
// historical windows from the history store, invoking the user function,
// and publishing the result to the field's own sub-stream. Grounded on
// original_source/pybrook/consumers/field_generator.py and
// dependency_resolver.py's join-by-hash-map algorithm, reimplemented with
// the same pending/history primitives the resolver (package resolver)
// uses, since spec.md §4.3's state machine is the same join discipline as
// §4.4, minus the "terminal" output step.
package generator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pybrook/pybrook/broker"
	"github.com/pybrook/pybrook/dlq"
	"github.com/pybrook/pybrook/errors"
	"github.com/pybrook/pybrook/history"
	"github.com/pybrook/pybrook/logging"
	"github.com/pybrook/pybrook/metric"
	"github.com/pybrook/pybrook/model"
	"github.com/pybrook/pybrook/msgid"
	"github.com/pybrook/pybrook/pending"
	"github.com/pybrook/pybrook/pkg/worker"
	"github.com/pybrook/pybrook/wire"
)

// Role is one artificial field's generator: it joins the field's declared
// current dependencies by message-id, invokes the registered function once
// every dependency has arrived, and publishes the result.
type Role struct {
	client  *broker.Client
	field   model.FieldDef
	model   *model.CompiledModel
	sep     byte
	group   string
	workers int
	ackWait time.Duration
	log     *logging.Logger
	metrics *metric.Metrics
	dlq     *dlq.Writer
	pending *pending.Store
	history *history.Store

	depStreams   []string
	depNames     []string
	outputStream string
	historyCap   int
	backlogLimit int
	poolWorkers  int

	pool     *worker.Pool[computeJob]
	inFlight atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Role.
type Option func(*Role)

// WithWorkers sets how many goroutines share each dependency stream's
// consumer group.
func WithWorkers(n int) Option {
	return func(r *Role) {
		if n > 0 {
			r.workers = n
		}
	}
}

// WithComputeConcurrency bounds how many user-function invocations run
// concurrently, per spec.md §4.3's "bounded-concurrency worker pool".
func WithComputeConcurrency(n int) Option {
	return func(r *Role) {
		if n > 0 {
			r.poolWorkers = n
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

// WithAckWait overrides the consumer groups' redelivery timeout. The same
// duration also bounds waitForHistoryTail's wait on a historical
// dependency, since both describe the same thing from a message's point of
// view: how long it may sit unresolved before this role gives up on it.
func WithAckWait(d time.Duration) Option {
	return func(r *Role) { r.ackWait = d }
}

// WithBacklogLimit bounds how many in-flight (PARTIAL or READY) message-ids
// this role holds before pausing reads, per spec.md §4.3's back-pressure
// rule.
func WithBacklogLimit(n int) Option {
	return func(r *Role) {
		if n > 0 {
			r.backlogLimit = n
		}
	}
}

// New constructs a generator Role for field, computed against compiled,
// publishing through client. kv backs the pending-join state and history
// ring buffers.
func New(client *broker.Client, field model.FieldDef, compiled *model.CompiledModel, kv *broker.KVStore, sep byte, opts ...Option) (*Role, error) {
	outputStream, err := compiled.StreamName(field.Name)
	if err != nil {
		return nil, err
	}

	depNames := make([]string, 0, len(field.Deps))
	depStreams := make([]string, 0, len(field.Deps))
	seen := map[string]bool{}
	for _, d := range field.Deps {
		if d.Historical {
			continue
		}
		if seen[d.Field] {
			continue
		}
		seen[d.Field] = true
		stream, err := compiled.StreamName(d.Field)
		if err != nil {
			return nil, err
		}
		depNames = append(depNames, d.Field)
		depStreams = append(depStreams, stream)
	}

	r := &Role{
		client:       client,
		field:        field,
		model:        compiled,
		sep:          sep,
		group:        "gen-" + field.Name,
		workers:      1,
		ackWait:      30 * time.Second,
		backlogLimit: 1000,
		poolWorkers:  4,
		log:          logging.Discard(),
		metrics:      metric.NewMetrics(),
		dlq:          dlq.NewWriter(client),
		pending:      pending.New(kv, sep),
		history:      history.New(kv, sep),
		depStreams:   depStreams,
		depNames:     depNames,
		outputStream: outputStream,
		historyCap:   compiled.MaxWindow(field.Name),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// computeJob is one ready-to-invoke message-id, queued onto the bounded
// compute pool.
type computeJob struct {
	messageID string
	source    string
	seq       uint64
	current   model.Values
}

// Initialize idempotently creates the durable consumer group on every
// dependency stream this field reads from.
func (r *Role) Initialize(ctx context.Context) error {
	for _, stream := range r.depStreams {
		if err := r.client.CreateOrUpdateGroup(ctx, stream, r.group, r.ackWait); err != nil {
			return err
		}
	}
	return nil
}

// Start launches one reader loop per dependency stream plus the bounded
// compute pool, and re-drives any message-ids left in StateReady by a prior
// crash (spec.md §4.3's PARTIAL/READY recovery).
func (r *Role) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.ctx = ctx
	r.cancel = cancel

	r.pool = worker.NewPool(r.poolWorkers, r.backlogLimit, r.runCompute)
	if err := r.pool.Start(ctx); err != nil {
		return err
	}

	ready, err := r.pending.ScanReady(ctx, r.field.Name, r.depNames)
	if err != nil {
		r.log.Errorf("generator %s: scan pending on start failed: %v", r.field.Name, err)
	}
	for _, entry := range ready {
		r.submit(entry.MessageID, entry.Values)
	}

	for i, stream := range r.depStreams {
		for w := 0; w < r.workers; w++ {
			consumerName := fmt.Sprintf("%s-%d-%d", r.group, i, w)
			streamName := stream
			depName := r.depNames[i]
			r.wg.Add(1)
			go func() {
				defer r.wg.Done()
				r.loop(ctx, streamName, depName, consumerName)
			}()
		}
	}
	return nil
}

// Stop cancels every worker loop and the compute pool, waiting up to
// timeout for them to drain.
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
	case <-time.After(timeout):
		return errors.WrapTransient(fmt.Errorf("generator %s: readers did not drain within %s", r.field.Name, timeout),
			"generator", "Stop", "drain readers")
	}

	if r.pool != nil {
		return r.pool.Stop(timeout)
	}
	return nil
}

func (r *Role) loop(ctx context.Context, stream, depName, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if int(r.inFlight.Load()) >= r.backlogLimit {
			select {
			case <-ctx.Done():
				return
			case <-time.After(50 * time.Millisecond):
				continue
			}
		}

		records, err := r.client.ReadGroup(ctx, stream, r.group, r.workers*8, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.log.Errorf("generator %s: read %s failed: %v", r.field.Name, stream, err)
			r.metrics.RecordClassifiedError("generator", errors.Classify(err).String())
			continue
		}

		for _, rec := range records {
			messageID, value, err := wire.DecodeFieldValueRaw(rec.Data)
			if err != nil {
				_ = r.dlq.Write(ctx, r.field.Name, dlq.Record{
					Stream: stream, Field: depName, Error: err.Error(), Time: time.Now().UTC(),
				})
				_ = r.client.Ack(ctx, rec)
				continue
			}

			entry, err := r.pending.Merge(ctx, r.field.Name, messageID, depName, value, r.depNames)
			if err != nil {
				r.log.Errorf("generator %s: merge %s for %s failed: %v", r.field.Name, depName, messageID, err)
				r.metrics.RecordClassifiedError("generator", errors.Classify(err).String())
				continue
			}

			if err := r.client.Ack(ctx, rec); err != nil {
				r.log.Errorf("generator %s: ack failed: %v", r.field.Name, err)
			}

			if entry.State == pending.StateReady {
				r.submit(messageID, entry.Values)
			}
			r.metrics.RecordPendingBacklog(r.field.Name, int(r.inFlight.Load()))
		}
	}
}

func (r *Role) submit(messageID string, values map[string]any) {
	id, err := msgid.Parse(messageID, r.sep)
	if err != nil {
		r.log.Errorf("generator %s: parse message id %q failed: %v", r.field.Name, messageID, err)
		return
	}
	job := computeJob{messageID: messageID, source: id.Source(), seq: id.Seq(), current: model.Values(values)}
	r.inFlight.Add(1)

	if !r.hasHistoricalDeps() {
		if err := r.pool.Submit(job); err != nil {
			r.inFlight.Add(-1)
			r.log.Errorf("generator %s: submit %s failed: %v", r.field.Name, messageID, err)
		}
		return
	}

	// Historical-dependency waiting happens off the bounded compute pool, in
	// its own goroutine per message-id: a self-referential historical field
	// (dep.Field == r.field.Name) has its predecessor's own job sitting in
	// the same pool, so waiting inside a pool worker can starve every
	// worker waiting on jobs that can never be dispatched. Goroutines here
	// are unbounded, so the wait never competes with the pool for a slot;
	// only the (already waited-for) compute work is pool-bounded.
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		r.waitAndSubmit(r.ctx, job)
	}()
}

// waitAndSubmit blocks on every historical dependency's wait predicate
// before handing job to the bounded compute pool. A timed-out wait is
// treated the same as a compute failure: DLQ'd directly, since no pool
// worker has claimed the job yet.
func (r *Role) waitAndSubmit(ctx context.Context, job computeJob) {
	for _, dep := range r.field.Deps {
		if !dep.Historical {
			continue
		}
		if err := r.waitForHistoryTail(ctx, job.source, dep.Field, job.seq, r.ackWait); err != nil {
			r.inFlight.Add(-1)
			if ctx.Err() != nil {
				// Shutting down, not a real wait failure: exit quietly like
				// loop() does for a cancelled ReadGroup, rather than DLQ a
				// message that will simply be re-driven by ScanReady on the
				// next Start.
				return
			}
			r.log.Errorf("generator %s: wait history tail %s for %s failed: %v", r.field.Name, dep.Field, job.messageID, err)
			r.metrics.RecordClassifiedError("generator", errors.Classify(err).String())
			r.metrics.RecordFieldGenerated(r.field.Name, "error")
			r.metrics.RecordDLQ(r.field.Name, r.field.Name)
			if werr := r.dlq.Write(ctx, r.field.Name, dlq.Record{
				Field: r.field.Name, MessageID: job.messageID, Error: err.Error(), Time: time.Now().UTC(),
			}); werr != nil {
				r.log.Errorf("generator %s: dlq write for %s failed: %v", r.field.Name, job.messageID, werr)
			}
			// Without this, ScanReady rediscovers the same StateReady entry
			// on every restart (this job never reaches runCompute, so its
			// own pending.Delete on the DLQ path never runs) and repeats the
			// same timeout-then-DLQ cycle forever instead of clearing once.
			if err := r.pending.Delete(ctx, r.field.Name, job.messageID); err != nil {
				r.log.Errorf("generator %s: delete pending for %s failed: %v", r.field.Name, job.messageID, err)
			}
			return
		}
	}

	if err := r.pool.Submit(job); err != nil {
		r.inFlight.Add(-1)
		r.log.Errorf("generator %s: submit %s failed: %v", r.field.Name, job.messageID, err)
	}
}

func (r *Role) hasHistoricalDeps() bool {
	for _, dep := range r.field.Deps {
		if dep.Historical {
			return true
		}
	}
	return false
}

// runCompute implements spec.md §4.3 step 5: read historical windows
// (already confirmed ready by waitAndSubmit before this job was dispatched),
// invoke the user function, publish the result, push this field's own
// history for downstream historical dependents, and clear pending state.
func (r *Role) runCompute(ctx context.Context, job computeJob) error {
	defer r.inFlight.Add(-1)
	start := time.Now()

	hist := model.History{}
	for _, dep := range r.field.Deps {
		if !dep.Historical {
			continue
		}
		window, err := r.history.Window(ctx, job.source, dep.Field, dep.WindowLength)
		if err != nil {
			r.log.Errorf("generator %s: read history %s for %s failed: %v", r.field.Name, dep.Field, job.messageID, err)
			r.metrics.RecordClassifiedError("generator", errors.Classify(err).String())
			return err
		}
		hist[dep.Field] = padLeft(window, dep.WindowLength)
	}

	value, err := r.field.Compute(ctx, job.current, hist)
	r.metrics.ObserveProcessingDuration("generator", r.field.Name, time.Since(start))
	if err != nil {
		r.metrics.RecordFieldGenerated(r.field.Name, "error")
		r.metrics.RecordDLQ(r.field.Name, r.field.Name)
		dlqErr := r.dlq.Write(ctx, r.field.Name, dlq.Record{
			Field: r.field.Name, MessageID: job.messageID, Error: err.Error(), Time: time.Now().UTC(),
		})
		// A permanently failing compute must still clear pending state, or
		// ScanReady rediscovers this message-id as StateReady on every
		// restart and re-drives (and re-DLQs) it forever.
		if delErr := r.pending.Delete(ctx, r.field.Name, job.messageID); delErr != nil {
			r.log.Errorf("generator %s: delete pending for %s failed: %v", r.field.Name, job.messageID, delErr)
		}
		return dlqErr
	}

	data, err := wire.EncodeFieldValue(job.messageID, value)
	if err != nil {
		return errors.WrapInvalid(err, "generator", "runCompute", "encode field value")
	}
	if _, err := r.client.Append(ctx, r.outputStream, data); err != nil {
		return err
	}

	if r.historyCap > 0 {
		if err := r.history.Push(ctx, job.source, r.field.Name, job.seq, value, r.historyCap); err != nil {
			r.log.Errorf("generator %s: push history for %s failed: %v", r.field.Name, job.messageID, err)
		}
	}

	if err := r.pending.Delete(ctx, r.field.Name, job.messageID); err != nil {
		r.log.Errorf("generator %s: delete pending for %s failed: %v", r.field.Name, job.messageID, err)
	}

	r.metrics.RecordFieldGenerated(r.field.Name, "ok")
	return nil
}

// historyPollInterval bounds how often waitForHistoryTail re-checks the
// ring buffer's recorded tail while blocked.
const historyPollInterval = 10 * time.Millisecond

// waitForHistoryTail blocks until field's recorded history tail for source
// reaches seq-1, the immediately preceding message-id's sequence. This is
// spec.md §5's wait predicate: without it, the bounded compute pool
// (WithComputeConcurrency) can run message M's compute before M-1's history
// push lands, reading a window that is missing its most recent entry and
// breaking invariant 4 and the self-referential counter scenario (§8
// scenario 3), where every message must see exactly its predecessor's
// value. seq<=1 has no predecessor and never blocks.
//
// The wait is bounded by timeout: a predecessor whose own compute failed
// is routed to DLQ without ever pushing history (runCompute never reaches
// the history.Push call on that path), so its tail would otherwise never
// advance and every later message for the same source would poll forever.
// It runs in waitAndSubmit's own per-message goroutine rather than inside a
// pool worker (see submit), so it never occupies a compute-pool slot while
// blocked — a self-referential historical field's predecessor is itself a
// job that needs a free pool slot to run, so waiting on a pool worker would
// risk every worker blocking on a predecessor none of them is free to run.
// On timeout the caller treats this message the same way as a compute
// failure: DLQ it and move on, rather than block the source's stream
// indefinitely.
func (r *Role) waitForHistoryTail(ctx context.Context, source, field string, seq uint64, timeout time.Duration) error {
	if seq <= 1 {
		return nil
	}
	want := seq - 1

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		tail, ok, err := r.history.TailSeq(ctx, source, field)
		if err != nil {
			return err
		}
		if ok && tail >= want {
			return nil
		}
		if !deadline.IsZero() && time.Now().After(deadline) {
			return fmt.Errorf("generator %s: history tail for %s on %s never reached seq %d within %s",
				r.field.Name, field, source, want, timeout)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(historyPollInterval):
		}
	}
}

// padLeft left-pads window with nils so it always has exactly length
// entries, per spec.md §3 invariant 4 / §8's history invariant: missing
// slots (history not yet filled for a source) are represented as null.
func padLeft(window []any, length int) []any {
	if len(window) >= length {
		return window[len(window)-length:]
	}
	padded := make([]any, length)
	copy(padded[length-len(window):], window)
	return padded
}
