// Package resolver implements the C4 role: one instance per output report,
// joining its declared fields by message-id and emitting the assembled
// record once every field has arrived. Grounded on the same hset/incrby
// join discipline as original_source/pybrook/consumers/dependency_resolver.py,
// sharing package pending's state machine with package generator since
// spec.md's §4.3 and §4.4 state machines are identical except for this
// role's terminal assemble-and-publish step instead of a field compute.
package resolver

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pybrook/pybrook/broker"
	"github.com/pybrook/pybrook/dlq"
	"github.com/pybrook/pybrook/errors"
	"github.com/pybrook/pybrook/logging"
	"github.com/pybrook/pybrook/metric"
	"github.com/pybrook/pybrook/model"
	"github.com/pybrook/pybrook/msgid"
	"github.com/pybrook/pybrook/pending"
	"github.com/pybrook/pybrook/wire"
)

// outputStreamName is the broker stream an output report's assembled
// records are appended to and published from.
func outputStreamName(report string) string {
	return "out:" + report
}

// Role is one output report's resolver: it joins every field the report
// declares by message-id and, once all have arrived, assembles and
// publishes the record.
type Role struct {
	client  *broker.Client
	report  model.OutputReport
	sep     byte
	group   string
	workers int
	ackWait time.Duration
	log     *logging.Logger
	metrics *metric.Metrics
	dlq     *dlq.Writer
	pending *pending.Store

	depStreams   []string
	depNames     []string
	outputStream string
	backlogLimit int
	inFlight     sync.Map // messageID -> struct{}, approximate backlog gauge

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

// WithLogger attaches a logger; the zero value logs nowhere.
func WithLogger(l *logging.Logger) Option {
	return func(r *Role) { r.log = l }
}

// WithMetrics attaches a metrics recorder.
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Role) { r.metrics = m }
}

// WithAckWait overrides the consumer groups' redelivery timeout.
func WithAckWait(d time.Duration) Option {
	return func(r *Role) { r.ackWait = d }
}

// WithBacklogLimit bounds how many in-flight message-ids this role holds
// before pausing reads, per spec.md §4.4's back-pressure rule.
func WithBacklogLimit(n int) Option {
	return func(r *Role) {
		if n > 0 {
			r.backlogLimit = n
		}
	}
}

// New constructs a resolver Role for report, joining the fields it
// declares and publishing assembled records through client.
func New(client *broker.Client, report model.OutputReport, compiled *model.CompiledModel, kv *broker.KVStore, sep byte, opts ...Option) (*Role, error) {
	depNames := make([]string, 0, len(report.Fields))
	depStreams := make([]string, 0, len(report.Fields))
	for _, ref := range report.Fields {
		stream, err := compiled.StreamName(ref.Name)
		if err != nil {
			return nil, err
		}
		depNames = append(depNames, ref.Name)
		depStreams = append(depStreams, stream)
	}
	sort.Strings(depNames)

	r := &Role{
		client:       client,
		report:       report,
		sep:          sep,
		group:        "resolve-" + report.Name,
		workers:      1,
		ackWait:      30 * time.Second,
		backlogLimit: 1000,
		log:          logging.Discard(),
		metrics:      metric.NewMetrics(),
		dlq:          dlq.NewWriter(client),
		pending:      pending.New(kv, sep),
		depStreams:   depStreams,
		depNames:     depNames,
		outputStream: outputStreamName(report.Name),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Initialize idempotently creates the durable consumer group on every
// field stream this report joins.
func (r *Role) Initialize(ctx context.Context) error {
	for _, stream := range r.depStreams {
		if err := r.client.CreateOrUpdateGroup(ctx, stream, r.group, r.ackWait); err != nil {
			return err
		}
	}
	return nil
}

// Start launches one reader loop per field stream and re-drives any
// message-ids left in StateReady by a prior crash between assembly and
// emission (spec.md §4.4's recovery case).
func (r *Role) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	ready, err := r.pending.ScanReady(ctx, r.report.Name, r.depNames)
	if err != nil {
		r.log.Errorf("resolver %s: scan pending on start failed: %v", r.report.Name, err)
	}
	for _, entry := range ready {
		if err := r.emit(ctx, entry.MessageID, entry.Values); err != nil {
			r.log.Errorf("resolver %s: re-emit %s failed: %v", r.report.Name, entry.MessageID, err)
		}
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

// Stop cancels every worker loop and waits up to timeout for them to
// drain.
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
		return errors.WrapTransient(fmt.Errorf("resolver %s: workers did not drain within %s", r.report.Name, timeout),
			"resolver", "Stop", "drain workers")
	}
}

func (r *Role) backlogLen() int {
	n := 0
	r.inFlight.Range(func(_, _ any) bool { n++; return true })
	return n
}

func (r *Role) loop(ctx context.Context, stream, depName, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if r.backlogLen() >= r.backlogLimit {
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
			r.log.Errorf("resolver %s: read %s failed: %v", r.report.Name, stream, err)
			r.metrics.RecordClassifiedError("resolver", errors.Classify(err).String())
			continue
		}

		for _, rec := range records {
			messageID, value, err := wire.DecodeFieldValueRaw(rec.Data)
			if err != nil {
				_ = r.dlq.Write(ctx, r.report.Name, dlq.Record{
					Stream: stream, Field: depName, Error: err.Error(), Time: time.Now().UTC(),
				})
				_ = r.client.Ack(ctx, rec)
				continue
			}

			r.inFlight.Store(messageID, struct{}{})

			entry, err := r.pending.Merge(ctx, r.report.Name, messageID, depName, value, r.depNames)
			if err != nil {
				r.log.Errorf("resolver %s: merge %s for %s failed: %v", r.report.Name, depName, messageID, err)
				r.metrics.RecordClassifiedError("resolver", errors.Classify(err).String())
				continue
			}

			if err := r.client.Ack(ctx, rec); err != nil {
				r.log.Errorf("resolver %s: ack failed: %v", r.report.Name, err)
			}

			if entry.State == pending.StateReady {
				if err := r.emit(ctx, messageID, entry.Values); err != nil {
					r.log.Errorf("resolver %s: emit %s failed: %v", r.report.Name, messageID, err)
					r.metrics.RecordClassifiedError("resolver", errors.Classify(err).String())
				}
			} else {
				r.metrics.RecordPendingBacklog(r.report.Name, r.backlogLen())
			}
		}
	}
}

// emit implements spec.md §4.4 step 5: assemble the record, append it to
// the output report's stream, publish it, and clear the join state.
func (r *Role) emit(ctx context.Context, messageID string, values map[string]any) error {
	defer r.inFlight.Delete(messageID)

	id, err := msgid.Parse(messageID, r.sep)
	if err != nil {
		return errors.WrapInvalid(err, "resolver", "emit", "parse message id")
	}

	record := wire.OutputRecord{Fields: values, MessageID: messageID, Source: id.Source()}
	data, err := record.MarshalJSON()
	if err != nil {
		return errors.WrapInvalid(err, "resolver", "emit", "encode output record")
	}

	if _, err := r.client.Append(ctx, r.outputStream, data); err != nil {
		return err
	}
	if err := r.client.Publish(ctx, r.outputStream, data); err != nil {
		r.log.Errorf("resolver %s: publish %s failed: %v", r.report.Name, messageID, err)
	}

	if err := r.pending.Delete(ctx, r.report.Name, messageID); err != nil {
		r.log.Errorf("resolver %s: delete pending for %s failed: %v", r.report.Name, messageID, err)
	}

	r.metrics.RecordReportResolved(r.report.Name)
	return nil
}
