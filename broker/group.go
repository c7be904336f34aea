package broker

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/pybrook/pybrook/errors"
)

// Record is one entry read from a durable consumer group, carrying enough
// identity to Ack or reclaim it later.
type Record struct {
	Stream   string
	Subject  string
	Sequence uint64
	Data     []byte
	msg      jetstream.Msg
}

// Append publishes one record to a stream named after the report, creating
// the stream on first use, and returns the JetStream sequence number of the
// published message (the source of the message's append-only position).
func (m *Client) Append(ctx context.Context, stream string, data []byte) (uint64, error) {
	if m.Status() == StatusCircuitOpen {
		return 0, ErrCircuitOpen
	}
	if m.Status() != StatusConnected {
		return 0, ErrNotConnected
	}

	js, err := m.JetStream()
	if err != nil {
		m.recordFailure()
		return 0, err
	}

	if _, err := m.CreateStream(ctx, jetstream.StreamConfig{
		Name:     stream,
		Subjects: []string{stream},
	}); err != nil {
		m.recordFailure()
		return 0, errors.WrapTransient(err, "Client", "Append", "ensure stream exists")
	}

	ack, err := js.Publish(ctx, stream, data)
	if err != nil {
		m.recordFailure()
		return 0, errors.WrapTransient(err, "Client", "Append", "publish record")
	}

	m.resetCircuit()
	return ack.Sequence, nil
}

// CreateOrUpdateGroup idempotently creates a durable consumer (a consumer
// group) on a stream. Safe to call from every worker sharing the group.
func (m *Client) CreateOrUpdateGroup(ctx context.Context, stream, group string, ackWait time.Duration) error {
	if m.Status() == StatusCircuitOpen {
		return ErrCircuitOpen
	}

	js, err := m.JetStream()
	if err != nil {
		return err
	}

	if ackWait <= 0 {
		ackWait = 30 * time.Second
	}

	_, err = js.CreateOrUpdateConsumer(ctx, stream, jetstream.ConsumerConfig{
		Durable:       group,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       ackWait,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		m.recordFailure()
		return errors.WrapTransient(err, "Client", "CreateOrUpdateGroup", "create durable consumer")
	}

	m.resetCircuit()
	return nil
}

// ReadGroup pulls up to count undelivered (or redelivered) records for the
// given consumer group, blocking up to block waiting for at least one.
func (m *Client) ReadGroup(ctx context.Context, stream, group string, count int, block time.Duration) ([]Record, error) {
	if m.Status() == StatusCircuitOpen {
		return nil, ErrCircuitOpen
	}

	js, err := m.JetStream()
	if err != nil {
		return nil, err
	}

	consumer, err := js.Consumer(ctx, stream, group)
	if err != nil {
		m.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "ReadGroup", "lookup consumer")
	}

	fetchCtx, cancel := context.WithTimeout(ctx, block)
	defer cancel()

	batch, err := consumer.Fetch(count, jetstream.FetchMaxWait(block))
	if err != nil {
		m.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "ReadGroup", "fetch batch")
	}

	var records []Record
	for msg := range batch.Messages() {
		meta, metaErr := msg.Metadata()
		var seq uint64
		if metaErr == nil {
			seq = meta.Sequence.Stream
		}
		records = append(records, Record{
			Stream:   stream,
			Subject:  msg.Subject(),
			Sequence: seq,
			Data:     msg.Data(),
			msg:      msg,
		})
	}
	if err := batch.Error(); err != nil && len(records) == 0 {
		m.recordFailure()
		return nil, errors.WrapTransient(err, "Client", "ReadGroup", "drain batch")
	}

	select {
	case <-fetchCtx.Done():
	default:
	}

	m.resetCircuit()
	return records, nil
}

// Ack acknowledges one record, removing it from the consumer group's
// pending set so it is not redelivered.
func (m *Client) Ack(ctx context.Context, rec Record) error {
	if rec.msg == nil {
		return errors.WrapInvalid(fmt.Errorf("record has no underlying message"), "Client", "Ack", "ack record")
	}
	if err := rec.msg.Ack(); err != nil {
		return errors.WrapTransient(err, "Client", "Ack", "ack record")
	}
	return nil
}

// Claim reclaims entries that have been pending (delivered, unacked) for
// longer than minIdle, for redelivery to the calling worker. JetStream
// reclaims automatically on AckWait expiry; Claim reads the next pending
// batch, which will include any entries whose AckWait has elapsed.
func (m *Client) Claim(ctx context.Context, stream, group string, count int, minIdle time.Duration) ([]Record, error) {
	return m.ReadGroup(ctx, stream, group, count, minIdle)
}
