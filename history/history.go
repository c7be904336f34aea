// Package history stores the bounded per-(source, field) window of past
// values a derived field's historical dependencies read from: fixed
// capacity, oldest entry dropped on overflow, persisted in the broker's KV
// space via KVStore's ListPushIf/ListRange/ListTrim so every splitter or
// generator replica sees the same window.
package history

import (
	"context"
	"encoding/json"

	"github.com/pybrook/pybrook/broker"
	"github.com/pybrook/pybrook/errors"
)

// Store is a handle onto one field's historical window, scoped to a single
// source id so that two devices never share a ring buffer.
type Store struct {
	kv  *broker.KVStore
	sep byte
}

// entry is one historical value, tagged with the message-id sequence it was
// recorded at so callers can align historical windows across fields.
type entry struct {
	Seq   uint64 `json:"seq"`
	Value any    `json:"value"`
}

// New wraps kv as a history store. sep matches the engine's configured
// message-id separator and is used only to build KV keys, never to parse
// ids.
func New(kv *broker.KVStore, sep byte) *Store {
	return &Store{kv: kv, sep: sep}
}

func (s *Store) key(source, field string) string {
	return string(s.sep) + "hist" + string(s.sep) + field + string(s.sep) + source
}

// Push appends value, observed at sequence seq, to source's window for
// field, trimming the window to its most recent capacity entries. capacity
// is the field's largest declared historical window length across every
// dependent derived field.
//
// Push is idempotent in seq and monotonic: if the window's most recently
// recorded entry already carries seq or a seq newer than it, the call is a
// no-op rather than an append. Both the splitter (redelivery of an input
// record replays the same message-id per §7.5) and the generator (crash
// between publishing an output and deleting its pending state re-drives the
// same message-id via ScanReady) can call Push twice for the same (source,
// field, seq); without the seq guard the second call would duplicate the
// ring-buffer entry, spec.md §8 scenario 5. The monotonic half of the guard
// additionally protects a field with no self-historical dependency of its
// own: nothing else serializes its compute pool workers by source, so two
// messages for the same source can finish out of sequence order, and a
// straggler landing after its successor must be dropped rather than
// appended behind it, or Window's chronological order invariant breaks.
func (s *Store) Push(ctx context.Context, source, field string, seq uint64, value any, capacity int) error {
	if capacity <= 0 {
		return nil
	}
	raw, err := json.Marshal(entry{Seq: seq, Value: value})
	if err != nil {
		return errors.WrapInvalid(err, "history", "Push", "encode entry")
	}

	return s.kv.ListPushIf(ctx, s.key(source, field), raw, capacity, func(current [][]byte) bool {
		if len(current) == 0 {
			return false
		}
		var tail entry
		if err := json.Unmarshal(current[len(current)-1], &tail); err != nil {
			return false
		}
		return tail.Seq >= seq
	})
}

// TailSeq returns the sequence number of the most recently pushed entry for
// (source, field), and false if nothing has been pushed yet.
func (s *Store) TailSeq(ctx context.Context, source, field string) (uint64, bool, error) {
	raw, err := s.kv.ListRange(ctx, s.key(source, field))
	if err != nil {
		return 0, false, err
	}
	if len(raw) == 0 {
		return 0, false, nil
	}

	var tail entry
	if err := json.Unmarshal(raw[len(raw)-1], &tail); err != nil {
		return 0, false, errors.WrapInvalid(err, "history", "TailSeq", "decode tail entry")
	}
	return tail.Seq, true, nil
}

// Window returns the last length recorded values for (source, field),
// oldest first, with the most recently pushed entry last. Fewer than
// length entries are returned if the window hasn't filled yet.
func (s *Store) Window(ctx context.Context, source, field string, length int) ([]any, error) {
	raw, err := s.kv.ListRange(ctx, s.key(source, field))
	if err != nil {
		return nil, err
	}

	entries := make([]entry, 0, len(raw))
	for _, r := range raw {
		var e entry
		if err := json.Unmarshal(r, &e); err != nil {
			return nil, errors.WrapInvalid(err, "history", "Window", "decode entry")
		}
		entries = append(entries, e)
	}

	if length > 0 && len(entries) > length {
		entries = entries[len(entries)-length:]
	}

	values := make([]any, len(entries))
	for i, e := range entries {
		values[i] = e.Value
	}
	return values, nil
}

// Trim truncates source's window for field to its most recent capacity
// entries, used when a field's largest declared window shrinks after a
// redeploy.
func (s *Store) Trim(ctx context.Context, source, field string, capacity int) error {
	return s.kv.ListTrim(ctx, s.key(source, field), capacity)
}
