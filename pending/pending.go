// Package pending implements the resolver's join state machine: each
// output report's message-id accumulates field values until every field it
// needs has arrived, tracked as EMPTY -> PARTIAL -> READY, with EMITTED
// represented implicitly by the entry's removal once the resolver has
// appended and published the assembled record.
package pending

import (
	"context"
	"encoding/json"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/pybrook/pybrook/broker"
	"github.com/pybrook/pybrook/errors"
)

// State is one join's position in its lifecycle.
type State int

const (
	// StateEmpty is never observed directly; it is the state of a
	// message-id before its first field arrives, i.e. before any entry
	// exists in the store.
	StateEmpty State = iota
	// StatePartial means at least one but not every required field has
	// arrived.
	StatePartial
	// StateReady means every required field has arrived and the entry is
	// ready to be assembled and emitted.
	StateReady
	// StateEmitted means the resolver has appended and published the
	// assembled record; the entry no longer exists in the store.
	StateEmitted
)

func (s State) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StatePartial:
		return "partial"
	case StateReady:
		return "ready"
	case StateEmitted:
		return "emitted"
	default:
		return "unknown"
	}
}

// Entry is one message-id's join state for one output report.
type Entry struct {
	MessageID string         `json:"message_id"`
	Values    map[string]any `json:"values"`
	State     State          `json:"state"`
}

// Store persists join state in the broker's KV space, keyed per (report,
// message-id) so that two output reports never share a pending entry even
// if a message-id collides between them.
type Store struct {
	kv  *broker.KVStore
	sep byte
}

// New wraps kv as a pending store.
func New(kv *broker.KVStore, sep byte) *Store {
	return &Store{kv: kv, sep: sep}
}

func (s *Store) key(report, messageID string) string {
	return string(s.sep) + "pending" + string(s.sep) + report + string(s.sep) + messageID
}

// Merge records one field's value against (report, messageID), creating the
// entry on first arrival, and returns its state after the merge. required
// is the full set of field names the output report needs; the entry
// reaches StateReady once every one of them has a value.
func (s *Store) Merge(ctx context.Context, report, messageID, field string, value any, required []string) (Entry, error) {
	var result Entry
	err := s.kv.UpdateWithRetry(ctx, s.key(report, messageID), func(current []byte) ([]byte, error) {
		entry := Entry{MessageID: messageID, Values: map[string]any{}}
		if len(current) > 0 {
			if err := json.Unmarshal(current, &entry); err != nil {
				return nil, errors.WrapInvalid(err, "pending", "Merge", "decode entry")
			}
		}
		if entry.Values == nil {
			entry.Values = map[string]any{}
		}

		entry.Values[field] = value
		entry.State = stateFor(entry.Values, required)
		result = entry

		return json.Marshal(entry)
	})
	if err != nil {
		return Entry{}, err
	}
	return result, nil
}

// Get returns the current entry for (report, messageID), with ok=false if
// no field has arrived yet (StateEmpty).
func (s *Store) Get(ctx context.Context, report, messageID string, required []string) (Entry, bool, error) {
	kvEntry, err := s.kv.Get(ctx, s.key(report, messageID))
	if err != nil {
		if err == broker.ErrKVKeyNotFound {
			return Entry{MessageID: messageID, State: StateEmpty}, false, nil
		}
		return Entry{}, false, err
	}

	var entry Entry
	if err := json.Unmarshal(kvEntry.Value, &entry); err != nil {
		return Entry{}, false, errors.WrapInvalid(err, "pending", "Get", "decode entry")
	}
	entry.State = stateFor(entry.Values, required)
	return entry, true, nil
}

// Delete removes a message-id's join state once the resolver has emitted
// it, the join's transition to StateEmitted.
func (s *Store) Delete(ctx context.Context, report, messageID string) error {
	return s.kv.Delete(ctx, s.key(report, messageID))
}

// ScanReady enumerates every entry currently persisted for report and
// returns those already in StateReady, for a role to re-drive on restart: a
// crash between computing a value and deleting its pending entry leaves the
// entry Ready in the KV space with no further input arriving to trigger it.
func (s *Store) ScanReady(ctx context.Context, report string, required []string) ([]Entry, error) {
	watcher, err := s.kv.Watch(ctx, s.key(report, "*"))
	if err != nil {
		return nil, err
	}
	defer watcher.Stop()

	var out []Entry
	for {
		select {
		case upd, ok := <-watcher.Updates():
			if !ok {
				return out, nil
			}
			if upd == nil {
				// nil marks "caught up with current state"; recovery only
				// cares about the snapshot at restart, not later changes.
				return out, nil
			}
			if upd.Operation() != jetstream.KeyValuePut {
				continue
			}
			var entry Entry
			if err := json.Unmarshal(upd.Value(), &entry); err != nil {
				continue
			}
			entry.State = stateFor(entry.Values, required)
			if entry.State == StateReady {
				out = append(out, entry)
			}
		case <-ctx.Done():
			return out, ctx.Err()
		}
	}
}

func stateFor(values map[string]any, required []string) State {
	if len(values) == 0 {
		return StateEmpty
	}
	for _, name := range required {
		if _, ok := values[name]; !ok {
			return StatePartial
		}
	}
	return StateReady
}
