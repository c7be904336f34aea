package broker

import (
	"context"
	"encoding/json"

	"github.com/pybrook/pybrook/errors"
)

// ListPush appends value to the JSON-encoded slice stored at key, trimming
// the result to at most maxLen entries (oldest dropped first). JetStream KV
// has no native list primitive, so the ring buffer is emulated as a single
// value updated under CAS via UpdateWithRetry.
func (kv *KVStore) ListPush(ctx context.Context, key string, value []byte, maxLen int) error {
	return kv.ListPushIf(ctx, key, value, maxLen, nil)
}

// ListPushIf is ListPush with a skip predicate: before appending, skip is
// called with the current decoded list, and if it returns true the update is
// a no-op (the update function returns the current value unchanged). Callers use this to
// make a push idempotent against redelivery, e.g. skipping an append whose
// value would duplicate the list's tail entry. When skip fires,
// UpdateWithRetry itself recognizes the unchanged return value and skips the
// write RPC, so a redelivered push costs one read and no write.
func (kv *KVStore) ListPushIf(ctx context.Context, key string, value []byte, maxLen int, skip func(current [][]byte) bool) error {
	return kv.UpdateWithRetry(ctx, key, func(current []byte) ([]byte, error) {
		var list [][]byte
		if len(current) > 0 {
			if err := json.Unmarshal(current, &list); err != nil {
				return nil, errors.WrapInvalid(err, "KVStore", "ListPushIf", "decode current list")
			}
		}

		if skip != nil && skip(list) {
			return current, nil
		}

		list = append(list, value)
		if maxLen > 0 && len(list) > maxLen {
			list = list[len(list)-maxLen:]
		}

		return json.Marshal(list)
	})
}

// ListRange returns the full list stored at key, oldest entry first. A
// missing key returns an empty list, not an error.
func (kv *KVStore) ListRange(ctx context.Context, key string) ([][]byte, error) {
	entry, err := kv.Get(ctx, key)
	if err != nil {
		if err == ErrKVKeyNotFound {
			return nil, nil
		}
		return nil, err
	}

	var list [][]byte
	if len(entry.Value) > 0 {
		if err := json.Unmarshal(entry.Value, &list); err != nil {
			return nil, errors.WrapInvalid(err, "KVStore", "ListRange", "decode list")
		}
	}
	return list, nil
}

// ListTrim truncates the list stored at key to its last maxLen entries.
func (kv *KVStore) ListTrim(ctx context.Context, key string, maxLen int) error {
	return kv.UpdateWithRetry(ctx, key, func(current []byte) ([]byte, error) {
		var list [][]byte
		if len(current) > 0 {
			if err := json.Unmarshal(current, &list); err != nil {
				return nil, errors.WrapInvalid(err, "KVStore", "ListTrim", "decode current list")
			}
		}
		if maxLen > 0 && len(list) > maxLen {
			list = list[len(list)-maxLen:]
		}
		return json.Marshal(list)
	})
}

// Incr atomically increments the integer counter stored at key and returns
// its new value, creating the key with value 1 if absent.
func (kv *KVStore) Incr(ctx context.Context, key string) (int64, error) {
	var next int64
	err := kv.UpdateWithRetry(ctx, key, func(current []byte) ([]byte, error) {
		var n int64
		if len(current) > 0 {
			if err := json.Unmarshal(current, &n); err != nil {
				return nil, errors.WrapInvalid(err, "KVStore", "Incr", "decode counter")
			}
		}
		n++
		next = n
		return json.Marshal(n)
	})
	if err != nil {
		return 0, err
	}
	return next, nil
}
