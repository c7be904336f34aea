// Package wire defines the JSON envelopes carried on the engine's
// sub-streams: a per-field (message-id, value) pair, the splitter's
// identity record, and the resolver's assembled output record.
package wire

import "encoding/json"

// FieldValue is the payload of one entry on a `<report>:<field>` sub-stream:
// a single field's value for one message-id.
type FieldValue struct {
	MessageID string          `json:"_msg"`
	Value     json.RawMessage `json:"value"`
}

// EncodeFieldValue marshals value and wraps it with messageID for
// publication to a field's sub-stream.
func EncodeFieldValue(messageID string, value any) ([]byte, error) {
	raw, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(FieldValue{MessageID: messageID, Value: raw})
}

// DecodeFieldValue unmarshals one sub-stream entry and, separately, its
// value into dst.
func DecodeFieldValue(data []byte, dst any) (messageID string, err error) {
	var fv FieldValue
	if err := json.Unmarshal(data, &fv); err != nil {
		return "", err
	}
	if dst != nil && len(fv.Value) > 0 {
		if err := json.Unmarshal(fv.Value, dst); err != nil {
			return "", err
		}
	}
	return fv.MessageID, nil
}

// DecodeFieldValueRaw is DecodeFieldValue without unmarshaling the value,
// for callers that only need to pass it along opaquely (e.g. the resolver
// deciding only whether a field has arrived).
func DecodeFieldValueRaw(data []byte) (messageID string, value any, err error) {
	var fv FieldValue
	if err := json.Unmarshal(data, &fv); err != nil {
		return "", nil, err
	}
	var v any
	if len(fv.Value) > 0 {
		if err := json.Unmarshal(fv.Value, &v); err != nil {
			return "", nil, err
		}
	}
	return fv.MessageID, v, nil
}

// IdentityRecord is the `<report>:_id` sub-stream entry generators use when
// they need the source id itself rather than a declared field's value.
type IdentityRecord struct {
	MessageID string `json:"_msg"`
	Source    string `json:"source"`
	Seq       uint64 `json:"seq"`
}

// OutputRecord is the assembled record the resolver appends to an output
// report's stream and publishes on its channel.
type OutputRecord struct {
	Fields    map[string]any `json:"-"`
	MessageID string         `json:"_msg"`
	Source    string         `json:"_source"`
}

// MarshalJSON flattens Fields alongside the _msg/_source envelope keys,
// matching the `{ field: value, ..., _msg, _source }` shape spec'd for
// output records.
func (o OutputRecord) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(o.Fields)+2)
	for k, v := range o.Fields {
		out[k] = v
	}
	out["_msg"] = o.MessageID
	out["_source"] = o.Source
	return json.Marshal(out)
}
