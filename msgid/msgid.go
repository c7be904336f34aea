// Package msgid implements the engine's message identifier: a per-source
// monotonic sequence number joined to the source id, grounded on the
// counter key format the original splitter used to number records
// (<separator>id<separator><source>), kept here as the KV key the
// splitter increments to mint new ids.
package msgid

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/pybrook/pybrook/errors"
)

// ID identifies one record flowing through the engine: the device
// (source) it came from and its position in that source's stream.
type ID struct {
	source string
	seq    uint64
	sep    byte
}

// New constructs an ID from its parts.
func New(source string, seq uint64, sep byte) ID {
	return ID{source: source, seq: seq, sep: sep}
}

// Source returns the originating device id.
func (id ID) Source() string { return id.source }

// Seq returns the monotonic sequence number within Source.
func (id ID) Seq() uint64 { return id.seq }

// String renders "<source><sep><seq>".
func (id ID) String() string {
	return id.source + string(id.sep) + strconv.FormatUint(id.seq, 10)
}

// Parse splits a rendered id back into its source and sequence, using the
// last occurrence of sep as the split point so a source id may itself
// contain sep everywhere except as its final character.
func Parse(s string, sep byte) (ID, error) {
	i := strings.LastIndexByte(s, sep)
	if i < 0 || i == len(s)-1 {
		return ID{}, errors.WrapInvalid(
			fmt.Errorf("no separator %q found in %q", sep, s),
			"msgid", "Parse", "split message id")
	}

	seq, err := strconv.ParseUint(s[i+1:], 10, 64)
	if err != nil {
		return ID{}, errors.WrapInvalid(err, "msgid", "Parse", "parse sequence number")
	}

	return ID{source: s[:i], seq: seq, sep: sep}, nil
}

// CounterKey is the KV key the splitter increments to assign the next
// sequence number for source, following the original implementation's
// <sep>id<sep><source> layout.
func CounterKey(source string, sep byte) string {
	return string(sep) + "id" + string(sep) + source
}

// ContainsSeparator reports whether s contains sep anywhere.
func ContainsSeparator(s string, sep byte) bool {
	return strings.IndexByte(s, sep) >= 0
}
