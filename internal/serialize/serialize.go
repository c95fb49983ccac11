// Package serialize implements the pluggable type-to-JSON encoder
// registry (the Serializer component) and the canonical-encoding
// fingerprint used for send deduplication.
package serialize

import (
	"crypto/md5"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"time"
)

// ErrDuplicateType is returned by Register when a type (or predicate)
// has already been given an encoder.
var ErrDuplicateType = errors.New("serialize: type already has a preprocessor")

// ErrUnsupportedType is returned when a value has no applicable encoder.
var ErrUnsupportedType = errors.New("serialize: unsupported type")

// Encoder converts a value of some registered type into a
// JSON-marshalable value (builtins, maps, slices, or further
// encoder-registered types).
type Encoder func(v any) (any, error)

// entry pairs a match predicate with its encoder and a label used for
// duplicate-detection and error messages.
type entry struct {
	label   string
	match   func(v any) bool
	exact   reflect.Type
	encoder Encoder
}

// Registry is a type -> encoder mapping, checked by exact type first
// and then, in registration order, by predicate (the "superclass"
// fallback described by the original Python implementation's isinstance
// chain). The zero value is usable but has no base registrations; use
// New for one preloaded with date/time/set support.
type Registry struct {
	entries []entry
	byType  map[reflect.Type]int
}

// New returns a Registry with the base registrations: time.Time as a
// date-time string, Date as a date-only string, and StringSet as a
// sorted array.
func New() *Registry {
	r := &Registry{byType: map[reflect.Type]int{}}
	must(r.Register(Date{}, func(v any) (any, error) {
		return v.(Date).Time.Format("2006-01-02"), nil
	}))
	must(r.Register(time.Time{}, func(v any) (any, error) {
		return v.(time.Time).Format("2006-01-02 15:04:05.000000"), nil
	}))
	must(r.Register(StringSet{}, func(v any) (any, error) {
		return v.(StringSet).Sorted(), nil
	}))
	return r
}

func must(err error) {
	if err != nil {
		panic(err)
	}
}

// Date wraps time.Time to distinguish a date-only value from a full
// timestamp; the two get different canonical encodings.
type Date struct{ time.Time }

// StringSet is a set of strings, encoded as a sorted JSON array.
type StringSet map[string]struct{}

// NewStringSet builds a StringSet from a slice, discarding duplicates.
func NewStringSet(values ...string) StringSet {
	s := make(StringSet, len(values))
	for _, v := range values {
		s[v] = struct{}{}
	}
	return s
}

// Sorted returns the set's members in ascending order.
func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Register associates the exact type of sample with an encoder.
// Registering the same type twice returns ErrDuplicateType.
func (r *Registry) Register(sample any, enc Encoder) error {
	t := reflect.TypeOf(sample)
	if _, exists := r.byType[t]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateType, t)
	}
	r.byType[t] = len(r.entries)
	r.entries = append(r.entries, entry{
		label:   t.String(),
		exact:   t,
		encoder: enc,
	})
	return nil
}

// RegisterPredicate associates encoder with any value for which match
// returns true, consulted only after exact-type lookup fails, in
// registration order — this is the isinstance-style superclass
// fallback the original registry used for encoder reuse across related
// types.
func (r *Registry) RegisterPredicate(label string, match func(v any) bool, enc Encoder) error {
	for _, e := range r.entries {
		if e.label == label {
			return fmt.Errorf("%w: %s", ErrDuplicateType, label)
		}
	}
	r.entries = append(r.entries, entry{label: label, match: match, encoder: enc})
	return nil
}

// Encode converts v using the registered encoder for its exact type,
// falling back to the first matching predicate. It returns
// ErrUnsupportedType if nothing applies, including for builtin
// JSON-compatible values; Prepare is what passes those through.
func (r *Registry) Encode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	t := reflect.TypeOf(v)
	if idx, ok := r.byType[t]; ok {
		return r.entries[idx].encoder(v)
	}
	for _, e := range r.entries {
		if e.exact != nil {
			continue
		}
		if e.match(v) {
			return e.encoder(v)
		}
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedType, v)
}

// Prepare recursively walks v, replacing any registered type with its
// encoded form, so the result is safe to pass to encoding/json.Marshal.
// Values already JSON-native pass through unchanged.
func (r *Registry) Prepare(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, string, float64, json.Number,
		int, int32, int64, uint, uint32, uint64, float32:
		return x, nil
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			p, err := r.Prepare(val)
			if err != nil {
				return nil, err
			}
			out[k] = p
		}
		return out, nil
	case []any:
		out := make([]any, len(x))
		for i, val := range x {
			p, err := r.Prepare(val)
			if err != nil {
				return nil, err
			}
			out[i] = p
		}
		return out, nil
	}

	encoded, err := r.Encode(v)
	if err != nil {
		// Not registered and not a builtin: let json.Marshal try its
		// own struct/slice/map handling rather than failing outright.
		// This keeps plain Go structs usable as RPC return values
		// without requiring registration for every DTO.
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Slice, reflect.Array:
			out := make([]any, rv.Len())
			for i := 0; i < rv.Len(); i++ {
				p, perr := r.Prepare(rv.Index(i).Interface())
				if perr != nil {
					return nil, perr
				}
				out[i] = p
			}
			return out, nil
		case reflect.Map:
			out := make(map[string]any, rv.Len())
			iter := rv.MapRange()
			for iter.Next() {
				p, perr := r.Prepare(iter.Value().Interface())
				if perr != nil {
					return nil, perr
				}
				out[fmt.Sprint(iter.Key().Interface())] = p
			}
			return out, nil
		}
		return v, nil
	}
	return r.Prepare(encoded)
}

// CanonicalJSON encodes v with sorted object keys and the tightest
// separators (no whitespace) — the wire format used for outbound
// frames and the only format Fingerprint ever hashes. encoding/json's
// Marshal already sorts map[string]any keys and emits compact output,
// so no custom writer is required once v has passed through Prepare.
func (r *Registry) CanonicalJSON(v any) ([]byte, error) {
	prepared, err := r.Prepare(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(prepared)
}

// Fingerprint is a 128-bit digest of a value's canonical JSON encoding,
// used only for equality comparison when deciding whether to suppress
// a repeated send.
type Fingerprint [16]byte

// ComputeFingerprint hashes v's canonical encoding.
func (r *Registry) ComputeFingerprint(v any) (Fingerprint, error) {
	data, err := r.CanonicalJSON(v)
	if err != nil {
		return Fingerprint{}, err
	}
	return Fingerprint(md5.Sum(data)), nil
}
