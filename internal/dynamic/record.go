// Package dynamic implements the schema-less key/value record handed to apps
// as configuration and event payloads.
//
// Keys pass through a normalization function on every write, read and merge.
// With case folding enabled the function lower-cases the key; otherwise it is
// the identity. Both behaviors are fixed when the record is constructed.
//
// A Record is not safe for concurrent mutation. Readers may share a record
// once its owner has stopped writing to it.
package dynamic

import (
	"errors"
	"fmt"
	"iter"
	"slices"
	"strings"
)

var (
	ErrMissingKey       = errors.New("dynamic: missing key")
	ErrTypeMismatch     = errors.New("dynamic: type mismatch")
	ErrDuplicateKey     = errors.New("dynamic: duplicate key")
	ErrUnsupportedValue = errors.New("dynamic: unsupported value")
)

type options struct {
	ignoreCase bool
	permissive bool
}

// Option configures a Record at construction.
type Option func(*options)

// IgnoreCase folds keys to lower case before every store and lookup.
func IgnoreCase() Option {
	return func(o *options) { o.ignoreCase = true }
}

// Permissive makes Get return Null for absent keys instead of ErrMissingKey.
func Permissive() Option {
	return func(o *options) { o.permissive = true }
}

// Record is an insertion-ordered mapping from normalized keys to Values.
type Record struct {
	opts   options
	keys   []string
	values map[string]Value
}

// New creates an empty record.
func New(opts ...Option) *Record {
	r := &Record{values: make(map[string]Value)}
	for _, opt := range opts {
		opt(&r.opts)
	}
	return r
}

// Import creates a record seeded with the entries of src.
func Import(src *Record, opts ...Option) *Record {
	return New(opts...).Merge(src)
}

// FromMap creates a record from a plain map. Map keys are inserted in sorted
// order; when two keys collide after normalization the first one wins.
func FromMap(m map[string]any, opts ...Option) (*Record, error) {
	return New(opts...).MergeMap(m)
}

// Options returns the construction options, for building sibling records.
func (r *Record) Options() []Option {
	var opts []Option
	if r.opts.ignoreCase {
		opts = append(opts, IgnoreCase())
	}
	if r.opts.permissive {
		opts = append(opts, Permissive())
	}
	return opts
}

func (r *Record) IgnoresCase() bool { return r.opts.ignoreCase }
func (r *Record) IsPermissive() bool { return r.opts.permissive }

// Normalize maps key to its stored form under this record's policy.
func (r *Record) Normalize(key string) string {
	return NormalizeKey(key, r.opts.ignoreCase)
}

// NormalizeKey is idempotent: NormalizeKey(NormalizeKey(k, f), f) == NormalizeKey(k, f).
func NormalizeKey(key string, ignoreCase bool) string {
	if ignoreCase {
		return strings.ToLower(key)
	}
	return key
}

// Lookup returns the stored value and whether the key is present.
func (r *Record) Lookup(key string) (Value, bool) {
	v, ok := r.values[r.Normalize(key)]
	return v, ok
}

// Get returns the stored value. Absent keys yield Null under the permissive
// policy and ErrMissingKey otherwise.
func (r *Record) Get(key string) (Value, error) {
	if v, ok := r.Lookup(key); ok {
		return v, nil
	}
	if r.opts.permissive {
		return Null(), nil
	}
	return Value{}, fmt.Errorf("%w: %q", ErrMissingKey, key)
}

// Set inserts or overwrites key. Overwriting keeps the original position.
func (r *Record) Set(key string, v Value) {
	r.put(r.Normalize(key), v)
}

// SetAny converts v with From before storing it.
func (r *Record) SetAny(key string, v any) error {
	val, err := From(v, r.Options()...)
	if err != nil {
		return fmt.Errorf("set %q: %w", key, err)
	}
	r.Set(key, val)
	return nil
}

// Add inserts key and fails if it is already present.
func (r *Record) Add(key string, v Value) error {
	if r.Has(key) {
		return fmt.Errorf("%w: %q", ErrDuplicateKey, key)
	}
	r.Set(key, v)
	return nil
}

func (r *Record) Has(key string) bool {
	_, ok := r.values[r.Normalize(key)]
	return ok
}

// Remove deletes key and reports whether it was present.
func (r *Record) Remove(key string) bool {
	nk := r.Normalize(key)
	if _, ok := r.values[nk]; !ok {
		return false
	}
	delete(r.values, nk)
	r.keys = slices.DeleteFunc(r.keys, func(k string) bool { return k == nk })
	return true
}

// Contains reports whether key is present with a value equal to v.
func (r *Record) Contains(key string, v Value) bool {
	got, ok := r.Lookup(key)
	return ok && got.Equal(v)
}

// RemovePair deletes key only when its value equals v.
func (r *Record) RemovePair(key string, v Value) bool {
	if !r.Contains(key, v) {
		return false
	}
	return r.Remove(key)
}

// Merge inserts every entry of other whose normalized key is not already
// present. Existing entries are never overwritten. Returns r for chaining.
func (r *Record) Merge(other *Record) *Record {
	if other == nil || other == r {
		return r
	}
	for _, k := range other.keys {
		nk := r.Normalize(k)
		if _, ok := r.values[nk]; ok {
			continue
		}
		r.put(nk, other.values[k])
	}
	return r
}

// MergeMap is Merge for plain maps, converting values with From.
func (r *Record) MergeMap(m map[string]any) (*Record, error) {
	for _, k := range sortedKeys(m) {
		nk := r.Normalize(k)
		if _, ok := r.values[nk]; ok {
			continue
		}
		v, err := From(m[k], r.Options()...)
		if err != nil {
			return r, fmt.Errorf("merge %q: %w", k, err)
		}
		r.put(nk, v)
	}
	return r, nil
}

func (r *Record) Len() int {
	if r == nil {
		return 0
	}
	return len(r.keys)
}

func (r *Record) Clear() {
	r.keys = nil
	r.values = make(map[string]Value)
}

// Keys returns the normalized keys in insertion order.
func (r *Record) Keys() []string {
	return slices.Clone(r.keys)
}

// All iterates entries in insertion order.
func (r *Record) All() iter.Seq2[string, Value] {
	return func(yield func(string, Value) bool) {
		for _, k := range r.keys {
			if !yield(k, r.values[k]) {
				return
			}
		}
	}
}

// Equal reports whether both records hold equal entries in the same order.
func (r *Record) Equal(o *Record) bool {
	if r == nil || o == nil {
		return r == o
	}
	if len(r.keys) != len(o.keys) {
		return false
	}
	for i, k := range r.keys {
		if o.keys[i] != k || !r.values[k].Equal(o.values[k]) {
			return false
		}
	}
	return true
}

// ToMap unwraps the record into plain Go values; nested records become maps.
func (r *Record) ToMap() map[string]any {
	out := make(map[string]any, len(r.keys))
	for _, k := range r.keys {
		v := r.values[k]
		if nested, ok := v.AsRecord(); ok {
			out[k] = nested.ToMap()
			continue
		}
		out[k] = v.Interface()
	}
	return out
}

// String renders "key = value" pairs joined by ", ".
func (r *Record) String() string {
	if r == nil {
		return ""
	}
	parts := make([]string, 0, len(r.keys))
	for _, k := range r.keys {
		parts = append(parts, k+" = "+r.values[k].String())
	}
	return strings.Join(parts, ", ")
}

func (r *Record) put(nk string, v Value) {
	if r.values == nil {
		r.values = make(map[string]Value)
	}
	if _, ok := r.values[nk]; !ok {
		r.keys = append(r.keys, nk)
	}
	r.values[nk] = v
}
