// Package metric defines the element value object shared by every stage of
// the pipeline: a named, valued, optionally tagged observation.
package metric

import (
	"fmt"
	"sort"
	"strings"
)

// Tags is a set of key/value metadata attached to an element. Tags take part
// in the aggregation grouping key: two elements with equal tag sets land in
// the same group.
type Tags map[string]string

// Element is a single metric data point, either raw (as sent by a caller) or
// derived (produced by window aggregation, with the aggregation identifier
// suffixed to the name, e.g. "wc.sum"). Elements are immutable once built.
type Element struct {
	Name  string
	Value float64
	Tags  Tags
}

// New creates an Element, copying tags so later mutation by the caller
// cannot leak into the pipeline. Nil and empty tags both yield nil tags.
func New(name string, value float64, tags Tags) Element {
	return Element{
		Name:  name,
		Value: value,
		Tags:  tags.clone(),
	}
}

func (e Element) String() string {
	return fmt.Sprintf("Element(name=%s, value=%v, tags=%v)", e.Name, e.Value, e.Tags)
}

// Equal reports structural equality on (name, value, tags).
func (e Element) Equal(other Element) bool {
	if e.Name != other.Name || e.Value != other.Value {
		return false
	}

	return e.Tags.Equal(other.Tags)
}

// GroupKey returns the grouping key for this element's tag set.
func (e Element) GroupKey() string {
	return e.Tags.Key()
}

// Key generates a stable string key from the tag set: tags sorted by field,
// each field and value colon-delimited, pairs pipe-delimited. Nil and empty
// tag sets both map to the empty key, so they group together.
//
//	Tags{"foo": "bar", "bat": "baz"}.Key() == "bat:baz|foo:bar"
//
// The delimiters are not escaped: fields must not contain ":" or "|", and
// values must not contain "|", or the key is ambiguous and TagsFromKey will
// not invert it.
func (t Tags) Key() string {
	if len(t) == 0 {
		return ""
	}

	pairs := make([]string, 0, len(t))
	for field, val := range t {
		pairs = append(pairs, field+":"+val)
	}

	sort.Strings(pairs)

	return strings.Join(pairs, "|")
}

// Equal reports whether two tag sets contain the same key/value pairs.
// A nil set equals an empty set.
func (t Tags) Equal(other Tags) bool {
	if len(t) != len(other) {
		return false
	}

	for field, val := range t {
		if ov, ok := other[field]; !ok || ov != val {
			return false
		}
	}

	return true
}

// Merge returns a new tag set with other laid over t: keys present in both
// take other's value. Returns nil when both sets are empty.
func (t Tags) Merge(other Tags) Tags {
	if len(other) == 0 {
		return t.clone()
	}

	if len(t) == 0 {
		return other.clone()
	}

	merged := make(Tags, len(t)+len(other))
	for field, val := range t {
		merged[field] = val
	}

	for field, val := range other {
		merged[field] = val
	}

	return merged
}

func (t Tags) clone() Tags {
	if len(t) == 0 {
		return nil
	}

	c := make(Tags, len(t))
	for field, val := range t {
		c[field] = val
	}

	return c
}

// TagsFromKey inverts Tags.Key. The empty key yields nil tags. It assumes
// the key honours Key's delimiter constraint; a value containing "|" is
// split as if it ended a pair.
func TagsFromKey(key string) Tags {
	if key == "" {
		return nil
	}

	pairs := strings.Split(key, "|")
	tags := make(Tags, len(pairs))

	for _, pair := range pairs {
		if pair == "" {
			continue
		}

		field, val, _ := strings.Cut(pair, ":")
		tags[field] = val
	}

	if len(tags) == 0 {
		return nil
	}

	return tags
}
