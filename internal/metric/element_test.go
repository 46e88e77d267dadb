package metric

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTags_Key(t *testing.T) {
	tests := []struct {
		name string
		tags Tags
		want string
	}{
		{"nil", nil, ""},
		{"empty", Tags{}, ""},
		{"single", Tags{"foo": "bar"}, "foo:bar"},
		{"sorted", Tags{"foo": "bar", "bat": "baz"}, "bat:baz|foo:bar"},
		{"env", Tags{"env": "dev", "foo": "bar"}, "env:dev|foo:bar"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.tags.Key())
		})
	}
}

func TestTagsFromKey(t *testing.T) {
	tests := []struct {
		name string
		key  string
		want Tags
	}{
		{"empty", "", nil},
		{"single", "foo:bar", Tags{"foo": "bar"}},
		{"multiple", "bat:baz|foo:bar", Tags{"bat": "baz", "foo": "bar"}},
		{"value_with_colon", "url:http://x", Tags{"url": "http://x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TagsFromKey(tt.key))
		})
	}
}

func TestTags_KeyRoundTrip(t *testing.T) {
	tags := Tags{"env": "dev", "foo": "bar", "bat": "baz"}
	assert.Equal(t, tags, TagsFromKey(tags.Key()))
}

func TestTagsFromKey_PipeInValueIsNotInvertible(t *testing.T) {
	// Key does not escape its delimiters, so a "|" inside a value splits
	// the pair. Documented constraint, not a round-trip guarantee.
	tags := Tags{"expr": "a|b"}

	got := TagsFromKey(tags.Key())
	assert.NotEqual(t, tags, got)
	assert.Equal(t, Tags{"expr": "a", "b": ""}, got)
}

func TestTags_Merge(t *testing.T) {
	tests := []struct {
		name     string
		base     Tags
		override Tags
		want     Tags
	}{
		{"both_nil", nil, nil, nil},
		{"base_only", Tags{"foo": "bar"}, nil, Tags{"foo": "bar"}},
		{"override_only", nil, Tags{"foo": "bar"}, Tags{"foo": "bar"}},
		{
			"override_wins",
			Tags{"foo": "bar"},
			Tags{"foo": "BAR"},
			Tags{"foo": "BAR"},
		},
		{
			"disjoint",
			Tags{"foo": "bar"},
			Tags{"bat": "baz"},
			Tags{"foo": "bar", "bat": "baz"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.base.Merge(tt.override))
		})
	}
}

func TestTags_MergeDoesNotMutate(t *testing.T) {
	base := Tags{"foo": "bar"}
	override := Tags{"foo": "BAR"}

	merged := base.Merge(override)

	assert.Equal(t, Tags{"foo": "BAR"}, merged)
	assert.Equal(t, Tags{"foo": "bar"}, base)
}

func TestElement_Equal(t *testing.T) {
	a := New("counts", 1, Tags{"env": "dev"})
	b := New("counts", 1, Tags{"env": "dev"})
	c := New("counts", 2, Tags{"env": "dev"})
	d := New("counts", 1, nil)

	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
	assert.False(t, a.Equal(d))
}

func TestElement_NilAndEmptyTagsNormalize(t *testing.T) {
	withNil := New("m", 1, nil)
	withEmpty := New("m", 1, Tags{})

	assert.True(t, withNil.Equal(withEmpty))
	assert.Equal(t, withNil.GroupKey(), withEmpty.GroupKey())
	assert.Nil(t, withEmpty.Tags)
}

func TestElement_NewCopiesTags(t *testing.T) {
	tags := Tags{"foo": "bar"}
	e := New("m", 1, tags)

	tags["foo"] = "mutated"

	assert.Equal(t, "bar", e.Tags["foo"])
}
