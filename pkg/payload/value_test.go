// Tests for the payload value tree and its JSON codec
package payload

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKeepsKeyOrder(t *testing.T) {
	t.Parallel()

	v, err := Parse([]byte(`{"zeta": 1, "alpha": {"b": true, "a": null}, "mid": [1, "two", 3.5]}`))
	require.NoError(t, err)

	assert.Equal(t, KindMapping, v.Kind())
	assert.Equal(t, `{"zeta":1,"alpha":{"b":true,"a":null},"mid":[1,"two",3.5]}`, v.String())

	keys := make([]string, 0, v.Len())
	for _, e := range v.Entries() {
		keys = append(keys, e.Key)
	}
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, keys)
}

func TestParseKeepsNumberText(t *testing.T) {
	t.Parallel()

	v, err := Parse([]byte(`{"id": 12345678901234567890}`))
	require.NoError(t, err)
	assert.Equal(t, `{"id":12345678901234567890}`, v.String())
}

func TestParseRejectsMalformed(t *testing.T) {
	t.Parallel()

	for _, input := range []string{``, `nul`, `{"a":`, `[1,`, `tru`} {
		_, err := Parse([]byte(input))
		assert.Error(t, err, "input %q", input)
	}
}

func TestMappingRepeatedKeyKeepsPosition(t *testing.T) {
	t.Parallel()

	v := Mapping(
		Entry{Key: "a", Value: Int(1)},
		Entry{Key: "b", Value: Int(2)},
		Entry{Key: "a", Value: Int(3)},
	)
	assert.Equal(t, `{"a":3,"b":2}`, v.String())
}

func TestMarshalDoesNotEscapeHTML(t *testing.T) {
	t.Parallel()

	v := String("<a href=\"x\">&</a>")
	assert.Equal(t, `"<a href=\"x\">&</a>"`, v.String())
}

func TestNaNIsUnserializable(t *testing.T) {
	t.Parallel()

	_, err := Number(math.NaN()).MarshalJSON()
	require.Error(t, err)
	assert.Equal(t, unserializable, Mapping(Entry{Key: "x", Value: Number(math.Inf(1))}).String())
}

func TestValueAccessors(t *testing.T) {
	t.Parallel()

	v := Mapping(
		Entry{Key: "s", Value: String("hi")},
		Entry{Key: "n", Value: Number(2.5)},
		Entry{Key: "b", Value: Bool(true)},
		Entry{Key: "seq", Value: Sequence(Int(1), Int(2))},
	)

	s, ok := v.Get("s")
	require.True(t, ok)
	str, ok := s.Str()
	require.True(t, ok)
	assert.Equal(t, "hi", str)

	n, _ := v.Get("n")
	f, ok := n.Float()
	require.True(t, ok)
	assert.InDelta(t, 2.5, f, 1e-9)

	b, _ := v.Get("b")
	bv, ok := b.BoolValue()
	require.True(t, ok)
	assert.True(t, bv)

	seq, _ := v.Get("seq")
	assert.Equal(t, 2, seq.Len())
	assert.Equal(t, "2", seq.Index(1).String())
	assert.True(t, seq.Index(5).IsNull())

	_, ok = v.Get("missing")
	assert.False(t, ok)
	_, ok = String("x").Get("s")
	assert.False(t, ok)
}

func TestValueInsideStruct(t *testing.T) {
	t.Parallel()

	var doc struct {
		Input   Value `json:"input"`
		Missing Value `json:"missing"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"input": {"command": "ls -la"}}`), &doc))
	cmd, ok := doc.Input.Get("command")
	require.True(t, ok)
	assert.Equal(t, `"ls -la"`, cmd.String())
	assert.True(t, doc.Missing.IsNull())
}
