package ir

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromAny(t *testing.T) {
	tests := []struct {
		name  string
		input any
		want  Value
	}{
		{"nil", nil, Null{}},
		{"string", "AAA", String("AAA")},
		{"bytes", []byte("raw"), String("raw")},
		{"int", 15, Int(15)},
		{"int64", int64(-3), Int(-3)},
		{"bool", true, Bool(true)},
		{"integral float", float64(20), Int(20)},
		{"json number", json.Number("42"), Int(42)},
		{"list", []any{"AAA", "BBB"}, List{String("AAA"), String("BBB")}},
		{"string slice", []string{"x"}, List{String("x")}},
		{"record", map[string]any{"name": "teamA"}, Record{"name": String("teamA")}},
		{"value passthrough", Int(7), Int(7)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromAny(tt.input)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFromAnyRejectsFloats(t *testing.T) {
	_, err := FromAny(1.5)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "floats are forbidden")

	_, err = FromAny(json.Number("1e3"))
	require.Error(t, err)

	_, err = FromAny([]any{"ok", 2.25})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[1]")
}

func TestToAnyRoundTrip(t *testing.T) {
	rec := Record{
		"username": String("m1"),
		"age":      Int(10),
		"active":   Bool(true),
		"team":     Record{"name": String("teamA")},
		"tags":     List{String("a")},
		"missing":  Null{},
	}

	native := ToAny(rec)
	back, err := FromAny(native)
	require.NoError(t, err)
	assert.True(t, Equal(rec, back))
}

func TestRecordGet(t *testing.T) {
	rec := Record{
		"username": String("m1"),
		"team":     Record{"name": String("teamA")},
	}

	v, ok := rec.Get("team", "name")
	require.True(t, ok)
	assert.Equal(t, String("teamA"), v)

	_, ok = rec.Get("team", "missing")
	assert.False(t, ok)

	_, ok = rec.Get("username", "name")
	assert.False(t, ok, "cannot walk through a scalar")
}

func TestRecordCloneIsDeep(t *testing.T) {
	rec := Record{"team": Record{"name": String("teamA")}}
	clone := rec.Clone()
	clone["team"].(Record)["name"] = String("teamB")

	v, _ := rec.Get("team", "name")
	assert.Equal(t, String("teamA"), v)
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b Value
		want int
		ok   bool
	}{
		{"int less", Int(1), Int(2), -1, true},
		{"int equal", Int(2), Int(2), 0, true},
		{"string greater", String("member5"), String("member1"), 1, true},
		{"bool false first", Bool(false), Bool(true), -1, true},
		{"null first", Null{}, Int(0), -1, true},
		{"both null", Null{}, nil, 0, true},
		{"mixed kinds", Int(1), String("1"), 0, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Compare(tt.a, tt.b)
			assert.Equal(t, tt.ok, ok)
			if tt.ok {
				assert.Equal(t, tt.want, got)
			}
		})
	}
}

func TestRecordMarshalJSONSortsKeys(t *testing.T) {
	rec := Record{"username": String("m1"), "age": Int(0)}
	b, err := json.Marshal(rec)
	require.NoError(t, err)
	assert.Equal(t, `{"age":0,"username":"m1"}`, string(b))
}
