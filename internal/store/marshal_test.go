package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/qplan/internal/entity"
	"github.com/roach88/qplan/internal/ir"
	"github.com/roach88/qplan/internal/testutil"
)

func TestUnmarshalColumn(t *testing.T) {
	tests := []struct {
		name    string
		typ     entity.Type
		raw     any
		want    ir.Value
		wantErr bool
	}{
		{"null", entity.TypeInt, nil, ir.Null{}, false},
		{"int", entity.TypeInt, int64(42), ir.Int(42), false},
		{"int from text", entity.TypeInt, []byte("7"), ir.Int(7), false},
		{"bad int text", entity.TypeInt, "x", nil, true},
		{"bool", entity.TypeBool, int64(1), ir.Bool(true), false},
		{"bool false", entity.TypeBool, int64(0), ir.Bool(false), false},
		{"string", entity.TypeString, "hi", ir.String("hi"), false},
		{"string bytes", entity.TypeString, []byte("hi"), ir.String("hi"), false},
		{"float rejected", entity.TypeInt, 1.5, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := unmarshalColumn(tt.typ, tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestUnmarshalRow_CollapsesNullAssociation(t *testing.T) {
	member := testutil.MemberDescriptor()
	columns := []entity.Path{{"id"}, {"username"}, {"age"}, {"team", "id"}, {"team", "name"}}

	rec, err := unmarshalRow(member, columns, []any{int64(1), "m1", int64(3), nil, nil})
	require.NoError(t, err)
	assert.Equal(t, ir.Null{}, rec["team"])

	rec, err = unmarshalRow(member, columns, []any{int64(1), "m1", int64(3), int64(2), "teamB"})
	require.NoError(t, err)
	assert.Equal(t, testutil.Team(2, "teamB"), rec["team"])
}

func TestUnmarshalRow_UnknownColumn(t *testing.T) {
	_, err := unmarshalRow(testutil.MemberDescriptor(), []entity.Path{{"email"}}, []any{"x"})
	assert.Error(t, err)
}
