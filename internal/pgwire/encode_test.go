package pgwire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryrobes/larsql-sub001/internal/query"
)

func TestTextEncoding(t *testing.T) {
	cases := []struct {
		in   any
		want string
	}{
		{true, "t"},
		{false, "f"},
		{int64(42), "42"},
		{3.5, "3.5"},
		{"plain", "plain"},
	}
	for _, tc := range cases {
		got, err := encodeValue(tc.in, 0)
		require.NoError(t, err)
		assert.Equal(t, tc.want, string(got))
	}

	null, err := encodeValue(nil, 0)
	require.NoError(t, err)
	assert.Nil(t, null, "nil encodes as SQL NULL")
}

func TestBinaryEncoding(t *testing.T) {
	got, err := encodeValue(int32(42), 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0, 0, 42}, got)

	got, err = encodeValue(int64(1), 1)
	require.NoError(t, err)
	assert.EqualValues(t, 1, binary.BigEndian.Uint64(got))

	got, err = encodeValue(true, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, got)
}

func TestRowDescriptionInfersOIDs(t *testing.T) {
	rs := &query.ResultSet{
		Columns: []string{"flag", "n", "score", "name"},
		Rows:    [][]any{{true, int32(1), 1.5, "x"}},
	}
	rd := rowDescription(rs, nil)
	require.Len(t, rd.Fields, 4)
	assert.EqualValues(t, oidBool, rd.Fields[0].DataTypeOID)
	assert.EqualValues(t, oidInt4, rd.Fields[1].DataTypeOID)
	assert.EqualValues(t, oidFloat8, rd.Fields[2].DataTypeOID)
	assert.EqualValues(t, oidText, rd.Fields[3].DataTypeOID)
}

func TestSubstituteParams(t *testing.T) {
	// Text-format parameters inline as quoted literals.
	out, err := substituteParams("SELECT $1, $2", [][]byte{[]byte("a'b"), []byte("two")}, nil)
	require.NoError(t, err)
	assert.Equal(t, "SELECT 'a''b', 'two'", out)

	// Binary int4 inlines as a bare number; a $N inside a string literal
	// is left alone.
	out, err = substituteParams("SELECT '$1', $1::int", [][]byte{{0, 0, 0, 7}}, []int16{1})
	require.NoError(t, err)
	assert.Equal(t, "SELECT '$1', 7::int", out)

	// NULL parameter.
	out, err = substituteParams("SELECT $1", [][]byte{nil}, nil)
	require.NoError(t, err)
	assert.Equal(t, "SELECT NULL", out)
}
