package resp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeAll(t *testing.T, dec *Decoder) []*Value {
	t.Helper()
	var values []*Value
	for {
		value, err := dec.Next()
		require.NoError(t, err)
		if value == nil {
			return values
		}
		values = append(values, value)
	}
}

func TestDecodeSimpleTypes(t *testing.T) {
	dec := &Decoder{}
	dec.Receive([]byte("+OK\r\n-ERR unknown command\r\n:42\r\n:-7\r\n"))
	values := decodeAll(t, dec)
	require.Len(t, values, 4)
	assert.Equal(t, Value{Kind: SimpleString, Str: "OK"}, *values[0])
	assert.Equal(t, Value{Kind: ErrorString, Str: "ERR unknown command"}, *values[1])
	assert.Equal(t, int64(42), values[2].Int)
	assert.Equal(t, int64(-7), values[3].Int)
}

func TestDecodeBulkNullVersusEmpty(t *testing.T) {
	dec := &Decoder{}
	dec.Receive([]byte("$0\r\n\r\n$-1\r\n"))
	values := decodeAll(t, dec)
	require.Len(t, values, 2)
	// Length 0 is an empty, non-null byte sequence.
	assert.False(t, values[0].Null)
	assert.NotNil(t, values[0].Bulk)
	assert.Len(t, values[0].Bulk, 0)
	// Length -1 is null.
	assert.True(t, values[1].Null)
	assert.Nil(t, values[1].Bulk)
}

func TestDecodeArrayNullVersusEmpty(t *testing.T) {
	dec := &Decoder{}
	dec.Receive([]byte("*0\r\n*-1\r\n"))
	values := decodeAll(t, dec)
	require.Len(t, values, 2)
	assert.False(t, values[0].Null)
	assert.True(t, values[1].Null)
}

func TestDecodeBinaryBulk(t *testing.T) {
	dec := &Decoder{}
	payload := []byte{0, 1, 2, '\r', '\n', 0xff, '.', 0}
	dec.Receive(EncodeValue(Value{Kind: BulkString, Bulk: payload}))
	values := decodeAll(t, dec)
	require.Len(t, values, 1)
	assert.Equal(t, payload, values[0].Bulk)
}

func TestDecodeChunkedCommand(t *testing.T) {
	// The literal chunk boundaries of the end-to-end scenario: split inside the
	// content of two bulk strings and just before the trailer of another.
	chunks := []string{"*3\r\n$3\r\nS", "ET\r\n$1\r\nk", "\r\n$5\r\nva", "lue\r\n"}
	dec := &Decoder{}
	for i, chunk := range chunks {
		dec.Receive([]byte(chunk))
		if i < len(chunks)-1 {
			value, err := dec.Next()
			require.NoError(t, err)
			require.Nil(t, value, "value must not complete before the final chunk")
		}
	}
	value, err := dec.Next()
	require.NoError(t, err)
	require.NotNil(t, value)
	require.Equal(t, Array, value.Kind)
	require.Len(t, value.Array, 3)
	assert.Equal(t, "SET", string(value.Array[0].Bulk))
	assert.Equal(t, "k", string(value.Array[1].Bulk))
	assert.Equal(t, "value", string(value.Array[2].Bulk))
	value, err = dec.Next()
	require.NoError(t, err)
	assert.Nil(t, value)
}

func TestDecodeEveryChunkBoundary(t *testing.T) {
	// For every split point of the stream, feeding the two halves yields the same
	// values as feeding the stream whole.
	stream := EncodeCommand("SET", "key", []byte{0, '\r', '\n', '.'})
	stream = append(stream, EncodeValue(Value{Kind: Array, Array: []Value{
		{Kind: Integer, Int: 9},
		{Kind: BulkString, Null: true},
		{Kind: Array, Array: []Value{{Kind: SimpleString, Str: "nested"}}},
	}})...)
	whole := &Decoder{}
	whole.Receive(stream)
	expected := decodeAll(t, whole)
	for split := 1; split < len(stream); split++ {
		dec := &Decoder{}
		dec.Receive(stream[:split])
		values := decodeAll(t, dec)
		dec.Receive(stream[split:])
		values = append(values, decodeAll(t, dec)...)
		require.Len(t, values, len(expected), "split at %d", split)
		for i := range values {
			assert.True(t, values[i].Equal(*expected[i]), "split at %d, value %d", split, i)
		}
	}
}

func TestDecodeHugeArrayHeaderDoesNotAllocate(t *testing.T) {
	// A structurally valid header declaring two billion elements arrives with no
	// element bytes behind it; the decoder must treat it as incomplete rather than
	// reserving capacity for the announced count.
	dec := &Decoder{}
	dec.Receive([]byte("*2000000000\r\n"))
	value, err := dec.Next()
	require.NoError(t, err)
	assert.Nil(t, value)
	// A fresh decoder given an ordinary array header with its element behind it
	// decodes it in full.
	dec = &Decoder{}
	dec.Receive([]byte("*1\r\n:5\r\n"))
	value, err = dec.Next()
	require.NoError(t, err)
	require.NotNil(t, value)
	assert.Equal(t, int64(5), value.Array[0].Int)
}

func TestRoundTrip(t *testing.T) {
	cases := []Value{
		{Kind: SimpleString, Str: "PONG"},
		{Kind: ErrorString, Str: "WRONGTYPE bad"},
		{Kind: Integer, Int: -9223372036854775808},
		{Kind: BulkString, Bulk: []byte{}},
		{Kind: BulkString, Null: true},
		{Kind: Array, Null: true},
		{Kind: Array, Array: []Value{}},
		{Kind: Array, Array: []Value{
			{Kind: BulkString, Bulk: []byte("a")},
			{Kind: Array, Array: []Value{{Kind: Integer, Int: 1}, {Kind: BulkString, Null: true}}},
		}},
	}
	for _, original := range cases {
		dec := &Decoder{}
		dec.Receive(EncodeValue(original))
		value, err := dec.Next()
		require.NoError(t, err)
		require.NotNil(t, value, "case %v", original)
		assert.True(t, value.Equal(original), "round trip of %v produced %v", original, value)
	}
}

func TestDecodeFormatErrors(t *testing.T) {
	dec := &Decoder{}
	dec.Receive([]byte("$3\r\nabcX\r\n"))
	_, err := dec.Next()
	assert.Error(t, err, "bulk without trailing CRLF must fail")

	dec = &Decoder{}
	dec.Receive([]byte("?what\r\n"))
	_, err = dec.Next()
	assert.Error(t, err, "unknown prefix must fail")

	dec = &Decoder{InlineLimit: 8}
	dec.Receive([]byte("+aaaaaaaaaaaaaaaaaaaaaa"))
	_, err = dec.Next()
	assert.Error(t, err, "line exceeding the inline limit must fail")
}

func TestEncodeCommandConversions(t *testing.T) {
	encoded := EncodeCommand("SET", 1, int64(2), 3.5, []byte("raw"))
	dec := &Decoder{}
	dec.Receive(encoded)
	value, err := dec.Next()
	require.NoError(t, err)
	require.Len(t, value.Array, 5)
	assert.Equal(t, "1", string(value.Array[1].Bulk))
	assert.Equal(t, "2", string(value.Array[2].Bulk))
	assert.Equal(t, "3.5", string(value.Array[3].Bulk))
	assert.Equal(t, "raw", string(value.Array[4].Bulk))
}

func TestEncodeInline(t *testing.T) {
	assert.Equal(t, "PING\r\n", string(EncodeInline("PING")))
	assert.Equal(t, "SET k v\r\n", string(EncodeInline("SET", "k", "v")))
}
