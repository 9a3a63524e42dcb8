package compress

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	inputs := map[string][]byte{
		"empty":        {},
		"short":        []byte("x"),
		"repetitive":   bytes.Repeat([]byte("oplog entry "), 500),
		"incompressed": {0x8f, 0x01, 0x33, 0xfe, 0x42, 0x00, 0x17},
	}

	for _, typ := range []Type{None, Snappy, LZ4, Zstd} {
		for name, input := range inputs {
			t.Run(typ.String()+"/"+name, func(t *testing.T) {
				framed, err := Encode(typ, input)
				require.NoError(t, err)

				out, err := Decode(framed)
				require.NoError(t, err)
				assert.Equal(t, len(input), len(out))
				assert.True(t, bytes.Equal(input, out))
			})
		}
	}
}

func TestEncodeShrinksRepetitiveInput(t *testing.T) {
	input := bytes.Repeat([]byte("abcdefgh"), 1024)
	for _, typ := range []Type{Snappy, LZ4, Zstd} {
		framed, err := Encode(typ, input)
		require.NoError(t, err)
		assert.Equal(t, byte(typ), framed[0], typ.String())
		assert.Less(t, len(framed), len(input)/4, typ.String())
	}
}

func TestDecodeRejectsCorruption(t *testing.T) {
	_, err := Decode(nil)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = Decode([]byte{0x7f, 1, 2})
	assert.ErrorIs(t, err, ErrCorrupt)

	framed, err := Encode(Zstd, bytes.Repeat([]byte("z"), 4096))
	require.NoError(t, err)
	_, err = Decode(framed[:len(framed)/2])
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestParseType(t *testing.T) {
	for _, name := range []string{"none", "snappy", "lz4", "zstd"} {
		typ, err := ParseType(name)
		require.NoError(t, err)
		assert.Equal(t, name, typ.String())
	}
	_, err := ParseType("brotli")
	assert.Error(t, err)
}
