package base64url

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	inputs := [][]byte{
		[]byte("a"),
		[]byte("ab"),
		[]byte("abc"),
		[]byte("hello world"),
		{0x00, 0xff, 0xfe, 0x01},
		{0xfb, 0xff}, // encodes to '-' and '_' characters
	}
	for _, in := range inputs {
		out, err := Decode(Encode(in))
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}
}

func TestEncodeStripsPadding(t *testing.T) {
	assert.Equal(t, "YQ", Encode([]byte("a")))
	assert.Equal(t, "YWI", Encode([]byte("ab")))
	assert.Equal(t, "YWJj", Encode([]byte("abc")))
}

func TestDecodeAcceptsPadding(t *testing.T) {
	out, err := Decode("YQ==")
	require.NoError(t, err)
	assert.Equal(t, []byte("a"), out)

	out, err = Decode("YWI=")
	require.NoError(t, err)
	assert.Equal(t, []byte("ab"), out)
}

func TestDecodeRejectsEmpty(t *testing.T) {
	_, err := Decode("")
	assert.ErrorIs(t, err, ErrEmptyInput)
}

func TestDecodeRejectsStandardAlphabet(t *testing.T) {
	// '+' and '/' belong to the standard alphabet, not the URL-safe one.
	_, err := Decode("a+b/")
	assert.Error(t, err)
}

func TestDecodeString(t *testing.T) {
	s, err := DecodeString(Encode([]byte(`{"alg":"RS256"}`)))
	require.NoError(t, err)
	assert.Equal(t, `{"alg":"RS256"}`, s)
}
