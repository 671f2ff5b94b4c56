package synccursor

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, id := range []int64{0, 1, 42, 1000, 9223372036854775807} {
		token := Encode(id)
		decoded, err := Decode(token)
		assert.NoError(t, err)
		assert.Equal(t, id, decoded)
	}
}

func TestDecodeEmptyIsZero(t *testing.T) {
	id, err := Decode("")
	assert.NoError(t, err)
	assert.Equal(t, int64(0), id)

	id, err = Decode("   ")
	assert.NoError(t, err)
	assert.Equal(t, int64(0), id)
}

func TestDecodeLegacyDecimal(t *testing.T) {
	id, err := Decode("12345")
	assert.NoError(t, err)
	assert.Equal(t, int64(12345), id)
}

func TestDecodeInvalidTokens(t *testing.T) {
	for _, token := range []string{
		"v1.",
		"v1.%%%",
		"v2.MTIz",
		"not-a-cursor",
		"v1.bm90LWRpZ2l0cw", // base64("not-digits")
	} {
		_, err := Decode(token)
		assert.ErrorIs(t, err, ErrInvalidCursor, "token %q", token)
	}
}

func TestEncodeClampsNegative(t *testing.T) {
	id, err := Decode(Encode(-5))
	assert.NoError(t, err)
	assert.Equal(t, int64(0), id)
}
