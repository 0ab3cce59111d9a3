package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sample struct {
	Name  string `json:"name"`
	Count int    `json:"count,omitempty"`
}

func TestDefaultCodecRoundTrip(t *testing.T) {
	data, err := Encode(&sample{Name: "arena", Count: 3})
	require.NoError(t, err)

	var got sample
	require.NoError(t, Decode(data, &got))
	assert.Equal(t, "arena", got.Name)
	assert.Equal(t, 3, got.Count)
}

func TestSetCodec(t *testing.T) {
	old := _codec
	defer SetCodec(old)

	SetCodec(nil)
	_, err := Encode(struct{}{})
	assert.ErrorIs(t, err, errCodecNotInit)
}
