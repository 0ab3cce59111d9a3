package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSplitAddr(t *testing.T) {
	host, port, err := SplitAddr("10.0.0.1:7070")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.1", host)
	assert.Equal(t, 7070, port)

	for _, bad := range []string{"", "10.0.0.1", "10.0.0.1:notaport", "10.0.0.1:0", "10.0.0.1:70000"} {
		_, _, err := SplitAddr(bad)
		assert.Error(t, err, bad)
	}
}

func TestJoinAddrRoundTrip(t *testing.T) {
	addr := JoinAddr("192.168.1.4", 9000)
	host, port, err := SplitAddr(addr)
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.4", host)
	assert.Equal(t, 9000, port)
}

func TestIDSequence(t *testing.T) {
	s := NewIDSequence(0)
	assert.Equal(t, uint32(1), s.Next())
	assert.Equal(t, uint32(2), s.Next())
	assert.Equal(t, uint32(2), s.Current())

	seeded := NewIDSequence(100)
	assert.Equal(t, uint32(101), seeded.Next())
}
