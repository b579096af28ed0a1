package apdu

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCommandSerialize(t *testing.T) {
	t.Parallel()

	cmd := NewCommand(0x00, 0xA4, 0x04, 0x00, []byte{0xA0, 0x00, 0x00, 0x08, 0x04, 0x00, 0x01, 0x01})

	raw, err := cmd.Serialize()
	require.NoError(t, err)

	assert.Equal(t, []byte{0x00, 0xA4, 0x04, 0x00, 0x08, 0xA0, 0x00, 0x00, 0x08, 0x04, 0x00, 0x01, 0x01}, raw)
}

func TestCommandSerializeEmptyData(t *testing.T) {
	t.Parallel()

	cmd := NewCommand(0x80, 0x11, 0x00, 0x00, nil)

	raw, err := cmd.Serialize()
	require.NoError(t, err)

	// The length byte is present even with no data.
	assert.Equal(t, []byte{0x80, 0x11, 0x00, 0x00, 0x00}, raw)
}

func TestCommandSerializeMaxData(t *testing.T) {
	t.Parallel()

	cmd := NewCommand(0x80, 0xE2, 0x00, 0x00, make([]byte, MaxDataLength))

	raw, err := cmd.Serialize()
	require.NoError(t, err)

	assert.Len(t, raw, 5+MaxDataLength)
	assert.Equal(t, uint8(0xFF), raw[4])
}

func TestCommandSerializeOversizedData(t *testing.T) {
	t.Parallel()

	cmd := NewCommand(0x80, 0xE2, 0x00, 0x00, make([]byte, MaxDataLength+1))

	_, err := cmd.Serialize()
	assert.Error(t, err)
}

func TestParseResponse(t *testing.T) {
	t.Parallel()

	resp, err := ParseResponse([]byte{0xDE, 0xAD, 0xBE, 0xEF, 0x90, 0x00})
	require.NoError(t, err)

	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, resp.Data)
	assert.Equal(t, uint8(0x90), resp.Sw1)
	assert.Equal(t, uint8(0x00), resp.Sw2)
	assert.Equal(t, SwOK, resp.Sw)
	assert.True(t, resp.IsOK())
}

func TestParseResponseStatusOnly(t *testing.T) {
	t.Parallel()

	resp, err := ParseResponse([]byte{0x69, 0x82})
	require.NoError(t, err)

	assert.Empty(t, resp.Data)
	assert.Equal(t, SwSecurityConditionNotMet, resp.Sw)
	assert.False(t, resp.IsOK())
}

func TestParseResponseTooShort(t *testing.T) {
	t.Parallel()

	_, err := ParseResponse([]byte{0x90})
	assert.Error(t, err)

	_, err = ParseResponse(nil)
	assert.Error(t, err)
}

func TestRetryCount(t *testing.T) {
	t.Parallel()

	remaining, ok := RetryCount(0x63C3)
	assert.True(t, ok)
	assert.Equal(t, 3, remaining)

	remaining, ok = RetryCount(0x63C0)
	assert.True(t, ok)
	assert.Equal(t, 0, remaining)

	_, ok = RetryCount(0x9000)
	assert.False(t, ok)

	// 0x63 with an upper nibble other than 0xC is not a retry counter.
	_, ok = RetryCount(0x6383)
	assert.False(t, ok)
}
