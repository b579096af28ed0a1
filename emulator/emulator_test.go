package emulator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	keycard "github.com/schjonhaug/keycard-go"
	"github.com/schjonhaug/keycard-go/apdu"
)

// transmit serializes a command, answers it and parses the response.
func transmit(t *testing.T, card *Card, command *apdu.Command) *apdu.Response {
	t.Helper()

	raw, err := command.Serialize()
	require.NoError(t, err)

	rawResponse, err := card.Transmit(raw)
	require.NoError(t, err)

	response, err := apdu.ParseResponse(rawResponse)
	require.NoError(t, err)

	return response
}

func selectCard(t *testing.T, card *Card) {
	t.Helper()

	response := transmit(t, card, keycard.NewCommandSelect(keycard.WalletAID))
	require.True(t, response.IsOK())
}

func TestTransmitRejectsMalformedFrames(t *testing.T) {
	t.Parallel()

	card, err := NewCard()
	require.NoError(t, err)

	// shorter than a header
	response, err := card.Transmit([]byte{0x80, 0xF2, 0x00})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x67, 0x00}, response)

	// lc does not match the data that follows
	response, err = card.Transmit([]byte{0x80, 0xF2, 0x00, 0x00, 0x05, 0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, []byte{0x67, 0x00}, response)
}

func TestSelectUnknownAID(t *testing.T) {
	t.Parallel()

	card, err := NewCard()
	require.NoError(t, err)

	response := transmit(t, card, keycard.NewCommandSelect([]byte{0xA0, 0x00, 0x00, 0x01, 0x51, 0x00, 0x00, 0x00}))

	assert.Equal(t, apdu.SwFileNotFound, response.Sw)
}

func TestCommandsRequireSelect(t *testing.T) {
	t.Parallel()

	card, err := NewInitializedCard("123456", "123456789012", "KeycardTest")
	require.NoError(t, err)

	response := transmit(t, card, keycard.NewCommandGetStatus(keycard.P1GetStatusApplication))

	assert.Equal(t, apdu.SwConditionsNotSatisfied, response.Sw)
}

func TestInitRefusedOnceInitialized(t *testing.T) {
	t.Parallel()

	card, err := NewInitializedCard("123456", "123456789012", "KeycardTest")
	require.NoError(t, err)

	selectCard(t, card)

	response := transmit(t, card, keycard.NewCommandInit(make([]byte, 146)))

	assert.Equal(t, apdu.SwInstructionNotSupported, response.Sw)
}

func TestSecureCommandsRequireChannel(t *testing.T) {
	t.Parallel()

	card, err := NewInitializedCard("123456", "123456789012", "KeycardTest")
	require.NoError(t, err)

	selectCard(t, card)

	response := transmit(t, card, keycard.NewCommandGenerateKey())

	assert.Equal(t, apdu.SwConditionsNotSatisfied, response.Sw)
}

func TestUnknownClassRejected(t *testing.T) {
	t.Parallel()

	card, err := NewCard()
	require.NoError(t, err)

	response := transmit(t, card, apdu.NewCommand(0x55, 0x00, 0x00, 0x00, nil))

	assert.Equal(t, apdu.SwInstructionNotSupported, response.Sw)
}

func TestSelectResetsChannelState(t *testing.T) {
	t.Parallel()

	card, err := NewInitializedCard("123456", "123456789012", "KeycardTest")
	require.NoError(t, err)

	session := keycard.New(card)

	_, err = session.Select()
	require.NoError(t, err)

	pairing, err := session.Pair("KeycardTest")
	require.NoError(t, err)

	require.NoError(t, session.OpenSecureChannel(pairing.Index, pairing.Key))
	require.NotNil(t, card.channel)

	selectCard(t, card)

	assert.Nil(t, card.channel)
	assert.False(t, card.pinVerified)
}
