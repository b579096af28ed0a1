package keycard

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/schjonhaug/keycard-go/apdu"
)

// Transport moves one serialized command to a card and returns the raw
// response, status word included. pcsc.Card satisfies it for physical
// readers and emulator.Card satisfies it for tests.
type Transport interface {
	Transmit(command []byte) ([]byte, error)
}

// Session drives one conversation with a Keycard over a Transport. It tracks
// which application is selected, the secure channel once one is opened and
// whether the PIN has been verified on it, and gates every command on the
// state it needs.
//
// A Session is not safe for concurrent use.
type Session struct {
	transport Transport

	applicationInfo *ApplicationInfo
	secureChannel   *SecureChannel
	pinVerified     bool
}

// New returns a Session ready to Select the Keycard application over the
// given transport.
func New(transport Transport) *Session {
	return &Session{transport: transport}
}

// ApplicationInfo returns the parsed Select response, or nil before Select
// has run.
func (session *Session) ApplicationInfo() *ApplicationInfo {
	return session.applicationInfo
}

// PINVerified reports whether the PIN has been verified on the current
// secure channel. Opening a new channel clears it.
func (session *Session) PINVerified() bool {
	return session.pinVerified
}

// sendAPDU serializes and transmits one plain command and parses the raw
// response. Commands that must travel encrypted go through sendSecureAPDU
// instead.
func (session *Session) sendAPDU(command *apdu.Command) (*apdu.Response, error) {

	raw, err := command.Serialize()

	if err != nil {
		return nil, err
	}

	slog.Debug("Command sent", "apdu", fmt.Sprintf("%x", raw))

	rawResponse, err := session.transport.Transmit(raw)

	if err != nil {
		return nil, err
	}

	slog.Debug("Response received", "apdu", fmt.Sprintf("%x", rawResponse))

	return apdu.ParseResponse(rawResponse)

}

// sendSecureAPDU wraps a command on the session's secure channel, transmits
// it and unwraps the card's response. The outer status word only reports
// channel level failures; the inner one is the command verdict and is
// returned for the caller to interpret. Only mutual authentication may
// travel on a channel that has not authenticated yet.
//
// The logged frames are ciphertext. Plaintext never reaches the log.
func (session *Session) sendSecureAPDU(command *apdu.Command) (*apdu.Response, error) {

	if session.secureChannel == nil {
		return nil, &PreconditionError{Condition: ConditionSecureChannel}
	}

	if !session.secureChannel.authenticated && command.Ins != InsMutuallyAuthenticate {
		return nil, &PreconditionError{Condition: ConditionSecureChannel}
	}

	wrapped, err := session.secureChannel.wrapCommand(command)

	if err != nil {
		return nil, err
	}

	response, err := session.sendAPDU(wrapped)

	if err != nil {
		return nil, err
	}

	if !response.IsOK() {
		return nil, &CardError{Sw: response.Sw}
	}

	return session.secureChannel.unwrapResponse(response.Data)

}

// dropSecureChannel wipes and forgets the current channel and the PIN state
// that lived on it.
func (session *Session) dropSecureChannel() {

	if session.secureChannel != nil {
		session.secureChannel.wipe()
		session.secureChannel = nil
	}

	session.pinVerified = false

}

// checkOK maps a non-success inner status word to a CardError. Commands with
// richer status semantics, PIN retries for one, interpret the word themselves
// before falling back to this.
func checkOK(response *apdu.Response) error {

	if response.IsOK() {
		return nil
	}

	return &CardError{Sw: response.Sw}

}

// EnableDebugLogging turns on debug logging
func EnableDebugLogging() {

	opts := &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	slog.SetDefault(slog.New(handler))

}
