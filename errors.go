package keycard

import (
	"errors"
	"fmt"
)

var (
	// ErrPINBlocked means the PIN retry counter reached zero; the card only
	// accepts UnblockPIN with the PUK from here.
	ErrPINBlocked = errors.New("pin blocked")

	// ErrPUKBlocked means the PUK retry counter reached zero; the card cannot
	// be unblocked and only a factory reset will recover it.
	ErrPUKBlocked = errors.New("puk blocked")

	// ErrInvalidResponseMAC means an incoming secure channel response failed
	// MAC verification and was discarded without being decrypted.
	ErrInvalidResponseMAC = errors.New("invalid response MAC")

	// ErrInvalidCardCryptogram means the card failed to prove knowledge of
	// the pairing secret during pairing.
	ErrInvalidCardCryptogram = errors.New("invalid card cryptogram")

	// ErrMalformedResponse means the response bytes do not match the expected
	// shape for the command that produced them.
	ErrMalformedResponse = errors.New("malformed response")

	// ErrInvalidInput means a client-supplied value is outside the protocol
	// bounds; it is reported before any APDU is built.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnsupportedAlgorithm means a signing algorithm other than
	// ECDSA-secp256k1 was requested.
	ErrUnsupportedAlgorithm = errors.New("unsupported signing algorithm")

	// ErrAlreadyInitialized means Init was called on an initialized card.
	ErrAlreadyInitialized = errors.New("card already initialized")
)

// CardError is a non-success status word that the protocol does not decode
// any further. The raw status word is kept for diagnostics.
type CardError struct {
	Sw uint16
}

func (e *CardError) Error() string {
	return fmt.Sprintf("card rejected command (status %#04x)", e.Sw)
}
