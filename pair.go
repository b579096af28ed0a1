package keycard

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
)

// Pair establishes a pairing with the card from the pairing password. The
// exchange proves both sides know the password without ever sending it: the
// card returns a cryptogram over our challenge and we return one over its
// challenge. The resulting key and slot index outlive the session; persist
// them to open secure channels later without the password.
func (session *Session) Pair(pairingPassword string) (*PairingInfo, error) {

	if err := session.require(ConditionApplicationSelected, ConditionApplicationInitialized); err != nil {
		return nil, err
	}

	token := pairingToken(pairingPassword)

	challenge := make([]byte, challengeLength)

	if _, err := rand.Read(challenge); err != nil {
		return nil, err
	}

	response, err := session.sendAPDU(NewCommandPairFirstStep(challenge))

	if err != nil {
		return nil, err
	}

	if err := checkOK(response); err != nil {
		return nil, err
	}

	if len(response.Data) != challengeLength*2 {
		return nil, fmt.Errorf("%w: pairing step one returned %d bytes", ErrMalformedResponse, len(response.Data))
	}

	cardCryptogram := response.Data[:challengeLength]
	cardChallenge := response.Data[challengeLength:]

	if !bytes.Equal(cryptogram(token, challenge), cardCryptogram) {
		return nil, ErrInvalidCardCryptogram
	}

	response, err = session.sendAPDU(NewCommandPairFinalStep(cryptogram(token, cardChallenge)))

	if err != nil {
		return nil, err
	}

	if err := checkOK(response); err != nil {
		return nil, err
	}

	if len(response.Data) != 1+saltLength {
		return nil, fmt.Errorf("%w: pairing step two returned %d bytes", ErrMalformedResponse, len(response.Data))
	}

	return &PairingInfo{
		Key:   cryptogram(token, response.Data[1:]),
		Index: int(response.Data[0]),
	}, nil

}

// Unpair releases a pairing slot on the card. Releasing the slot behind the
// session's own channel leaves the channel running; it just cannot be
// reopened afterwards.
func (session *Session) Unpair(index int) error {

	if err := session.require(ConditionSecureChannel, ConditionPINVerified); err != nil {
		return err
	}

	response, err := session.sendSecureAPDU(NewCommandUnpair(byte(index)))

	if err != nil {
		return err
	}

	return checkOK(response)

}

// cryptogram hashes the pairing token with a challenge, the proof of
// password knowledge both sides exchange while pairing.
func cryptogram(token, challenge []byte) []byte {

	digest := sha256.New()
	digest.Write(token)
	digest.Write(challenge)

	return digest.Sum(nil)

}
