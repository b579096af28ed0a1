package keycard

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/schjonhaug/keycard-go/apdu"
)

// Init writes the card's initial credentials, the PIN, the PUK and the
// pairing password, encrypted under a one-shot ECDH key against the card's
// public key. It only works on a card fresh from the factory; an already
// initialized card answers ErrAlreadyInitialized.
func (session *Session) Init(pin, puk, pairingPassword string) error {

	if err := session.require(ConditionApplicationSelected); err != nil {
		return err
	}

	if session.applicationInfo.Initialized {
		return ErrAlreadyInitialized
	}

	if err := validatePIN(pin); err != nil {
		return err
	}

	if err := validatePUK(puk); err != nil {
		return err
	}

	cardPublicKey, err := btcec.ParsePubKey(session.applicationInfo.PublicKey)

	if err != nil {
		return fmt.Errorf("%w: card public key: %v", ErrMalformedResponse, err)
	}

	ephemeralKey, err := btcec.NewPrivateKey()

	if err != nil {
		return err
	}

	sharedSecret := generateSharedSecret(ephemeralKey, cardPublicKey)

	credentials := make([]byte, 0, pinLength+pukLength+pairingSecretLength)
	credentials = append(credentials, []byte(pin)...)
	credentials = append(credentials, []byte(puk)...)
	credentials = append(credentials, pairingToken(pairingPassword)...)

	payload, err := oneShotEncrypt(ephemeralKey.PubKey().SerializeUncompressed(), sharedSecret, credentials)

	if err != nil {
		return err
	}

	response, err := session.sendAPDU(NewCommandInit(payload))

	if err != nil {
		return err
	}

	// once initialized the applet removes INIT from its dispatch table, so
	// the answer is instruction-not-supported rather than a dedicated word
	if response.Sw == apdu.SwInstructionNotSupported {
		return ErrAlreadyInitialized
	}

	if err := checkOK(response); err != nil {
		return err
	}

	session.applicationInfo.Initialized = true

	return nil

}
