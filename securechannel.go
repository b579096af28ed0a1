package keycard

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/schjonhaug/keycard-go/apdu"
)

const (
	challengeLength = 32
	saltLength      = 32
	blockSize       = 16
	macLength       = 16

	// maxPayloadLength is the largest plaintext that still fits a short APDU
	// after padding and the prepended MAC.
	maxPayloadLength = 223
)

// SecureChannel owns the symmetric session keys derived for one channel
// instance and wraps outbound commands (encrypt, then MAC) and unwraps
// inbound responses (verify MAC, then decrypt) under them.
//
// A channel starts unauthenticated; only a successful mutually-authenticate
// exchange flips it, and nothing flips it back. Replacing the channel means
// creating a new one via Session.OpenSecureChannel.
type SecureChannel struct {
	encKey        []byte
	macKey        []byte
	iv            []byte
	authenticated bool
}

// newSecureChannel derives the session keys from the ECDH shared secret, the
// pairing key and the card-supplied salt: the first half of the SHA-512
// digest becomes the encryption key, the second half the MAC key. The running
// IV starts from the card-supplied seed IV.
func newSecureChannel(sharedSecret, pairingKey, salt, seedIV []byte) (*SecureChannel, error) {

	if len(salt) != saltLength || len(seedIV) != blockSize {
		return nil, fmt.Errorf("%w: expected %d byte salt and %d byte seed IV", ErrMalformedResponse, saltLength, blockSize)
	}

	digest := sha512.New()
	digest.Write(sharedSecret)
	digest.Write(pairingKey)
	digest.Write(salt)

	keyData := digest.Sum(nil)

	iv := make([]byte, blockSize)
	copy(iv, seedIV)

	return &SecureChannel{
		encKey: keyData[:32],
		macKey: keyData[32:64],
		iv:     iv,
	}, nil

}

// Authenticated reports whether the mutual authentication exchange has
// completed on this channel.
func (secureChannel *SecureChannel) Authenticated() bool {
	return secureChannel != nil && secureChannel.authenticated
}

// wrapCommand pads and encrypts the command data under the current IV,
// computes the MAC over the command header and the ciphertext, and returns a
// command carrying MAC || ciphertext. The MAC becomes the next IV, so the IV
// advances on every wrap whether or not the command is ever transmitted.
func (secureChannel *SecureChannel) wrapCommand(command *apdu.Command) (*apdu.Command, error) {

	if len(command.Data) > maxPayloadLength {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", ErrInvalidInput, len(command.Data), maxPayloadLength)
	}

	ciphertext, err := secureChannel.encrypt(command.Data)

	if err != nil {
		return nil, err
	}

	meta := [blockSize]byte{command.Cla, command.Ins, command.P1, command.P2, byte(len(ciphertext) + macLength)}

	mac, err := secureChannel.mac(meta[:], ciphertext)

	if err != nil {
		return nil, err
	}

	secureChannel.iv = mac

	data := make([]byte, 0, macLength+len(ciphertext))
	data = append(data, mac...)
	data = append(data, ciphertext...)

	return apdu.NewCommand(command.Cla, command.Ins, command.P1, command.P2, data), nil

}

// unwrapResponse verifies the MAC over an incoming wrapped response and only
// then decrypts it. A MAC mismatch fails closed: no plaintext is produced.
// The decrypted payload is itself a response, data followed by the inner
// status word.
func (secureChannel *SecureChannel) unwrapResponse(data []byte) (*apdu.Response, error) {

	if len(data) < macLength+blockSize || (len(data)-macLength)%blockSize != 0 {
		return nil, fmt.Errorf("%w: wrapped response of %d bytes", ErrMalformedResponse, len(data))
	}

	meta := [blockSize]byte{byte(len(data))}

	mac := data[:macLength]
	ciphertext := data[macLength:]

	expectedMac, err := secureChannel.mac(meta[:], ciphertext)

	if err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare(expectedMac, mac) != 1 {
		return nil, ErrInvalidResponseMAC
	}

	plaintext, err := secureChannel.decrypt(ciphertext)

	if err != nil {
		return nil, err
	}

	secureChannel.iv = expectedMac

	response, err := apdu.ParseResponse(plaintext)

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return response, nil

}

// wipe zeroizes the session keys and IV. Called when the channel is replaced
// so the old material is unreachable afterwards.
func (secureChannel *SecureChannel) wipe() {

	for i := range secureChannel.encKey {
		secureChannel.encKey[i] = 0
	}

	for i := range secureChannel.macKey {
		secureChannel.macKey[i] = 0
	}

	for i := range secureChannel.iv {
		secureChannel.iv[i] = 0
	}

	secureChannel.authenticated = false

}

func (secureChannel *SecureChannel) encrypt(data []byte) ([]byte, error) {

	block, err := aes.NewCipher(secureChannel.encKey)

	if err != nil {
		return nil, err
	}

	padded := pad(data, 0x80)

	ciphertext := make([]byte, len(padded))

	mode := cipher.NewCBCEncrypter(block, secureChannel.iv)
	mode.CryptBlocks(ciphertext, padded)

	return ciphertext, nil

}

func (secureChannel *SecureChannel) decrypt(ciphertext []byte) ([]byte, error) {

	block, err := aes.NewCipher(secureChannel.encKey)

	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, len(ciphertext))

	mode := cipher.NewCBCDecrypter(block, secureChannel.iv)
	mode.CryptBlocks(plaintext, ciphertext)

	return unpad(plaintext, 0x80)

}

// mac computes the AES-CBC-MAC (zero IV) over the 16-byte meta block followed
// by the ciphertext; the last cipher block is the MAC.
func (secureChannel *SecureChannel) mac(meta, ciphertext []byte) ([]byte, error) {

	block, err := aes.NewCipher(secureChannel.macKey)

	if err != nil {
		return nil, err
	}

	buf := make([]byte, len(meta)+len(ciphertext))

	mode := cipher.NewCBCEncrypter(block, make([]byte, blockSize))
	mode.CryptBlocks(buf[:len(meta)], meta)
	mode.CryptBlocks(buf[len(meta):], ciphertext)

	return buf[len(buf)-blockSize:], nil

}

// OpenSecureChannel runs an ECDH key agreement against the card under the
// given pairing and replaces any previous channel with the freshly keyed one.
// The old channel's keys are wiped and PIN verification never carries over.
// Mutual authentication runs automatically; on any failure the session is
// left without a channel.
func (session *Session) OpenSecureChannel(pairingIndex int, pairingKey []byte) error {

	if err := session.require(ConditionApplicationSelected, ConditionApplicationInitialized); err != nil {
		return err
	}

	if len(pairingKey) != pairingSecretLength {
		return fmt.Errorf("%w: pairing key must be %d bytes", ErrInvalidInput, pairingSecretLength)
	}

	cardPublicKey, err := btcec.ParsePubKey(session.applicationInfo.PublicKey)

	if err != nil {
		return fmt.Errorf("%w: card public key: %v", ErrMalformedResponse, err)
	}

	ephemeralKey, err := btcec.NewPrivateKey()

	if err != nil {
		return err
	}

	command := NewCommandOpenSecureChannel(byte(pairingIndex), ephemeralKey.PubKey().SerializeUncompressed())

	response, err := session.sendAPDU(command)

	if err != nil {
		return err
	}

	if err := checkOK(response); err != nil {
		return err
	}

	if len(response.Data) != saltLength+blockSize {
		return fmt.Errorf("%w: open secure channel response of %d bytes", ErrMalformedResponse, len(response.Data))
	}

	salt := response.Data[:saltLength]
	seedIV := response.Data[saltLength:]

	sharedSecret := generateSharedSecret(ephemeralKey, cardPublicKey)

	channel, err := newSecureChannel(sharedSecret, pairingKey, salt, seedIV)

	if err != nil {
		return err
	}

	session.dropSecureChannel()
	session.secureChannel = channel

	return session.MutuallyAuthenticate(nil)

}

// MutuallyAuthenticate proves both ends of a freshly opened channel derived
// the same session keys by exchanging 32 byte challenges over it. A nil
// challenge is replaced by a fresh random one. It is the only command allowed
// on an unauthenticated channel.
func (session *Session) MutuallyAuthenticate(challenge []byte) error {

	if session.secureChannel == nil {
		return &PreconditionError{Condition: ConditionSecureChannel}
	}

	if challenge == nil {

		challenge = make([]byte, challengeLength)

		if _, err := rand.Read(challenge); err != nil {
			return err
		}

	} else if len(challenge) != challengeLength {
		return fmt.Errorf("%w: challenge must be %d bytes", ErrInvalidInput, challengeLength)
	}

	response, err := session.sendSecureAPDU(NewCommandMutuallyAuthenticate(challenge))

	if err != nil {
		session.dropSecureChannel()
		return err
	}

	if err := checkOK(response); err != nil {
		session.dropSecureChannel()
		return err
	}

	if len(response.Data) != challengeLength {
		session.dropSecureChannel()
		return fmt.Errorf("%w: mutual authentication returned %d bytes", ErrMalformedResponse, len(response.Data))
	}

	session.secureChannel.authenticated = true

	return nil

}

// pad applies ISO/IEC 9797-1 method 2 padding to a 16 byte boundary.
func pad(data []byte, terminator byte) []byte {

	padded := make([]byte, (len(data)/blockSize+1)*blockSize)
	copy(padded, data)
	padded[len(data)] = terminator

	return padded
}

// unpad strips ISO/IEC 9797-1 method 2 padding.
func unpad(data []byte, terminator byte) ([]byte, error) {

	if len(data) == 0 || len(data)%blockSize != 0 {
		return nil, fmt.Errorf("%w: unpadded length %d", ErrMalformedResponse, len(data))
	}

	for i := 1; i <= blockSize; i++ {
		switch data[len(data)-i] {
		case 0x00:
			continue
		case terminator:
			return data[:len(data)-i], nil
		default:
			return nil, fmt.Errorf("%w: expected end of padding, got %#02x", ErrMalformedResponse, data[len(data)-i])
		}
	}

	return nil, fmt.Errorf("%w: expected end of padding, got 0", ErrMalformedResponse)

}
