package emulator

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/subtle"
	"errors"
)

// channel is the card side of a secure channel: the same session keys the
// client derived, and the same running IV advanced by every MAC that crosses
// the wire.
type channel struct {
	encKey        []byte
	macKey        []byte
	iv            []byte
	authenticated bool
}

// newChannel takes the 64 byte SHA-512 key data from the key agreement and
// the seed IV sent to the client.
func newChannel(keyData, seedIV []byte) *channel {

	iv := make([]byte, 16)
	copy(iv, seedIV)

	return &channel{
		encKey: keyData[:32],
		macKey: keyData[32:64],
		iv:     iv,
	}

}

// unwrapCommand verifies the MAC over a wrapped command and decrypts it. The
// command MAC becomes the IV for encrypting the response.
func (c *channel) unwrapCommand(cla, ins, p1, p2 byte, data []byte) ([]byte, error) {

	if len(data) < 32 || (len(data)-16)%16 != 0 {
		return nil, errors.New("wrapped command length")
	}

	meta := [16]byte{cla, ins, p1, p2, byte(len(data))}

	mac := data[:16]
	ciphertext := data[16:]

	expected, err := c.mac(meta[:], ciphertext)

	if err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare(expected, mac) != 1 {
		return nil, errors.New("wrapped command MAC")
	}

	plaintext, err := c.decrypt(ciphertext)

	if err != nil {
		return nil, err
	}

	c.iv = expected

	return plaintext, nil

}

// wrapResponse encrypts data plus the inner status word under the current IV
// and prepends the MAC, which also becomes the IV for the next command.
func (c *channel) wrapResponse(data []byte, sw uint16) []byte {

	plaintext := make([]byte, 0, len(data)+2)
	plaintext = append(plaintext, data...)
	plaintext = append(plaintext, byte(sw>>8), byte(sw))

	ciphertext, err := c.encrypt(plaintext)

	if err != nil {
		return nil
	}

	meta := [16]byte{byte(len(ciphertext) + 16)}

	mac, err := c.mac(meta[:], ciphertext)

	if err != nil {
		return nil
	}

	c.iv = mac

	wrapped := make([]byte, 0, 16+len(ciphertext))
	wrapped = append(wrapped, mac...)
	wrapped = append(wrapped, ciphertext...)

	return wrapped

}

func (c *channel) encrypt(data []byte) ([]byte, error) {

	block, err := aes.NewCipher(c.encKey)

	if err != nil {
		return nil, err
	}

	padded := pad(data)

	ciphertext := make([]byte, len(padded))

	mode := cipher.NewCBCEncrypter(block, c.iv)
	mode.CryptBlocks(ciphertext, padded)

	return ciphertext, nil

}

func (c *channel) decrypt(ciphertext []byte) ([]byte, error) {

	block, err := aes.NewCipher(c.encKey)

	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, len(ciphertext))

	mode := cipher.NewCBCDecrypter(block, c.iv)
	mode.CryptBlocks(plaintext, ciphertext)

	return unpad(plaintext)

}

func (c *channel) mac(meta, ciphertext []byte) ([]byte, error) {

	block, err := aes.NewCipher(c.macKey)

	if err != nil {
		return nil, err
	}

	buf := make([]byte, len(meta)+len(ciphertext))

	mode := cipher.NewCBCEncrypter(block, make([]byte, 16))
	mode.CryptBlocks(buf[:len(meta)], meta)
	mode.CryptBlocks(buf[len(meta):], ciphertext)

	return buf[len(buf)-16:], nil

}

// decryptCBC decrypts the one-shot init payload under the ECDH x coordinate.
func decryptCBC(key, iv, ciphertext []byte) ([]byte, error) {

	if len(ciphertext) == 0 || len(ciphertext)%16 != 0 {
		return nil, errors.New("ciphertext length")
	}

	block, err := aes.NewCipher(key)

	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, len(ciphertext))

	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(plaintext, ciphertext)

	return unpad(plaintext)

}

// pad applies ISO/IEC 9797-1 method 2 padding to a 16 byte boundary.
func pad(data []byte) []byte {

	padded := make([]byte, (len(data)/16+1)*16)
	copy(padded, data)
	padded[len(data)] = 0x80

	return padded

}

// unpad strips ISO/IEC 9797-1 method 2 padding.
func unpad(data []byte) ([]byte, error) {

	for i := 1; i <= 16 && i <= len(data); i++ {
		switch data[len(data)-i] {
		case 0x00:
			continue
		case 0x80:
			return data[:len(data)-i], nil
		default:
			return nil, errors.New("padding")
		}
	}

	return nil, errors.New("padding")

}
