package keycard

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"
)

const (
	pairingTokenSalt       = "Keycard Pairing Password Salt"
	pairingTokenIterations = 50000
)

// pairingToken derives the 32 byte pairing secret from a human pairing
// password. Password and salt are both NFKD normalised so the same password
// typed on different platforms yields the same secret.
func pairingToken(password string) []byte {
	return pbkdf2.Key(norm.NFKD.Bytes([]byte(password)), norm.NFKD.Bytes([]byte(pairingTokenSalt)), pairingTokenIterations, 32, sha256.New)
}

// generateSharedSecret generates a shared secret based on a private key and a
// public key using Diffie-Hellman key exchange (ECDH) (RFC 5903).
// RFC5903 Section 9 states we should only return x.
func generateSharedSecret(privateKey *secp256k1.PrivateKey, publicKey *secp256k1.PublicKey) []byte {

	var point, result secp256k1.JacobianPoint
	publicKey.AsJacobian(&point)
	secp256k1.ScalarMultNonConst(&privateKey.Key, &point, &result)
	result.ToAffine()
	xBytes := result.X.Bytes()

	return xBytes[:]
}

// oneShotEncrypt encrypts the initialisation payload under a throwaway ECDH
// secret, used exactly once before any pairing exists. The output is
// len(publicKey) || publicKey || iv || ciphertext.
func oneShotEncrypt(publicKey, secret, data []byte) ([]byte, error) {

	block, err := aes.NewCipher(secret)

	if err != nil {
		return nil, err
	}

	iv := make([]byte, blockSize)

	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}

	padded := pad(data, 0x80)

	ciphertext := make([]byte, len(padded))

	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(ciphertext, padded)

	result := make([]byte, 0, 1+len(publicKey)+len(iv)+len(ciphertext))
	result = append(result, byte(len(publicKey)))
	result = append(result, publicKey...)
	result = append(result, iv...)
	result = append(result, ciphertext...)

	return result, nil

}

// recoverPublicKey recovers the signing public key from a recoverable
// signature, r || s || recovery id, over digest.
func recoverPublicKey(signature, digest []byte) (*secp256k1.PublicKey, error) {

	if len(signature) != 65 {
		return nil, fmt.Errorf("%w: recoverable signature of %d bytes", ErrMalformedResponse, len(signature))
	}

	// ecdsa.RecoverCompact expects the recovery id as a 27 based header byte
	compact := make([]byte, 65)
	compact[0] = 27 + signature[64]
	copy(compact[1:], signature[:64])

	publicKey, _, err := ecdsa.RecoverCompact(compact, digest)

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	return publicKey, nil

}

// recoveryID finds the recovery id of an r || s signature by trying both
// candidates and comparing the recovered key against the signer's.
func recoveryID(r, s, digest []byte, signer *secp256k1.PublicKey) (byte, error) {

	compact := make([]byte, 65)
	copy(compact[1:33], r)
	copy(compact[33:], s)

	want := signer.SerializeUncompressed()

	for id := byte(0); id < 2; id++ {

		compact[0] = 27 + id

		publicKey, _, err := ecdsa.RecoverCompact(compact, digest)

		if err != nil {
			continue
		}

		if bytes.Equal(publicKey.SerializeUncompressed(), want) {
			return id, nil
		}

	}

	return 0, fmt.Errorf("%w: no recovery id matches the signer", ErrMalformedResponse)

}

// padScalar normalises a DER integer to a fixed 32 byte big-endian scalar,
// dropping the leading zero DER adds when the high bit is set.
func padScalar(value []byte) ([]byte, error) {

	for len(value) > 0 && value[0] == 0 {
		value = value[1:]
	}

	if len(value) > 32 {
		return nil, fmt.Errorf("%w: scalar of %d bytes", ErrMalformedResponse, len(value))
	}

	padded := make([]byte, 32)
	copy(padded[32-len(value):], value)

	return padded, nil

}
