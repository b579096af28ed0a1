package keycard

import (
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPairingToken(t *testing.T) {
	t.Parallel()

	token := pairingToken("KeycardTest")

	assert.Len(t, token, 32)
	assert.Equal(t, token, pairingToken("KeycardTest"))
	assert.NotEqual(t, token, pairingToken("KeycardTes"))

	// NFKD normalisation: the fi ligature and the two letters derive the
	// same token
	assert.Equal(t, pairingToken("ﬁsh"), pairingToken("fish"))
}

func TestGenerateSharedSecretSymmetry(t *testing.T) {
	t.Parallel()

	alice := testCardKey(t)
	bob := testCardKey(t)

	fromAlice := generateSharedSecret(alice, bob.PubKey())
	fromBob := generateSharedSecret(bob, alice.PubKey())

	assert.Len(t, fromAlice, 32)
	assert.Equal(t, fromAlice, fromBob)
}

func TestOneShotEncrypt(t *testing.T) {
	t.Parallel()

	publicKey := testCardKey(t).PubKey().SerializeUncompressed()
	secret := generateSharedSecret(testCardKey(t), testCardKey(t).PubKey())
	credentials := []byte("123456123456789012--pairing-secret-padding--")

	payload, err := oneShotEncrypt(publicKey, secret, credentials)
	require.NoError(t, err)

	// length prefix, key, IV, then whole ciphertext blocks
	require.Equal(t, byte(len(publicKey)), payload[0])
	assert.Equal(t, publicKey, payload[1:1+len(publicKey)])

	iv := payload[1+len(publicKey) : 1+len(publicKey)+blockSize]
	ciphertext := payload[1+len(publicKey)+blockSize:]
	require.Zero(t, len(ciphertext)%blockSize)

	// decrypting recovers the credentials
	block, err := aes.NewCipher(secret)
	require.NoError(t, err)

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	unpadded, err := unpad(plaintext, 0x80)
	require.NoError(t, err)
	assert.Equal(t, credentials, unpadded)
}
