package keycard

import (
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/moov-io/bertlv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDigest() []byte {
	digest := sha256.Sum256([]byte("sent to the card"))
	return digest[:]
}

// signatureTemplate builds the TLV response shape: the DER signature and the
// signer, either as a plain public key or wrapped in a certificate blob.
func signatureTemplate(t *testing.T, key *btcec.PrivateKey, digest []byte, asCertificate bool) []byte {
	t.Helper()

	der := ecdsa.Sign(key, digest).Serialize()

	derTLVs, err := bertlv.Decode(der)
	require.NoError(t, err)
	require.Len(t, derTLVs, 1)

	signer := bertlv.TLV{Tag: "80", Value: key.PubKey().SerializeUncompressed()}

	if asCertificate {
		certificate := append([]byte{0x55, 0xAA, 0x01}, key.PubKey().SerializeUncompressed()...)
		signer = bertlv.TLV{Tag: "8A", Value: certificate}
	}

	data, err := bertlv.Encode([]bertlv.TLV{{Tag: "A0", TLVs: []bertlv.TLV{signer, derTLVs[0]}}})
	require.NoError(t, err)

	return data
}

func TestParseSignatureTemplate(t *testing.T) {
	t.Parallel()

	key := testCardKey(t)
	digest := testDigest()

	signature, err := ParseSignature(digest, signatureTemplate(t, key, digest, false))
	require.NoError(t, err)

	assert.Len(t, signature.R, 32)
	assert.Len(t, signature.S, 32)
	assert.LessOrEqual(t, signature.V, byte(1))
	assert.Equal(t, key.PubKey().SerializeUncompressed(), signature.PublicKey)

	// the recovery id must recover the signer from the digest alone
	blob := append(append(append([]byte(nil), signature.R...), signature.S...), signature.V)

	recovered, err := recoverPublicKey(blob, digest)
	require.NoError(t, err)
	assert.Equal(t, signature.PublicKey, recovered.SerializeUncompressed())
}

func TestParseSignatureTemplateWithCertificate(t *testing.T) {
	t.Parallel()

	key := testCardKey(t)
	digest := testDigest()

	signature, err := ParseSignature(digest, signatureTemplate(t, key, digest, true))
	require.NoError(t, err)

	assert.Equal(t, key.PubKey().SerializeUncompressed(), signature.PublicKey)
}

func TestParseSignatureRaw(t *testing.T) {
	t.Parallel()

	key := testCardKey(t)
	digest := testDigest()

	compact, err := ecdsa.SignCompact(key, digest, false)
	require.NoError(t, err)

	raw := make([]byte, 0, 66)
	raw = append(raw, TagSignatureRaw)
	raw = append(raw, compact[1:]...)
	raw = append(raw, compact[0]-27)

	signature, err := ParseSignature(digest, raw)
	require.NoError(t, err)

	assert.Equal(t, compact[1:33], signature.R)
	assert.Equal(t, compact[33:65], signature.S)
	assert.Equal(t, compact[0]-27, signature.V)
	assert.Equal(t, key.PubKey().SerializeUncompressed(), signature.PublicKey)
}

func TestParseSignatureRejectsMalformedInput(t *testing.T) {
	t.Parallel()

	key := testCardKey(t)
	digest := testDigest()

	_, err := ParseSignature(digest, nil)
	assert.ErrorIs(t, err, ErrMalformedResponse)

	_, err = ParseSignature(digest, []byte{0x55, 0x01, 0x00})
	assert.ErrorIs(t, err, ErrMalformedResponse)

	// raw shape one byte short
	_, err = ParseSignature(digest, append([]byte{TagSignatureRaw}, make([]byte, 64)...))
	assert.ErrorIs(t, err, ErrMalformedResponse)

	// template without a signer
	der := ecdsa.Sign(key, digest).Serialize()
	derTLVs, err := bertlv.Decode(der)
	require.NoError(t, err)

	data, err := bertlv.Encode([]bertlv.TLV{{Tag: "A0", TLVs: []bertlv.TLV{derTLVs[0]}}})
	require.NoError(t, err)

	_, err = ParseSignature(digest, data)
	assert.ErrorIs(t, err, ErrMalformedResponse)

	// template without a DER signature
	data, err = bertlv.Encode([]bertlv.TLV{{Tag: "A0", TLVs: []bertlv.TLV{
		{Tag: "80", Value: key.PubKey().SerializeUncompressed()},
	}}})
	require.NoError(t, err)

	_, err = ParseSignature(digest, data)
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestRecoveryIDRejectsForeignSigner(t *testing.T) {
	t.Parallel()

	key := testCardKey(t)
	otherKey := testCardKey(t)
	digest := testDigest()

	compact, err := ecdsa.SignCompact(key, digest, false)
	require.NoError(t, err)

	_, err = recoveryID(compact[1:33], compact[33:65], digest, otherKey.PubKey())
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestPublicKeyFromCertificate(t *testing.T) {
	t.Parallel()

	key := testCardKey(t)

	certificate := append([]byte{0x02, 0x04, 0x00}, key.PubKey().SerializeUncompressed()...)

	publicKey, err := publicKeyFromCertificate(certificate)
	require.NoError(t, err)

	assert.Equal(t, key.PubKey().SerializeUncompressed(), publicKey.SerializeUncompressed())

	_, err = publicKeyFromCertificate(make([]byte, 64))
	assert.ErrorIs(t, err, ErrMalformedResponse)
}

func TestPadScalar(t *testing.T) {
	t.Parallel()

	// DER prepends a zero when the high bit is set
	padded, err := padScalar(append([]byte{0x00, 0xFF}, make([]byte, 31)...))
	require.NoError(t, err)
	assert.Len(t, padded, 32)
	assert.Equal(t, byte(0xFF), padded[0])

	// short values are left padded
	padded, err = padScalar([]byte{0x01, 0x02})
	require.NoError(t, err)
	assert.Equal(t, append(make([]byte, 30), 0x01, 0x02), padded)

	// anything over 32 significant bytes cannot be a curve scalar
	_, err = padScalar(append([]byte{0x01}, make([]byte, 32)...))
	assert.ErrorIs(t, err, ErrMalformedResponse)
}
