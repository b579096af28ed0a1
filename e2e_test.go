package keycard_test

import (
	"bytes"
	"crypto/sha256"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	keycard "github.com/schjonhaug/keycard-go"
	"github.com/schjonhaug/keycard-go/emulator"
)

const (
	testPIN      = "123456"
	testPUK      = "123456789012"
	testPassword = "KeycardTest"
)

// newCardSession selects an initialized software card.
func newCardSession(t *testing.T) (*emulator.Card, *keycard.Session) {
	t.Helper()

	card, err := emulator.NewInitializedCard(testPIN, testPUK, testPassword)
	require.NoError(t, err)

	session := keycard.New(card)

	_, err = session.Select()
	require.NoError(t, err)

	return card, session
}

func pairAndOpen(t *testing.T, session *keycard.Session) *keycard.PairingInfo {
	t.Helper()

	pairing, err := session.Pair(testPassword)
	require.NoError(t, err)

	require.NoError(t, session.OpenSecureChannel(pairing.Index, pairing.Key))

	return pairing
}

func verifyPIN(t *testing.T, session *keycard.Session) {
	t.Helper()

	verified, _, err := session.VerifyPIN(testPIN)
	require.NoError(t, err)
	require.True(t, verified)
}

func testDigest(t *testing.T) []byte {
	t.Helper()

	digest := sha256.Sum256([]byte("32 bytes to sign"))

	return digest[:]
}

func TestInitializeFromFactory(t *testing.T) {
	t.Parallel()

	card, err := emulator.NewCard()
	require.NoError(t, err)

	session := keycard.New(card)

	info, err := session.Select()
	require.NoError(t, err)

	assert.True(t, info.Installed)
	assert.False(t, info.Initialized)
	assert.Len(t, info.PublicKey, 65)

	require.NoError(t, session.Init(testPIN, testPUK, testPassword))

	info, err = session.Select()
	require.NoError(t, err)

	assert.True(t, info.Initialized)
	assert.Len(t, info.InstanceUID, 16)
	assert.Equal(t, []byte{0x03, 0x01}, info.Version)
	assert.Equal(t, 5, info.AvailableSlots)
	assert.Empty(t, info.KeyUID)

	assert.ErrorIs(t, session.Init(testPIN, testPUK, testPassword), keycard.ErrAlreadyInitialized)
}

func TestPairAndOpenSecureChannel(t *testing.T) {
	t.Parallel()

	_, session := newCardSession(t)

	pairing, err := session.Pair(testPassword)
	require.NoError(t, err)

	assert.Len(t, pairing.Key, 32)
	assert.GreaterOrEqual(t, pairing.Index, 0)
	assert.Less(t, pairing.Index, 5)

	require.NoError(t, session.OpenSecureChannel(pairing.Index, pairing.Key))

	// the channel is up but the PIN has not been shown yet
	assert.False(t, session.PINVerified())

	status, err := session.GetStatus()
	require.NoError(t, err)

	assert.Equal(t, 3, status.PINRetryCount)
	assert.Equal(t, 5, status.PUKRetryCount)
	assert.False(t, status.KeyInitialized)
}

func TestPairRejectsWrongPassword(t *testing.T) {
	t.Parallel()

	_, session := newCardSession(t)

	_, err := session.Pair("NotThePassword")
	assert.ErrorIs(t, err, keycard.ErrInvalidCardCryptogram)
}

func TestOpenSecureChannelRejectsWrongPairingKey(t *testing.T) {
	t.Parallel()

	_, session := newCardSession(t)

	pairing, err := session.Pair(testPassword)
	require.NoError(t, err)

	wrongKey := append([]byte(nil), pairing.Key...)
	wrongKey[0] ^= 0x01

	err = session.OpenSecureChannel(pairing.Index, wrongKey)
	require.Error(t, err)

	// the failed handshake left no usable channel behind
	_, err = session.GetStatus()

	var preconditionError *keycard.PreconditionError
	assert.ErrorAs(t, err, &preconditionError)
}

func TestMutuallyAuthenticateOnlyOncePerChannel(t *testing.T) {
	t.Parallel()

	_, session := newCardSession(t)
	pairAndOpen(t, session)

	// the handshake already ran inside OpenSecureChannel; a caller-supplied
	// challenge changes nothing
	err := session.MutuallyAuthenticate(bytes.Repeat([]byte{0x5A}, 32))

	var cardError *keycard.CardError
	require.ErrorAs(t, err, &cardError)
}

func TestVerifyPINCountsAttempts(t *testing.T) {
	t.Parallel()

	_, session := newCardSession(t)
	pairAndOpen(t, session)

	verified, remaining, err := session.VerifyPIN("654321")
	require.NoError(t, err)
	assert.False(t, verified)
	assert.Equal(t, 2, remaining)
	assert.False(t, session.PINVerified())

	// a correct PIN resets the counter
	verifyPIN(t, session)
	assert.True(t, session.PINVerified())

	status, err := session.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, 3, status.PINRetryCount)
}

func TestBlockedPINAndUnblock(t *testing.T) {
	t.Parallel()

	_, session := newCardSession(t)
	pairAndOpen(t, session)

	_, remaining, err := session.VerifyPIN("000000")
	require.NoError(t, err)
	assert.Equal(t, 2, remaining)

	_, remaining, err = session.VerifyPIN("000000")
	require.NoError(t, err)
	assert.Equal(t, 1, remaining)

	_, _, err = session.VerifyPIN("000000")
	assert.ErrorIs(t, err, keycard.ErrPINBlocked)

	// even the right PIN is refused once blocked
	_, _, err = session.VerifyPIN(testPIN)
	assert.ErrorIs(t, err, keycard.ErrPINBlocked)

	// a wrong PUK only burns a retry
	unblocked, remaining, err := session.UnblockPIN("999999999999", "111111")
	require.NoError(t, err)
	assert.False(t, unblocked)
	assert.Equal(t, 4, remaining)

	unblocked, _, err = session.UnblockPIN(testPUK, "111111")
	require.NoError(t, err)
	assert.True(t, unblocked)

	// the unblock verified the new PIN as a side effect
	assert.True(t, session.PINVerified())

	status, err := session.GetStatus()
	require.NoError(t, err)
	assert.Equal(t, 3, status.PINRetryCount)
	assert.Equal(t, 5, status.PUKRetryCount)

	verified, _, err := session.VerifyPIN("111111")
	require.NoError(t, err)
	assert.True(t, verified)
}

func TestChangeCredentials(t *testing.T) {
	t.Parallel()

	_, session := newCardSession(t)
	pairing := pairAndOpen(t, session)
	verifyPIN(t, session)

	require.NoError(t, session.ChangePIN("222222"))
	require.NoError(t, session.ChangePUK("210987654321"))
	require.NoError(t, session.ChangePairingPassword("NewPairing"))

	// a fresh channel accepts only the new PIN
	require.NoError(t, session.OpenSecureChannel(pairing.Index, pairing.Key))

	verified, _, err := session.VerifyPIN(testPIN)
	require.NoError(t, err)
	assert.False(t, verified)

	verified, _, err = session.VerifyPIN("222222")
	require.NoError(t, err)
	assert.True(t, verified)

	// existing pairings survive a password change, new ones need the new
	// password
	_, err = session.Pair(testPassword)
	assert.ErrorIs(t, err, keycard.ErrInvalidCardCryptogram)

	_, err = session.Pair("NewPairing")
	require.NoError(t, err)
}

func TestGenerateKey(t *testing.T) {
	t.Parallel()

	_, session := newCardSession(t)
	pairAndOpen(t, session)
	verifyPIN(t, session)

	keyUID, err := session.GenerateKey()
	require.NoError(t, err)
	assert.Len(t, keyUID, 32)

	status, err := session.GetStatus()
	require.NoError(t, err)
	assert.True(t, status.KeyInitialized)

	path, err := session.CurrentKeyPath()
	require.NoError(t, err)
	assert.Equal(t, "m", path)

	// the select response now reports the key UID
	info, err := session.Select()
	require.NoError(t, err)
	assert.Equal(t, keyUID, info.KeyUID)
}

func TestDeriveKey(t *testing.T) {
	t.Parallel()

	_, session := newCardSession(t)
	pairAndOpen(t, session)
	verifyPIN(t, session)

	_, err := session.GenerateKey()
	require.NoError(t, err)

	require.NoError(t, session.DeriveKey("m/44'/60'/0'/0/0"))

	path, err := session.CurrentKeyPath()
	require.NoError(t, err)
	assert.Equal(t, "m/44'/60'/0'/0/0", path)

	// relative to the current key
	require.NoError(t, session.DeriveKey("./1"))

	path, err = session.CurrentKeyPath()
	require.NoError(t, err)
	assert.Equal(t, "m/44'/60'/0'/0/0/1", path)

	// relative to the current key's parent
	require.NoError(t, session.DeriveKey("../2"))

	path, err = session.CurrentKeyPath()
	require.NoError(t, err)
	assert.Equal(t, "m/44'/60'/0'/0/0/2", path)
}

func TestExportKey(t *testing.T) {
	t.Parallel()

	_, session := newCardSession(t)
	pairAndOpen(t, session)
	verifyPIN(t, session)

	_, err := session.GenerateKey()
	require.NoError(t, err)

	publicOnly, err := session.ExportCurrentKey(false)
	require.NoError(t, err)
	assert.Len(t, publicOnly.PublicKey, 65)
	assert.Empty(t, publicOnly.PrivateKey)

	withPrivate, err := session.ExportKey("m/44'/60'/0'/1", false, true)
	require.NoError(t, err)
	assert.Len(t, withPrivate.PublicKey, 65)
	assert.Len(t, withPrivate.PrivateKey, 32)
	assert.NotEqual(t, publicOnly.PublicKey, withPrivate.PublicKey)

	// derive-only export leaves the current key alone
	path, err := session.CurrentKeyPath()
	require.NoError(t, err)
	assert.Equal(t, "m", path)

	_, err = session.ExportKey("m/0", true, false)
	require.NoError(t, err)

	path, err = session.CurrentKeyPath()
	require.NoError(t, err)
	assert.Equal(t, "m/0", path)
}

func TestSign(t *testing.T) {
	t.Parallel()

	_, session := newCardSession(t)
	pairAndOpen(t, session)
	verifyPIN(t, session)

	_, err := session.GenerateKey()
	require.NoError(t, err)

	exported, err := session.ExportCurrentKey(false)
	require.NoError(t, err)

	signature, err := session.Sign(testDigest(t), keycard.AlgorithmECDSASecp256k1)
	require.NoError(t, err)

	assert.Len(t, signature.R, 32)
	assert.Len(t, signature.S, 32)
	assert.LessOrEqual(t, signature.V, byte(1))
	assert.Equal(t, exported.PublicKey, signature.PublicKey)

	// the signature must recover to the card's key locally
	compact := make([]byte, 65)
	compact[0] = 27 + signature.V
	copy(compact[1:], signature.R)
	copy(compact[33:], signature.S)

	recovered, compressed, err := ecdsa.RecoverCompact(compact, testDigest(t))
	require.NoError(t, err)
	assert.False(t, compressed)
	assert.Equal(t, exported.PublicKey, recovered.SerializeUncompressed())
}

func TestSignWithPath(t *testing.T) {
	t.Parallel()

	_, session := newCardSession(t)
	pairAndOpen(t, session)
	verifyPIN(t, session)

	_, err := session.GenerateKey()
	require.NoError(t, err)

	pathKey, err := session.ExportKey("m/44'/60'/0'/0/1", false, false)
	require.NoError(t, err)

	signature, err := session.SignWithPath(testDigest(t), keycard.AlgorithmECDSASecp256k1, "m/44'/60'/0'/0/1", false)
	require.NoError(t, err)
	assert.Equal(t, pathKey.PublicKey, signature.PublicKey)

	// without makeCurrent the current key stays put
	path, err := session.CurrentKeyPath()
	require.NoError(t, err)
	assert.Equal(t, "m", path)

	_, err = session.SignWithPath(testDigest(t), keycard.AlgorithmECDSASecp256k1, "m/44'/60'/0'/0/2", true)
	require.NoError(t, err)

	path, err = session.CurrentKeyPath()
	require.NoError(t, err)
	assert.Equal(t, "m/44'/60'/0'/0/2", path)
}

func TestSignRawResponses(t *testing.T) {
	t.Parallel()

	card, session := newCardSession(t)
	card.RawSignatures = true

	pairAndOpen(t, session)
	verifyPIN(t, session)

	_, err := session.GenerateKey()
	require.NoError(t, err)

	exported, err := session.ExportCurrentKey(false)
	require.NoError(t, err)

	signature, err := session.Sign(testDigest(t), keycard.AlgorithmECDSASecp256k1)
	require.NoError(t, err)

	assert.Len(t, signature.R, 32)
	assert.Len(t, signature.S, 32)
	assert.LessOrEqual(t, signature.V, byte(1))
	assert.Equal(t, exported.PublicKey, signature.PublicKey)
}

func TestPinlessSign(t *testing.T) {
	t.Parallel()

	card, session := newCardSession(t)
	pairAndOpen(t, session)
	verifyPIN(t, session)

	_, err := session.GenerateKey()
	require.NoError(t, err)

	pinlessKey, err := session.ExportKey("m/44'/60'/0'/0/0", false, false)
	require.NoError(t, err)

	require.NoError(t, session.SetPinlessPath("m/44'/60'/0'/0/0"))

	// over the authenticated channel
	signature, err := session.SignPinless(testDigest(t), keycard.AlgorithmECDSASecp256k1)
	require.NoError(t, err)
	assert.Equal(t, pinlessKey.PublicKey, signature.PublicKey)

	// and with no channel at all: a fresh session that only selected
	fresh := keycard.New(card)

	_, err = fresh.Select()
	require.NoError(t, err)

	signature, err = fresh.SignPinless(testDigest(t), keycard.AlgorithmECDSASecp256k1)
	require.NoError(t, err)
	assert.Equal(t, pinlessKey.PublicKey, signature.PublicKey)
}

func TestPinlessSignWithoutConfiguredPath(t *testing.T) {
	t.Parallel()

	card, session := newCardSession(t)
	pairAndOpen(t, session)
	verifyPIN(t, session)

	_, err := session.GenerateKey()
	require.NoError(t, err)

	fresh := keycard.New(card)

	_, err = fresh.Select()
	require.NoError(t, err)

	_, err = fresh.SignPinless(testDigest(t), keycard.AlgorithmECDSASecp256k1)

	var cardError *keycard.CardError
	require.ErrorAs(t, err, &cardError)
}

func TestStoreAndGetData(t *testing.T) {
	t.Parallel()

	_, session := newCardSession(t)
	pairAndOpen(t, session)
	verifyPIN(t, session)

	blob := []byte("public slot payload")

	require.NoError(t, session.StoreData(keycard.P1DataSlotPublic, blob))

	stored, err := session.GetData(keycard.P1DataSlotPublic)
	require.NoError(t, err)
	assert.Equal(t, blob, stored)

	// untouched slots read back empty
	stored, err = session.GetData(keycard.P1DataSlotNDEF)
	require.NoError(t, err)
	assert.Empty(t, stored)

	// storing empty clears the slot
	require.NoError(t, session.StoreData(keycard.P1DataSlotPublic, nil))

	stored, err = session.GetData(keycard.P1DataSlotPublic)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestLoadSeedAndLoadKey(t *testing.T) {
	t.Parallel()

	_, session := newCardSession(t)
	pairAndOpen(t, session)
	verifyPIN(t, session)

	seed := bytes.Repeat([]byte{0x2A}, 64)

	keyUID, err := session.LoadSeed(seed)
	require.NoError(t, err)
	assert.Len(t, keyUID, 32)

	// loading the same seed yields the same key
	again, err := session.LoadSeed(seed)
	require.NoError(t, err)
	assert.Equal(t, keyUID, again)

	// the UID is the hash of the master public key
	exported, err := session.ExportCurrentKey(false)
	require.NoError(t, err)

	expectedUID := sha256.Sum256(exported.PublicKey)
	assert.Equal(t, expectedUID[:], keyUID)

	// an extended key replaces the seed derived master
	loadedUID, err := session.LoadKey(&keycard.Key{
		PrivateKey: bytes.Repeat([]byte{0x05}, 32),
		ChainCode:  bytes.Repeat([]byte{0x06}, 32),
	})
	require.NoError(t, err)
	assert.Len(t, loadedUID, 32)
	assert.NotEqual(t, keyUID, loadedUID)
}

func TestRemoveKey(t *testing.T) {
	t.Parallel()

	_, session := newCardSession(t)
	pairAndOpen(t, session)
	verifyPIN(t, session)

	_, err := session.GenerateKey()
	require.NoError(t, err)

	require.NoError(t, session.RemoveKey())

	status, err := session.GetStatus()
	require.NoError(t, err)
	assert.False(t, status.KeyInitialized)

	_, err = session.Sign(testDigest(t), keycard.AlgorithmECDSASecp256k1)

	var cardError *keycard.CardError
	require.ErrorAs(t, err, &cardError)
}

func TestUnpair(t *testing.T) {
	t.Parallel()

	card, session := newCardSession(t)
	pairing := pairAndOpen(t, session)
	verifyPIN(t, session)

	require.NoError(t, session.Unpair(pairing.Index))

	// the open channel keeps working
	_, err := session.GetStatus()
	require.NoError(t, err)

	// but the slot cannot be reopened
	fresh := keycard.New(card)

	_, err = fresh.Select()
	require.NoError(t, err)

	err = fresh.OpenSecureChannel(pairing.Index, pairing.Key)

	var cardError *keycard.CardError
	require.ErrorAs(t, err, &cardError)
}

func TestPairingSlotsExhaust(t *testing.T) {
	t.Parallel()

	_, session := newCardSession(t)

	for i := 0; i < 5; i++ {
		_, err := session.Pair(testPassword)
		require.NoError(t, err, "pairing %d", i)
	}

	info, err := session.Select()
	require.NoError(t, err)
	assert.Zero(t, info.AvailableSlots)

	_, err = session.Pair(testPassword)

	var cardError *keycard.CardError
	require.ErrorAs(t, err, &cardError)
}

func TestFactoryReset(t *testing.T) {
	t.Parallel()

	_, session := newCardSession(t)
	pairing := pairAndOpen(t, session)
	verifyPIN(t, session)

	_, err := session.GenerateKey()
	require.NoError(t, err)

	require.NoError(t, session.FactoryReset())

	// the session holds nothing afterwards
	assert.Nil(t, session.ApplicationInfo())
	assert.False(t, session.PINVerified())

	info, err := session.Select()
	require.NoError(t, err)
	assert.False(t, info.Initialized)

	// credentials can be written again, old pairings are gone
	require.NoError(t, session.Init(testPIN, testPUK, testPassword))

	_, err = session.Select()
	require.NoError(t, err)

	err = session.OpenSecureChannel(pairing.Index, pairing.Key)

	var cardError *keycard.CardError
	require.ErrorAs(t, err, &cardError)
}
