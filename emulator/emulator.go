// Package emulator implements a software Keycard. It answers the same wire
// protocol a physical card does, secure channel included, so sessions can be
// exercised end to end without a reader.
package emulator

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/moov-io/bertlv"
	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/text/unicode/norm"

	keycard "github.com/schjonhaug/keycard-go"
	"github.com/schjonhaug/keycard-go/apdu"
)

const (
	pairingSlots = 5

	pinRetryLimit = 3
	pukRetryLimit = 5
)

// appletVersion is reported in the select response, major byte then minor.
var appletVersion = []byte{0x03, 0x01}

// Card is a software Keycard. The zero value is not usable; create one with
// NewCard or NewInitializedCard. It satisfies the keycard Transport
// interface.
//
// A Card is not safe for concurrent use, matching the single reader channel
// of real hardware.
type Card struct {
	key         *secp256k1.PrivateKey
	instanceUID []byte

	initialized   bool
	pin           string
	puk           string
	pairingSecret []byte

	pinRetries int
	pukRetries int

	pairings      map[byte][]byte
	cardChallenge []byte

	selected    bool
	channel     *channel
	pinVerified bool

	master      *hdkeychain.ExtendedKey
	current     *hdkeychain.ExtendedKey
	currentPath []uint32
	pinlessPath []uint32

	data map[byte][]byte

	// RawSignatures switches sign responses to the fixed-width
	// r || s || recovery id shape some applet versions produce instead of
	// the TLV template.
	RawSignatures bool
}

// NewCard returns a blank card fresh from the factory with a random secure
// channel key pair.
func NewCard() (*Card, error) {

	key, err := btcec.NewPrivateKey()

	if err != nil {
		return nil, err
	}

	instanceUID := make([]byte, 16)

	if _, err := rand.Read(instanceUID); err != nil {
		return nil, err
	}

	return &Card{
		key:         key,
		instanceUID: instanceUID,
		pinRetries:  pinRetryLimit,
		pukRetries:  pukRetryLimit,
		pairings:    make(map[byte][]byte),
		data:        make(map[byte][]byte),
	}, nil

}

// NewInitializedCard returns a card already carrying the given credentials,
// the shortcut for exercising everything past Init.
func NewInitializedCard(pin, puk, pairingPassword string) (*Card, error) {

	card, err := NewCard()

	if err != nil {
		return nil, err
	}

	card.initialized = true
	card.pin = pin
	card.puk = puk
	card.pairingSecret = pairingToken(pairingPassword)

	return card, nil

}

// Transmit answers one command APDU. Transport errors do not exist in
// software; every outcome is a response with a status word.
func (card *Card) Transmit(raw []byte) ([]byte, error) {

	if len(raw) < 5 || len(raw) != 5+int(raw[4]) {
		return respond(nil, apdu.SwWrongLength), nil
	}

	cla, ins, p1, p2 := raw[0], raw[1], raw[2], raw[3]
	data := raw[5:]

	if cla == keycard.ClaISO7816 && ins == keycard.InsSelect {
		return card.handleSelect(p1, data), nil
	}

	if cla != keycard.ClaGP {
		return respond(nil, apdu.SwInstructionNotSupported), nil
	}

	if !card.selected {
		return respond(nil, apdu.SwConditionsNotSatisfied), nil
	}

	// the plain commands; everything else arrives wrapped
	switch ins {
	case keycard.InsInit:
		return card.handleInit(data), nil
	case keycard.InsPair:
		return card.handlePair(p1, data), nil
	case keycard.InsOpenSecureChannel:
		return card.handleOpenSecureChannel(p1, data), nil
	case keycard.InsFactoryReset:
		return card.handleFactoryReset(p1, p2), nil
	}

	if card.channel == nil {

		// the one command allowed outside a channel
		if ins == keycard.InsSign && p1&0x0F == keycard.P1SignPinless {
			data, sw := card.handleSign(p1, data)
			return respond(data, sw), nil
		}

		return respond(nil, apdu.SwConditionsNotSatisfied), nil

	}

	plaintext, err := card.channel.unwrapCommand(cla, ins, p1, p2, data)

	if err != nil {
		card.channel = nil
		card.pinVerified = false
		return respond(nil, apdu.SwSecurityConditionNotMet), nil
	}

	responseData, sw := card.handleSecure(ins, p1, p2, plaintext)

	return respond(card.channel.wrapResponse(responseData, sw), apdu.SwOK), nil

}

// handleSecure dispatches a command that arrived through the channel. The
// returned data and status word travel back encrypted.
func (card *Card) handleSecure(ins, p1, p2 byte, data []byte) ([]byte, uint16) {

	if ins == keycard.InsMutuallyAuthenticate {
		return card.handleMutuallyAuthenticate(data)
	}

	if !card.channel.authenticated {
		return nil, apdu.SwConditionsNotSatisfied
	}

	if card.needsPIN(ins, p1) && !card.pinVerified {
		return nil, apdu.SwConditionsNotSatisfied
	}

	switch ins {
	case keycard.InsVerifyPIN:
		return card.handleVerifyPIN(data)
	case keycard.InsChangeSecret:
		return card.handleChangeSecret(p1, data)
	case keycard.InsUnblockPIN:
		return card.handleUnblockPIN(data)
	case keycard.InsGetStatus:
		return card.handleGetStatus(p1)
	case keycard.InsUnpair:
		return card.handleUnpair(p1)
	case keycard.InsGenerateKey:
		return card.handleGenerateKey()
	case keycard.InsRemoveKey:
		return card.handleRemoveKey()
	case keycard.InsLoadKey:
		return card.handleLoadKey(p1, data)
	case keycard.InsDeriveKey:
		return card.handleDeriveKey(p1, data)
	case keycard.InsSign:
		return card.handleSign(p1, data)
	case keycard.InsSetPinlessPath:
		return card.handleSetPinlessPath(data)
	case keycard.InsExportKey:
		return card.handleExportKey(p1, p2, data)
	case keycard.InsGetData:
		return card.handleGetData(p1)
	case keycard.InsStoreData:
		return card.handleStoreData(p1, data)
	default:
		return nil, apdu.SwInstructionNotSupported
	}

}

func (card *Card) needsPIN(ins, p1 byte) bool {

	switch ins {
	case keycard.InsChangeSecret,
		keycard.InsUnpair,
		keycard.InsGenerateKey,
		keycard.InsRemoveKey,
		keycard.InsLoadKey,
		keycard.InsDeriveKey,
		keycard.InsSetPinlessPath,
		keycard.InsExportKey,
		keycard.InsStoreData:
		return true
	case keycard.InsSign:
		return p1&0x0F != keycard.P1SignPinless
	default:
		return false
	}

}

func (card *Card) handleSelect(p1 byte, aid []byte) []byte {

	if p1 != keycard.P1SelectByName || !bytes.Equal(aid, keycard.WalletAID) {
		return respond(nil, apdu.SwFileNotFound)
	}

	card.selected = true
	card.channel = nil
	card.pinVerified = false
	card.cardChallenge = nil

	if !card.initialized {

		data, err := bertlv.Encode([]bertlv.TLV{{Tag: "80", Value: card.key.PubKey().SerializeUncompressed()}})

		if err != nil {
			return respond(nil, apdu.SwWrongData)
		}

		return respond(data, apdu.SwOK)

	}

	template := bertlv.TLV{Tag: "A4", TLVs: []bertlv.TLV{
		{Tag: "8F", Value: card.instanceUID},
		{Tag: "80", Value: card.key.PubKey().SerializeUncompressed()},
		{Tag: "02", Value: appletVersion},
		{Tag: "02", Value: []byte{byte(pairingSlots - len(card.pairings))}},
	}}

	if card.master != nil {
		template.TLVs = append(template.TLVs, bertlv.TLV{Tag: "8E", Value: card.keyUID()})
	}

	data, err := bertlv.Encode([]bertlv.TLV{template})

	if err != nil {
		return respond(nil, apdu.SwWrongData)
	}

	return respond(data, apdu.SwOK)

}

func (card *Card) handleInit(data []byte) []byte {

	if card.initialized {
		return respond(nil, apdu.SwInstructionNotSupported)
	}

	if len(data) < 1 {
		return respond(nil, apdu.SwWrongData)
	}

	keyLength := int(data[0])

	if len(data) < 1+keyLength+16 {
		return respond(nil, apdu.SwWrongData)
	}

	clientKey, err := btcec.ParsePubKey(data[1 : 1+keyLength])

	if err != nil {
		return respond(nil, apdu.SwWrongData)
	}

	iv := data[1+keyLength : 1+keyLength+16]
	ciphertext := data[1+keyLength+16:]

	plaintext, err := decryptCBC(sharedSecret(card.key, clientKey), iv, ciphertext)

	if err != nil {
		return respond(nil, apdu.SwWrongData)
	}

	if len(plaintext) != 6+12+32 {
		return respond(nil, apdu.SwWrongData)
	}

	card.pin = string(plaintext[:6])
	card.puk = string(plaintext[6:18])
	card.pairingSecret = append([]byte(nil), plaintext[18:]...)

	card.initialized = true
	card.pinRetries = pinRetryLimit
	card.pukRetries = pukRetryLimit

	return respond(nil, apdu.SwOK)

}

func (card *Card) handlePair(p1 byte, data []byte) []byte {

	if !card.initialized {
		return respond(nil, apdu.SwConditionsNotSatisfied)
	}

	switch p1 {

	case keycard.P1PairingFirstStep:

		if len(data) != 32 {
			return respond(nil, apdu.SwWrongData)
		}

		if card.freePairingSlot() < 0 {
			return respond(nil, apdu.SwNoAvailablePairingSlots)
		}

		card.cardChallenge = make([]byte, 32)

		if _, err := rand.Read(card.cardChallenge); err != nil {
			return respond(nil, apdu.SwWrongData)
		}

		response := make([]byte, 0, 64)
		response = append(response, cryptogram(card.pairingSecret, data)...)
		response = append(response, card.cardChallenge...)

		return respond(response, apdu.SwOK)

	case keycard.P1PairingFinalStep:

		if card.cardChallenge == nil {
			return respond(nil, apdu.SwConditionsNotSatisfied)
		}

		expected := cryptogram(card.pairingSecret, card.cardChallenge)
		card.cardChallenge = nil

		if !bytes.Equal(expected, data) {
			return respond(nil, apdu.SwSecurityConditionNotMet)
		}

		slot := card.freePairingSlot()

		if slot < 0 {
			return respond(nil, apdu.SwNoAvailablePairingSlots)
		}

		salt := make([]byte, 32)

		if _, err := rand.Read(salt); err != nil {
			return respond(nil, apdu.SwWrongData)
		}

		card.pairings[byte(slot)] = cryptogram(card.pairingSecret, salt)

		response := make([]byte, 0, 33)
		response = append(response, byte(slot))
		response = append(response, salt...)

		return respond(response, apdu.SwOK)

	default:
		return respond(nil, apdu.SwIncorrectParameters)
	}

}

func (card *Card) freePairingSlot() int {

	for slot := 0; slot < pairingSlots; slot++ {
		if _, taken := card.pairings[byte(slot)]; !taken {
			return slot
		}
	}

	return -1

}

func (card *Card) handleOpenSecureChannel(p1 byte, data []byte) []byte {

	if !card.initialized {
		return respond(nil, apdu.SwConditionsNotSatisfied)
	}

	pairingKey, ok := card.pairings[p1]

	if !ok {
		return respond(nil, apdu.SwIncorrectParameters)
	}

	clientKey, err := btcec.ParsePubKey(data)

	if err != nil {
		return respond(nil, apdu.SwWrongData)
	}

	salt := make([]byte, 32)
	seedIV := make([]byte, 16)

	if _, err := rand.Read(salt); err != nil {
		return respond(nil, apdu.SwWrongData)
	}

	if _, err := rand.Read(seedIV); err != nil {
		return respond(nil, apdu.SwWrongData)
	}

	keyData := sha512.New()
	keyData.Write(sharedSecret(card.key, clientKey))
	keyData.Write(pairingKey)
	keyData.Write(salt)

	card.channel = newChannel(keyData.Sum(nil), seedIV)
	card.pinVerified = false

	response := make([]byte, 0, 48)
	response = append(response, salt...)
	response = append(response, seedIV...)

	return respond(response, apdu.SwOK)

}

func (card *Card) handleMutuallyAuthenticate(data []byte) ([]byte, uint16) {

	if card.channel.authenticated {
		return nil, apdu.SwConditionsNotSatisfied
	}

	if len(data) != 32 {
		return nil, apdu.SwSecurityConditionNotMet
	}

	card.channel.authenticated = true

	challenge := make([]byte, 32)

	if _, err := rand.Read(challenge); err != nil {
		return nil, apdu.SwWrongData
	}

	return challenge, apdu.SwOK

}

func (card *Card) handleFactoryReset(p1, p2 byte) []byte {

	if p1 != keycard.P1FactoryResetMagic || p2 != keycard.P2FactoryResetMagic {
		return respond(nil, apdu.SwIncorrectParameters)
	}

	card.initialized = false
	card.pin = ""
	card.puk = ""
	card.pairingSecret = nil
	card.pinRetries = pinRetryLimit
	card.pukRetries = pukRetryLimit
	card.pairings = make(map[byte][]byte)
	card.cardChallenge = nil
	card.channel = nil
	card.pinVerified = false
	card.master = nil
	card.current = nil
	card.currentPath = nil
	card.pinlessPath = nil
	card.data = make(map[byte][]byte)

	return respond(nil, apdu.SwOK)

}

func (card *Card) handleVerifyPIN(data []byte) ([]byte, uint16) {

	if card.pinRetries == 0 {
		return nil, 0x63C0
	}

	if string(data) == card.pin {
		card.pinRetries = pinRetryLimit
		card.pinVerified = true
		return nil, apdu.SwOK
	}

	card.pinRetries--

	return nil, 0x63C0 | uint16(card.pinRetries)

}

func (card *Card) handleChangeSecret(p1 byte, data []byte) ([]byte, uint16) {

	switch p1 {

	case keycard.P1ChangePIN:

		if len(data) != 6 || !allDigits(data) {
			return nil, apdu.SwWrongData
		}

		card.pin = string(data)

	case keycard.P1ChangePUK:

		if len(data) != 12 || !allDigits(data) {
			return nil, apdu.SwWrongData
		}

		card.puk = string(data)

	case keycard.P1ChangePairingSecret:

		if len(data) != 32 {
			return nil, apdu.SwWrongData
		}

		card.pairingSecret = append([]byte(nil), data...)

	default:
		return nil, apdu.SwIncorrectParameters
	}

	return nil, apdu.SwOK

}

func (card *Card) handleUnblockPIN(data []byte) ([]byte, uint16) {

	if card.pukRetries == 0 {
		return nil, 0x63C0
	}

	if len(data) != 12+6 {
		return nil, apdu.SwWrongData
	}

	if string(data[:12]) == card.puk {
		card.pin = string(data[12:])
		card.pinRetries = pinRetryLimit
		card.pukRetries = pukRetryLimit
		card.pinVerified = true
		return nil, apdu.SwOK
	}

	card.pukRetries--

	return nil, 0x63C0 | uint16(card.pukRetries)

}

func (card *Card) handleGetStatus(p1 byte) ([]byte, uint16) {

	switch p1 {

	case keycard.P1GetStatusApplication:

		keyInitialized := byte(0x00)

		if card.master != nil {
			keyInitialized = 0xFF
		}

		data, err := bertlv.Encode([]bertlv.TLV{{Tag: "A3", TLVs: []bertlv.TLV{
			{Tag: "02", Value: []byte{byte(card.pinRetries)}},
			{Tag: "02", Value: []byte{byte(card.pukRetries)}},
			{Tag: "01", Value: []byte{keyInitialized}},
		}}})

		if err != nil {
			return nil, apdu.SwWrongData
		}

		return data, apdu.SwOK

	case keycard.P1GetStatusKeyPath:
		return encodePath(card.currentPath), apdu.SwOK

	default:
		return nil, apdu.SwIncorrectParameters
	}

}

func (card *Card) handleUnpair(p1 byte) ([]byte, uint16) {

	if _, ok := card.pairings[p1]; !ok {
		return nil, apdu.SwIncorrectParameters
	}

	delete(card.pairings, p1)

	return nil, apdu.SwOK

}

func (card *Card) handleGetData(p1 byte) ([]byte, uint16) {

	if p1 > keycard.P1DataSlotCash {
		return nil, apdu.SwIncorrectParameters
	}

	return card.data[p1], apdu.SwOK

}

func (card *Card) handleStoreData(p1 byte, data []byte) ([]byte, uint16) {

	if p1 > keycard.P1DataSlotCash {
		return nil, apdu.SwIncorrectParameters
	}

	if len(data) > 127 {
		return nil, apdu.SwWrongData
	}

	card.data[p1] = append([]byte(nil), data...)

	return nil, apdu.SwOK

}

// keyUID is the sha256 of the master public key, uncompressed.
func (card *Card) keyUID() []byte {

	publicKey, err := card.master.ECPubKey()

	if err != nil {
		return nil
	}

	uid := sha256.Sum256(publicKey.SerializeUncompressed())

	return uid[:]

}

// pairingToken derives the pairing secret from a password the same way
// clients do.
func pairingToken(password string) []byte {
	return pbkdf2.Key(norm.NFKD.Bytes([]byte(password)), norm.NFKD.Bytes([]byte("Keycard Pairing Password Salt")), 50000, 32, sha256.New)
}

// cryptogram hashes the pairing secret with a challenge.
func cryptogram(secret, challenge []byte) []byte {

	digest := sha256.New()
	digest.Write(secret)
	digest.Write(challenge)

	return digest.Sum(nil)

}

// sharedSecret is the x coordinate of the ECDH point between the card key
// and a client public key.
func sharedSecret(privateKey *secp256k1.PrivateKey, publicKey *secp256k1.PublicKey) []byte {

	var point, result secp256k1.JacobianPoint
	publicKey.AsJacobian(&point)
	secp256k1.ScalarMultNonConst(&privateKey.Key, &point, &result)
	result.ToAffine()
	xBytes := result.X.Bytes()

	return xBytes[:]

}

func respond(data []byte, sw uint16) []byte {

	response := make([]byte, 0, len(data)+2)
	response = append(response, data...)
	response = append(response, byte(sw>>8), byte(sw))

	return response

}

func allDigits(data []byte) bool {

	for _, b := range data {
		if b < '0' || b > '9' {
			return false
		}
	}

	return true

}
