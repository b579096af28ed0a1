package emulator

import (
	"encoding/binary"
	"errors"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/moov-io/bertlv"

	keycard "github.com/schjonhaug/keycard-go"
	"github.com/schjonhaug/keycard-go/apdu"
)

func (card *Card) handleGenerateKey() ([]byte, uint16) {

	seed, err := hdkeychain.GenerateSeed(hdkeychain.RecommendedSeedLen)

	if err != nil {
		return nil, apdu.SwWrongData
	}

	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)

	if err != nil {
		return nil, apdu.SwWrongData
	}

	card.setMaster(master)

	return card.keyUID(), apdu.SwOK

}

func (card *Card) handleRemoveKey() ([]byte, uint16) {

	card.master = nil
	card.current = nil
	card.currentPath = nil
	card.pinlessPath = nil

	return nil, apdu.SwOK

}

func (card *Card) handleLoadKey(p1 byte, data []byte) ([]byte, uint16) {

	switch p1 {

	case keycard.P1LoadKeyExtended:

		tlvs, err := bertlv.Decode(data)

		if err != nil || len(tlvs) == 0 || !strings.EqualFold(tlvs[0].Tag, "A1") {
			return nil, apdu.SwWrongData
		}

		var privateKey, chainCode []byte

		for _, child := range tlvs[0].TLVs {
			switch strings.ToUpper(child.Tag) {
			case "81":
				privateKey = child.Value
			case "82":
				chainCode = child.Value
			}
		}

		if len(privateKey) != 32 || len(chainCode) != 32 {
			return nil, apdu.SwWrongData
		}

		master := hdkeychain.NewExtendedKey(
			chaincfg.MainNetParams.HDPrivateKeyID[:],
			privateKey, chainCode, []byte{0x00, 0x00, 0x00, 0x00}, 0, 0, true,
		)

		card.setMaster(master)

	case keycard.P1LoadKeySeed:

		if len(data) != 64 {
			return nil, apdu.SwWrongData
		}

		master, err := hdkeychain.NewMaster(data, &chaincfg.MainNetParams)

		if err != nil {
			return nil, apdu.SwWrongData
		}

		card.setMaster(master)

	default:
		return nil, apdu.SwIncorrectParameters
	}

	return card.keyUID(), apdu.SwOK

}

func (card *Card) handleDeriveKey(p1 byte, data []byte) ([]byte, uint16) {

	if card.master == nil {
		return nil, apdu.SwConditionsNotSatisfied
	}

	components, ok := decodePath(data)

	if !ok {
		return nil, apdu.SwWrongData
	}

	key, path, err := card.deriveFrom(p1&0xC0, components)

	if err != nil {
		return nil, apdu.SwWrongData
	}

	card.current = key
	card.currentPath = path

	return nil, apdu.SwOK

}

func (card *Card) handleSign(p1 byte, data []byte) ([]byte, uint16) {

	if card.master == nil {
		return nil, apdu.SwConditionsNotSatisfied
	}

	if len(data) < 32 {
		return nil, apdu.SwWrongData
	}

	digest := data[:32]

	var key *hdkeychain.ExtendedKey

	switch p1 & 0x0F {

	case keycard.P1SignCurrentKey:

		if len(data) != 32 {
			return nil, apdu.SwWrongData
		}

		key = card.current

	case keycard.P1SignDerive, keycard.P1SignDeriveAndMakeCurrent:

		components, ok := decodePath(data[32:])

		if !ok {
			return nil, apdu.SwWrongData
		}

		derived, path, err := card.deriveFrom(p1&0xC0, components)

		if err != nil {
			return nil, apdu.SwWrongData
		}

		key = derived

		if p1&0x0F == keycard.P1SignDeriveAndMakeCurrent {
			card.current = derived
			card.currentPath = path
		}

	case keycard.P1SignPinless:

		if card.pinlessPath == nil {
			return nil, apdu.SwConditionsNotSatisfied
		}

		derived, err := derivePath(card.master, card.pinlessPath)

		if err != nil {
			return nil, apdu.SwWrongData
		}

		key = derived

	default:
		return nil, apdu.SwIncorrectParameters
	}

	privateKey, err := key.ECPrivKey()

	if err != nil {
		return nil, apdu.SwWrongData
	}

	if card.RawSignatures {

		// compact form is header || r || s with the recovery id inside the
		// 27 based header; rearrange to tag || r || s || v
		compact, err := ecdsa.SignCompact(privateKey, digest, false)

		if err != nil {
			return nil, apdu.SwWrongData
		}

		blob := make([]byte, 0, 66)
		blob = append(blob, keycard.TagSignatureRaw)
		blob = append(blob, compact[1:]...)
		blob = append(blob, compact[0]-27)

		return blob, apdu.SwOK

	}

	publicKey, err := key.ECPubKey()

	if err != nil {
		return nil, apdu.SwWrongData
	}

	der := ecdsa.Sign(privateKey, digest).Serialize()

	derTLVs, err := bertlv.Decode(der)

	if err != nil || len(derTLVs) == 0 {
		return nil, apdu.SwWrongData
	}

	template := bertlv.TLV{Tag: "A0", TLVs: []bertlv.TLV{
		{Tag: "80", Value: publicKey.SerializeUncompressed()},
		derTLVs[0],
	}}

	response, err := bertlv.Encode([]bertlv.TLV{template})

	if err != nil {
		return nil, apdu.SwWrongData
	}

	return response, apdu.SwOK

}

func (card *Card) handleSetPinlessPath(data []byte) ([]byte, uint16) {

	if len(data) == 0 {
		card.pinlessPath = nil
		return nil, apdu.SwOK
	}

	components, ok := decodePath(data)

	if !ok {
		return nil, apdu.SwWrongData
	}

	card.pinlessPath = components

	return nil, apdu.SwOK

}

func (card *Card) handleExportKey(p1, p2 byte, data []byte) ([]byte, uint16) {

	if card.master == nil {
		return nil, apdu.SwConditionsNotSatisfied
	}

	var key *hdkeychain.ExtendedKey

	switch p1 & 0x0F {

	case keycard.P1ExportKeyCurrent:
		key = card.current

	case keycard.P1ExportKeyDerive, keycard.P1ExportKeyDeriveAndMakeCurrent:

		components, ok := decodePath(data)

		if !ok {
			return nil, apdu.SwWrongData
		}

		derived, path, err := card.deriveFrom(p1&0xC0, components)

		if err != nil {
			return nil, apdu.SwWrongData
		}

		key = derived

		if p1&0x0F == keycard.P1ExportKeyDeriveAndMakeCurrent {
			card.current = derived
			card.currentPath = path
		}

	default:
		return nil, apdu.SwIncorrectParameters
	}

	publicKey, err := key.ECPubKey()

	if err != nil {
		return nil, apdu.SwWrongData
	}

	template := bertlv.TLV{Tag: "A1", TLVs: []bertlv.TLV{
		{Tag: "80", Value: publicKey.SerializeUncompressed()},
	}}

	if p2 == keycard.P2ExportKeyPrivateAndPublic {

		privateKey, err := key.ECPrivKey()

		if err != nil {
			return nil, apdu.SwWrongData
		}

		template.TLVs = append(template.TLVs, bertlv.TLV{Tag: "81", Value: privateKey.Serialize()})

	}

	response, err := bertlv.Encode([]bertlv.TLV{template})

	if err != nil {
		return nil, apdu.SwWrongData
	}

	return response, apdu.SwOK

}

func (card *Card) setMaster(master *hdkeychain.ExtendedKey) {
	card.master = master
	card.current = master
	card.currentPath = nil
	card.pinlessPath = nil
}

// deriveFrom walks the key tree from the source the P1 mask selects and
// returns the key together with its absolute path.
func (card *Card) deriveFrom(sourceMask byte, components []uint32) (*hdkeychain.ExtendedKey, []uint32, error) {

	var start *hdkeychain.ExtendedKey
	var base []uint32

	switch sourceMask {

	case keycard.P1DeriveSourceMaster:
		start = card.master

	case keycard.P1DeriveSourceParent:

		if len(card.currentPath) == 0 {
			return nil, nil, errors.New("current key has no parent")
		}

		base = card.currentPath[:len(card.currentPath)-1]

		parent, err := derivePath(card.master, base)

		if err != nil {
			return nil, nil, err
		}

		start = parent

	case keycard.P1DeriveSourceCurrent:
		start = card.current
		base = card.currentPath

	default:
		return nil, nil, errors.New("derivation source")
	}

	key, err := derivePath(start, components)

	if err != nil {
		return nil, nil, err
	}

	path := make([]uint32, 0, len(base)+len(components))
	path = append(path, base...)
	path = append(path, components...)

	return key, path, nil

}

func derivePath(key *hdkeychain.ExtendedKey, components []uint32) (*hdkeychain.ExtendedKey, error) {

	for _, component := range components {

		next, err := key.Derive(component)

		if err != nil {
			return nil, err
		}

		key = next

	}

	return key, nil

}

func encodePath(components []uint32) []byte {

	data := make([]byte, 4*len(components))

	for i, component := range components {
		binary.BigEndian.PutUint32(data[4*i:], component)
	}

	return data

}

func decodePath(data []byte) ([]uint32, bool) {

	if len(data)%4 != 0 {
		return nil, false
	}

	components := make([]uint32, len(data)/4)

	for i := range components {
		components[i] = binary.BigEndian.Uint32(data[4*i:])
	}

	return components, true

}
