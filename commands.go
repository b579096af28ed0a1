package keycard

import (
	"github.com/schjonhaug/keycard-go/apdu"
)

// WalletAID is the application identifier the wallet applet is selected by.
var WalletAID = []byte{0xA0, 0x00, 0x00, 0x08, 0x04, 0x00, 0x01, 0x01}

const (
	// ClaISO7816 is the class byte for interindustry commands (SELECT).
	ClaISO7816 = uint8(0x00)
	// ClaGP is the class byte for the applet's proprietary commands.
	ClaGP = uint8(0x80)

	InsSelect               = uint8(0xA4)
	InsInit                 = uint8(0xFE)
	InsOpenSecureChannel    = uint8(0x10)
	InsMutuallyAuthenticate = uint8(0x11)
	InsPair                 = uint8(0x12)
	InsUnpair               = uint8(0x13)
	InsGetStatus            = uint8(0xF2)
	InsVerifyPIN            = uint8(0x20)
	InsChangeSecret         = uint8(0x21)
	InsUnblockPIN           = uint8(0x22)
	InsLoadKey              = uint8(0xD0)
	InsDeriveKey            = uint8(0xD1)
	InsRemoveKey            = uint8(0xD3)
	InsGenerateKey          = uint8(0xD4)
	InsSign                 = uint8(0xC0)
	InsSetPinlessPath       = uint8(0xC1)
	InsExportKey            = uint8(0xC2)
	InsGetData              = uint8(0xCA)
	InsStoreData            = uint8(0xE2)
	InsFactoryReset         = uint8(0xFD)

	P1SelectByName = uint8(0x04)

	P1PairingFirstStep = uint8(0x00)
	P1PairingFinalStep = uint8(0x01)

	P1GetStatusApplication = uint8(0x00)
	P1GetStatusKeyPath     = uint8(0x01)

	P1ChangePIN           = uint8(0x00)
	P1ChangePUK           = uint8(0x01)
	P1ChangePairingSecret = uint8(0x02)

	P1LoadKeyExtended = uint8(0x02)
	P1LoadKeySeed     = uint8(0x03)

	// Derivation source bits, maskable into DERIVE KEY, SIGN and EXPORT KEY P1.
	P1DeriveSourceMaster  = uint8(0x00)
	P1DeriveSourceParent  = uint8(0x40)
	P1DeriveSourceCurrent = uint8(0x80)

	P1SignCurrentKey           = uint8(0x00)
	P1SignDerive               = uint8(0x01)
	P1SignDeriveAndMakeCurrent = uint8(0x02)
	P1SignPinless              = uint8(0x03)

	P1ExportKeyCurrent              = uint8(0x00)
	P1ExportKeyDerive               = uint8(0x01)
	P1ExportKeyDeriveAndMakeCurrent = uint8(0x02)

	P2ExportKeyPrivateAndPublic = uint8(0x00)
	P2ExportKeyPublicOnly       = uint8(0x01)

	P1DataSlotPublic = uint8(0x00)
	P1DataSlotNDEF   = uint8(0x01)
	P1DataSlotCash   = uint8(0x02)

	// Factory reset magic parameters; the card rejects anything else.
	P1FactoryResetMagic = uint8(0xAA)
	P2FactoryResetMagic = uint8(0x55)

	// TagSelectResponsePreInitialized starts the short select response of a
	// card without credentials; TagApplicationInfoTemplate starts the full one.
	TagSelectResponsePreInitialized = uint8(0x80)
	TagApplicationInfoTemplate      = uint8(0xA4)

	// TagSignatureTemplate starts a TLV sign response; TagSignatureRaw starts
	// the fixed-width r || s || recovery id form.
	TagSignatureTemplate = uint8(0xA0)
	TagSignatureRaw      = uint8(0x80)
)

// Protocol length bounds, validated client-side so malformed input never
// reaches the wire.
const (
	pinLength           = 6
	pukLength           = 12
	pairingSecretLength = 32
	digestLength        = 32
	maxStoredDataLength = 127
	maxPathComponents   = 10
)

func NewCommandSelect(aid []byte) *apdu.Command {
	return apdu.NewCommand(ClaISO7816, InsSelect, P1SelectByName, 0x00, aid)
}

func NewCommandInit(data []byte) *apdu.Command {
	return apdu.NewCommand(ClaGP, InsInit, 0x00, 0x00, data)
}

func NewCommandPairFirstStep(challenge []byte) *apdu.Command {
	return apdu.NewCommand(ClaGP, InsPair, P1PairingFirstStep, 0x00, challenge)
}

func NewCommandPairFinalStep(cryptogram []byte) *apdu.Command {
	return apdu.NewCommand(ClaGP, InsPair, P1PairingFinalStep, 0x00, cryptogram)
}

func NewCommandUnpair(index uint8) *apdu.Command {
	return apdu.NewCommand(ClaGP, InsUnpair, index, 0x00, nil)
}

func NewCommandOpenSecureChannel(pairingIndex uint8, publicKey []byte) *apdu.Command {
	return apdu.NewCommand(ClaGP, InsOpenSecureChannel, pairingIndex, 0x00, publicKey)
}

func NewCommandMutuallyAuthenticate(challenge []byte) *apdu.Command {
	return apdu.NewCommand(ClaGP, InsMutuallyAuthenticate, 0x00, 0x00, challenge)
}

func NewCommandGetStatus(p1 uint8) *apdu.Command {
	return apdu.NewCommand(ClaGP, InsGetStatus, p1, 0x00, nil)
}

func NewCommandVerifyPIN(pin string) *apdu.Command {
	return apdu.NewCommand(ClaGP, InsVerifyPIN, 0x00, 0x00, []byte(pin))
}

func NewCommandChangeSecret(p1 uint8, secret []byte) *apdu.Command {
	return apdu.NewCommand(ClaGP, InsChangeSecret, p1, 0x00, secret)
}

func NewCommandUnblockPIN(puk, newPIN string) *apdu.Command {
	return apdu.NewCommand(ClaGP, InsUnblockPIN, 0x00, 0x00, []byte(puk+newPIN))
}

func NewCommandGenerateKey() *apdu.Command {
	return apdu.NewCommand(ClaGP, InsGenerateKey, 0x00, 0x00, nil)
}

func NewCommandRemoveKey() *apdu.Command {
	return apdu.NewCommand(ClaGP, InsRemoveKey, 0x00, 0x00, nil)
}

func NewCommandLoadKey(p1 uint8, data []byte) *apdu.Command {
	return apdu.NewCommand(ClaGP, InsLoadKey, p1, 0x00, data)
}

func NewCommandDeriveKey(sourceP1 uint8, pathData []byte) *apdu.Command {
	return apdu.NewCommand(ClaGP, InsDeriveKey, sourceP1, 0x00, pathData)
}

func NewCommandSign(p1 uint8, data []byte) *apdu.Command {
	return apdu.NewCommand(ClaGP, InsSign, p1, 0x00, data)
}

func NewCommandSetPinlessPath(pathData []byte) *apdu.Command {
	return apdu.NewCommand(ClaGP, InsSetPinlessPath, 0x00, 0x00, pathData)
}

func NewCommandExportKey(p1, p2 uint8, pathData []byte) *apdu.Command {
	return apdu.NewCommand(ClaGP, InsExportKey, p1, p2, pathData)
}

func NewCommandStoreData(slot uint8, data []byte) *apdu.Command {
	return apdu.NewCommand(ClaGP, InsStoreData, slot, 0x00, data)
}

func NewCommandGetData(slot uint8) *apdu.Command {
	return apdu.NewCommand(ClaGP, InsGetData, slot, 0x00, nil)
}

func NewCommandFactoryReset() *apdu.Command {
	return apdu.NewCommand(ClaGP, InsFactoryReset, P1FactoryResetMagic, P2FactoryResetMagic, nil)
}
