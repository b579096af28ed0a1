package keycard

import (
	"encoding/binary"
	"fmt"

	"github.com/moov-io/bertlv"
	"github.com/schjonhaug/keycard-go/derivationpath"
)

// GenerateKey creates a fresh master key on the card, replacing any previous
// one, and returns its UID, the SHA-256 of the uncompressed public key.
func (session *Session) GenerateKey() ([]byte, error) {

	if err := session.require(ConditionSecureChannel, ConditionPINVerified); err != nil {
		return nil, err
	}

	response, err := session.sendSecureAPDU(NewCommandGenerateKey())

	if err != nil {
		return nil, err
	}

	if err := checkOK(response); err != nil {
		return nil, err
	}

	if len(response.Data) != 32 {
		return nil, fmt.Errorf("%w: key UID of %d bytes", ErrMalformedResponse, len(response.Data))
	}

	return response.Data, nil

}

// RemoveKey deletes the master key and everything derived from it. Pairings,
// credentials and stored data survive.
func (session *Session) RemoveKey() error {

	if err := session.require(ConditionSecureChannel, ConditionPINVerified); err != nil {
		return err
	}

	response, err := session.sendSecureAPDU(NewCommandRemoveKey())

	if err != nil {
		return err
	}

	return checkOK(response)

}

// LoadKey installs an extended key pair as the card's master key and returns
// the key UID. The private key and chain code are required; the public key
// may be omitted and the card will compute it.
func (session *Session) LoadKey(key *Key) ([]byte, error) {

	if err := session.require(ConditionSecureChannel, ConditionPINVerified); err != nil {
		return nil, err
	}

	if key == nil || len(key.PrivateKey) != 32 || len(key.ChainCode) != 32 {
		return nil, fmt.Errorf("%w: extended key needs a 32 byte private key and chain code", ErrInvalidInput)
	}

	template := bertlv.TLV{Tag: "A1"}

	if len(key.PublicKey) > 0 {
		template.TLVs = append(template.TLVs, bertlv.TLV{Tag: "80", Value: key.PublicKey})
	}

	template.TLVs = append(template.TLVs,
		bertlv.TLV{Tag: "81", Value: key.PrivateKey},
		bertlv.TLV{Tag: "82", Value: key.ChainCode},
	)

	data, err := bertlv.Encode([]bertlv.TLV{template})

	if err != nil {
		return nil, err
	}

	return session.loadKey(P1LoadKeyExtended, data)

}

// LoadSeed installs the master key derived from a 64 byte BIP32 seed and
// returns the key UID.
func (session *Session) LoadSeed(seed []byte) ([]byte, error) {

	if err := session.require(ConditionSecureChannel, ConditionPINVerified); err != nil {
		return nil, err
	}

	if len(seed) != 64 {
		return nil, fmt.Errorf("%w: seed must be 64 bytes", ErrInvalidInput)
	}

	return session.loadKey(P1LoadKeySeed, seed)

}

func (session *Session) loadKey(p1 byte, data []byte) ([]byte, error) {

	response, err := session.sendSecureAPDU(NewCommandLoadKey(p1, data))

	if err != nil {
		return nil, err
	}

	if err := checkOK(response); err != nil {
		return nil, err
	}

	if len(response.Data) != 32 {
		return nil, fmt.Errorf("%w: key UID of %d bytes", ErrMalformedResponse, len(response.Data))
	}

	return response.Data, nil

}

// DeriveKey makes the key at path the card's current key. The path prefix
// selects where derivation starts: the master key (m), the current key's
// parent (..) or the current key itself (.).
func (session *Session) DeriveKey(path string) error {

	if err := session.require(ConditionSecureChannel, ConditionPINVerified); err != nil {
		return err
	}

	sourceMask, pathData, err := encodeKeyPath(path)

	if err != nil {
		return err
	}

	response, err := session.sendSecureAPDU(NewCommandDeriveKey(sourceMask, pathData))

	if err != nil {
		return err
	}

	return checkOK(response)

}

// ExportKey derives the key at path and exports it, optionally making it the
// card's current key. Private key export is only permitted on paths the
// applet considers safe to release; public export works anywhere.
func (session *Session) ExportKey(path string, makeCurrent, exportPrivate bool) (*Key, error) {

	if err := session.require(ConditionSecureChannel, ConditionPINVerified); err != nil {
		return nil, err
	}

	sourceMask, pathData, err := encodeKeyPath(path)

	if err != nil {
		return nil, err
	}

	p1 := P1ExportKeyDerive

	if makeCurrent {
		p1 = P1ExportKeyDeriveAndMakeCurrent
	}

	return session.exportKey(p1|sourceMask, pathData, exportPrivate)

}

// ExportCurrentKey exports the card's current key without deriving.
func (session *Session) ExportCurrentKey(exportPrivate bool) (*Key, error) {

	if err := session.require(ConditionSecureChannel, ConditionPINVerified); err != nil {
		return nil, err
	}

	return session.exportKey(P1ExportKeyCurrent, nil, exportPrivate)

}

func (session *Session) exportKey(p1 byte, pathData []byte, exportPrivate bool) (*Key, error) {

	p2 := P2ExportKeyPublicOnly

	if exportPrivate {
		p2 = P2ExportKeyPrivateAndPublic
	}

	response, err := session.sendSecureAPDU(NewCommandExportKey(p1, p2, pathData))

	if err != nil {
		return nil, err
	}

	if err := checkOK(response); err != nil {
		return nil, err
	}

	return ParseKey(response.Data)

}

// encodeKeyPath validates a derivation path and packs it for the wire: the
// source resolved to its P1 mask and every component as a big endian uint32.
func encodeKeyPath(path string) (byte, []byte, error) {

	source, components, err := derivationpath.Decode(path)

	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}

	if len(components) > maxPathComponents {
		return 0, nil, fmt.Errorf("%w: path of %d components exceeds %d", ErrInvalidInput, len(components), maxPathComponents)
	}

	data := make([]byte, 4*len(components))

	for i, component := range components {
		binary.BigEndian.PutUint32(data[4*i:], component)
	}

	var mask byte

	switch source {
	case derivationpath.SourceMaster:
		mask = P1DeriveSourceMaster
	case derivationpath.SourceParent:
		mask = P1DeriveSourceParent
	case derivationpath.SourceCurrent:
		mask = P1DeriveSourceCurrent
	}

	return mask, data, nil

}
