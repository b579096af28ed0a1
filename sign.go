package keycard

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/moov-io/bertlv"
	"github.com/schjonhaug/keycard-go/apdu"
)

// SignatureAlgorithm identifies the signature scheme requested from the
// card.
type SignatureAlgorithm byte

const (
	// AlgorithmECDSASecp256k1 is the only scheme Keycards implement. Asking
	// for anything else fails with ErrUnsupportedAlgorithm before any
	// transmission.
	AlgorithmECDSASecp256k1 SignatureAlgorithm = iota
)

// Signature is a recoverable ECDSA signature over a 32 byte digest: the R
// and S scalars, the recovery id V and the signer's uncompressed public key.
type Signature struct {

	// R is the 32 byte big-endian R scalar.
	R []byte

	// S is the 32 byte big-endian S scalar.
	S []byte

	// V is the recovery id, 0 or 1.
	V byte

	// PublicKey is the signer's uncompressed public key, 65 bytes.
	PublicKey []byte
}

// Sign asks the card to sign a 32 byte digest with its current key.
func (session *Session) Sign(digest []byte, algorithm SignatureAlgorithm) (*Signature, error) {
	return session.sign(digest, algorithm, P1SignCurrentKey, nil, false)
}

// SignWithPath signs a digest with the key at path, derived for this
// signature only or, with makeCurrent, kept as the card's current key.
func (session *Session) SignWithPath(digest []byte, algorithm SignatureAlgorithm, path string, makeCurrent bool) (*Signature, error) {

	sourceMask, pathData, err := encodeKeyPath(path)

	if err != nil {
		return nil, err
	}

	p1 := P1SignDerive

	if makeCurrent {
		p1 = P1SignDeriveAndMakeCurrent
	}

	return session.sign(digest, algorithm, p1|sourceMask, pathData, false)

}

// SignPinless signs a digest with the key at the card's PIN-less path,
// skipping both PIN verification and, when no authenticated channel is up,
// the secure channel itself. The card refuses unless SetPinlessPath has
// configured a path.
func (session *Session) SignPinless(digest []byte, algorithm SignatureAlgorithm) (*Signature, error) {
	return session.sign(digest, algorithm, P1SignPinless, nil, true)
}

func (session *Session) sign(digest []byte, algorithm SignatureAlgorithm, p1 byte, pathData []byte, pinless bool) (*Signature, error) {

	if algorithm != AlgorithmECDSASecp256k1 {
		return nil, ErrUnsupportedAlgorithm
	}

	if len(digest) != digestLength {
		return nil, fmt.Errorf("%w: digest must be %d bytes", ErrInvalidInput, digestLength)
	}

	if !pinless {
		if err := session.require(ConditionSecureChannel, ConditionPINVerified); err != nil {
			return nil, err
		}
	}

	data := digest

	if len(pathData) > 0 {
		data = make([]byte, 0, len(digest)+len(pathData))
		data = append(data, digest...)
		data = append(data, pathData...)
	}

	command := NewCommandSign(p1, data)

	var response *apdu.Response
	var err error

	if pinless && !session.secureChannel.Authenticated() {
		response, err = session.sendAPDU(command)
	} else {
		response, err = session.sendSecureAPDU(command)
	}

	if err != nil {
		return nil, err
	}

	if err := checkOK(response); err != nil {
		return nil, err
	}

	return ParseSignature(digest, response.Data)

}

// SetPinlessPath configures the derivation path reachable through
// SignPinless. The path must start at the master key; an empty path clears
// the setting.
func (session *Session) SetPinlessPath(path string) error {

	if err := session.require(ConditionSecureChannel, ConditionPINVerified); err != nil {
		return err
	}

	var data []byte

	if path != "" {

		source, encoded, err := encodeKeyPath(path)

		if err != nil {
			return err
		}

		if source != P1DeriveSourceMaster {
			return fmt.Errorf("%w: PIN-less path must start at the master key", ErrInvalidInput)
		}

		data = encoded

	}

	response, err := session.sendSecureAPDU(NewCommandSetPinlessPath(data))

	if err != nil {
		return err
	}

	return checkOK(response)

}

// ParseSignature decodes a card signature response against the digest it
// signs. Cards answer in one of two shapes: a TLV template carrying a DER
// signature plus the signer's public key, plain or buried in a certificate
// blob, or a raw blob carrying r || s || v directly.
func ParseSignature(digest, data []byte) (*Signature, error) {

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty signature response", ErrMalformedResponse)
	}

	switch data[0] {
	case TagSignatureTemplate:
		return parseSignatureTemplate(digest, data)
	case TagSignatureRaw:
		return parseRawSignature(digest, data)
	default:
		return nil, fmt.Errorf("%w: unexpected signature tag %#02x", ErrMalformedResponse, data[0])
	}

}

// parseRawSignature handles the raw shape: the tag byte followed by exactly
// r (32) || s (32) || recovery id (1). The card already chose the recovery
// id, so the signer's key falls out of compact recovery.
func parseRawSignature(digest, data []byte) (*Signature, error) {

	if len(data) != 1+65 {
		return nil, fmt.Errorf("%w: raw signature of %d bytes after the tag", ErrMalformedResponse, len(data)-1)
	}

	blob := data[1:]

	publicKey, err := recoverPublicKey(blob, digest)

	if err != nil {
		return nil, err
	}

	return &Signature{
		R:         blob[:32],
		S:         blob[32:64],
		V:         blob[64],
		PublicKey: publicKey.SerializeUncompressed(),
	}, nil

}

// parseSignatureTemplate handles the TLV shape. The card supplies the signer
// but not the recovery id, so the id is found by trial recovery against the
// supplied key.
func parseSignatureTemplate(digest, data []byte) (*Signature, error) {

	tlvs, err := bertlv.Decode(data)

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	template, ok := findTLV(tlvs, "A0")

	if !ok {
		return nil, fmt.Errorf("%w: no signature template", ErrMalformedResponse)
	}

	var publicKey *secp256k1.PublicKey

	if plain, ok := findTLV(template.TLVs, "80"); ok {

		publicKey, err = btcec.ParsePubKey(plain.Value)

		if err != nil {
			return nil, fmt.Errorf("%w: signer public key: %v", ErrMalformedResponse, err)
		}

	} else if certificate, ok := findTLV(template.TLVs, "8A"); ok {

		publicKey, err = publicKeyFromCertificate(certificate.Value)

		if err != nil {
			return nil, err
		}

	} else {
		return nil, fmt.Errorf("%w: signature template carries no signer", ErrMalformedResponse)
	}

	der, ok := findTLV(template.TLVs, "30")

	if !ok {
		return nil, fmt.Errorf("%w: signature template carries no DER signature", ErrMalformedResponse)
	}

	if len(der.TLVs) != 2 || !strings.EqualFold(der.TLVs[0].Tag, "02") || !strings.EqualFold(der.TLVs[1].Tag, "02") {
		return nil, fmt.Errorf("%w: DER signature does not hold two integers", ErrMalformedResponse)
	}

	r, err := padScalar(der.TLVs[0].Value)

	if err != nil {
		return nil, err
	}

	s, err := padScalar(der.TLVs[1].Value)

	if err != nil {
		return nil, err
	}

	v, err := recoveryID(r, s, digest, publicKey)

	if err != nil {
		return nil, err
	}

	return &Signature{
		R:         r,
		S:         s,
		V:         v,
		PublicKey: publicKey.SerializeUncompressed(),
	}, nil

}

// publicKeyFromCertificate digs the signer's public key out of a certificate
// blob. Certificate layouts vary between applet versions, so scan for the
// first parseable uncompressed point instead of assuming offsets.
func publicKeyFromCertificate(certificate []byte) (*secp256k1.PublicKey, error) {

	for i := 0; i+65 <= len(certificate); i++ {

		if certificate[i] != 0x04 {
			continue
		}

		if publicKey, err := btcec.ParsePubKey(certificate[i : i+65]); err == nil {
			return publicKey, nil
		}

	}

	return nil, fmt.Errorf("%w: certificate carries no parseable public key", ErrMalformedResponse)

}
