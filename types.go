package keycard

import (
	"fmt"
	"strings"

	"github.com/moov-io/bertlv"
)

// ApplicationInfo is the parsed SELECT response: everything the card reveals
// about the applet before any secure channel exists.
type ApplicationInfo struct {
	Installed   bool
	Initialized bool
	InstanceUID []byte
	// PublicKey is the card's static secp256k1 public key, the ECDH peer for
	// opening a secure channel.
	PublicKey []byte
	// Version is the applet version, major byte then minor byte.
	Version        []byte
	AvailableSlots int
	// KeyUID is the sha256 of the master public key on the card. It is empty
	// if the card holds no key.
	KeyUID []byte
}

// ApplicationStatus is the parsed GET STATUS application response.
type ApplicationStatus struct {
	PINRetryCount  int
	PUKRetryCount  int
	KeyInitialized bool
}

// PairingInfo is the long-lived pairing established with Pair: the 32-byte
// pairing key and the card slot it occupies.
type PairingInfo struct {
	Key   []byte
	Index int
}

// Key is a parsed EXPORT KEY response. PrivateKey and ChainCode are present
// only for the export variants that include them.
type Key struct {
	PublicKey  []byte
	PrivateKey []byte
	ChainCode  []byte
}

// ParseApplicationInfo parses a SELECT response. Cards without credentials
// answer with the short pre-initialized form (tag 0x80, public key only);
// initialized cards answer with the application info template (tag 0xA4).
func ParseApplicationInfo(data []byte) (*ApplicationInfo, error) {

	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty select response", ErrMalformedResponse)
	}

	info := &ApplicationInfo{Installed: true}

	tlvs, err := bertlv.Decode(data)

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if len(tlvs) == 0 {
		return nil, fmt.Errorf("%w: empty select response", ErrMalformedResponse)
	}

	switch data[0] {

	case TagSelectResponsePreInitialized:

		info.PublicKey = tlvs[0].Value

		return info, nil

	case TagApplicationInfoTemplate:

		info.Initialized = true

		var integers [][]byte

		for _, child := range tlvs[0].TLVs {
			switch strings.ToUpper(child.Tag) {
			case "8F":
				info.InstanceUID = child.Value
			case "80":
				info.PublicKey = child.Value
			case "02":
				integers = append(integers, child.Value)
			case "8E":
				info.KeyUID = child.Value
			}
		}

		// First integer is the applet version, second the free pairing slots.
		if len(integers) != 2 {
			return nil, fmt.Errorf("%w: wrong application info template", ErrMalformedResponse)
		}

		info.Version = integers[0]
		info.AvailableSlots = bytesToInt(integers[1])

		return info, nil

	default:
		return nil, fmt.Errorf("%w: unexpected select response tag %#02x", ErrMalformedResponse, data[0])
	}

}

// ParseApplicationStatus parses a GET STATUS application response (template
// 0xA3: PIN retry counter, PUK retry counter, key initialized flag).
func ParseApplicationStatus(data []byte) (*ApplicationStatus, error) {

	tlvs, err := bertlv.Decode(data)

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if len(tlvs) == 0 || !strings.EqualFold(tlvs[0].Tag, "A3") {
		return nil, fmt.Errorf("%w: wrong application status template", ErrMalformedResponse)
	}

	var counters [][]byte
	var keyInitialized []byte

	for _, child := range tlvs[0].TLVs {
		switch strings.ToUpper(child.Tag) {
		case "02":
			counters = append(counters, child.Value)
		case "01":
			keyInitialized = child.Value
		}
	}

	if len(counters) != 2 || len(keyInitialized) == 0 {
		return nil, fmt.Errorf("%w: wrong application status template", ErrMalformedResponse)
	}

	return &ApplicationStatus{
		PINRetryCount:  bytesToInt(counters[0]),
		PUKRetryCount:  bytesToInt(counters[1]),
		KeyInitialized: keyInitialized[0] != 0x00,
	}, nil

}

// ParseKey parses an EXPORT KEY response (template 0xA1: public key, private
// key, chain code; all but one may be absent depending on the export mode).
func ParseKey(data []byte) (*Key, error) {

	tlvs, err := bertlv.Decode(data)

	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	if len(tlvs) == 0 || !strings.EqualFold(tlvs[0].Tag, "A1") {
		return nil, fmt.Errorf("%w: wrong key template", ErrMalformedResponse)
	}

	key := &Key{}

	for _, child := range tlvs[0].TLVs {
		switch strings.ToUpper(child.Tag) {
		case "80":
			key.PublicKey = child.Value
		case "81":
			key.PrivateKey = child.Value
		case "82":
			key.ChainCode = child.Value
		}
	}

	if len(key.PublicKey) == 0 && len(key.PrivateKey) == 0 {
		return nil, fmt.Errorf("%w: key template carries no key", ErrMalformedResponse)
	}

	return key, nil

}

// findTLV returns the first entry with the given hex tag.
func findTLV(tlvs []bertlv.TLV, tag string) (bertlv.TLV, bool) {

	for _, tlv := range tlvs {
		if strings.EqualFold(tlv.Tag, tag) {
			return tlv, true
		}
	}

	return bertlv.TLV{}, false
}

func bytesToInt(data []byte) int {

	value := 0

	for _, octet := range data {
		value = value<<8 | int(octet)
	}

	return value
}
