package keycard

import (
	"encoding/binary"
	"fmt"

	"github.com/schjonhaug/keycard-go/derivationpath"
)

// GetStatus reads the application status: the PIN and PUK retry counters and
// whether a master key is loaded.
func (session *Session) GetStatus() (*ApplicationStatus, error) {

	if err := session.require(ConditionSecureChannel); err != nil {
		return nil, err
	}

	response, err := session.sendSecureAPDU(NewCommandGetStatus(P1GetStatusApplication))

	if err != nil {
		return nil, err
	}

	if err := checkOK(response); err != nil {
		return nil, err
	}

	return ParseApplicationStatus(response.Data)

}

// CurrentKeyPath reads the derivation path of the card's current key, as a
// path string from the master key. A card without a derived key answers the
// empty path "m".
func (session *Session) CurrentKeyPath() (string, error) {

	if err := session.require(ConditionSecureChannel); err != nil {
		return "", err
	}

	response, err := session.sendSecureAPDU(NewCommandGetStatus(P1GetStatusKeyPath))

	if err != nil {
		return "", err
	}

	if err := checkOK(response); err != nil {
		return "", err
	}

	if len(response.Data)%4 != 0 {
		return "", fmt.Errorf("%w: key path of %d bytes", ErrMalformedResponse, len(response.Data))
	}

	components := make([]uint32, len(response.Data)/4)

	for i := range components {
		components[i] = binary.BigEndian.Uint32(response.Data[4*i:])
	}

	return derivationpath.Encode(components), nil

}
