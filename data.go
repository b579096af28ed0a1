package keycard

import "fmt"

// StoreData writes a small blob into one of the card's data slots: public,
// NDEF or cash. Writing replaces the slot's previous content; an empty blob
// clears it.
func (session *Session) StoreData(slot byte, data []byte) error {

	if err := session.require(ConditionSecureChannel, ConditionPINVerified); err != nil {
		return err
	}

	if slot > P1DataSlotCash {
		return fmt.Errorf("%w: unknown data slot %d", ErrInvalidInput, slot)
	}

	if len(data) > maxStoredDataLength {
		return fmt.Errorf("%w: data of %d bytes exceeds %d", ErrInvalidInput, len(data), maxStoredDataLength)
	}

	response, err := session.sendSecureAPDU(NewCommandStoreData(slot, data))

	if err != nil {
		return err
	}

	return checkOK(response)

}

// GetData reads a data slot back. Reading needs the secure channel but,
// unlike StoreData, not the PIN.
func (session *Session) GetData(slot byte) ([]byte, error) {

	if err := session.require(ConditionSecureChannel); err != nil {
		return nil, err
	}

	if slot > P1DataSlotCash {
		return nil, fmt.Errorf("%w: unknown data slot %d", ErrInvalidInput, slot)
	}

	response, err := session.sendSecureAPDU(NewCommandGetData(slot))

	if err != nil {
		return nil, err
	}

	if err := checkOK(response); err != nil {
		return nil, err
	}

	return response.Data, nil

}
