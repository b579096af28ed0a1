package keycard

import (
	"fmt"

	"github.com/schjonhaug/keycard-go/apdu"
)

// VerifyPIN presents the PIN over the secure channel. A wrong PIN is not an
// error: verified comes back false with the attempts remaining before the
// card blocks. A blocked PIN is ErrPINBlocked, and only UnblockPIN with the
// PUK recovers from it.
func (session *Session) VerifyPIN(pin string) (verified bool, remaining int, err error) {

	if err := session.require(ConditionSecureChannel); err != nil {
		return false, 0, err
	}

	if err := validatePIN(pin); err != nil {
		return false, 0, err
	}

	response, err := session.sendSecureAPDU(NewCommandVerifyPIN(pin))

	if err != nil {
		return false, 0, err
	}

	if response.IsOK() {
		session.pinVerified = true
		return true, 0, nil
	}

	if response.Sw == apdu.SwAuthenticationMethodBlocked {
		return false, 0, ErrPINBlocked
	}

	if attempts, ok := apdu.RetryCount(response.Sw); ok {

		if attempts == 0 {
			return false, 0, ErrPINBlocked
		}

		return false, attempts, nil

	}

	return false, 0, &CardError{Sw: response.Sw}

}

// UnblockPIN resets a blocked PIN using the PUK and installs a new PIN. Like
// VerifyPIN, a wrong PUK is reported through the attempts remaining rather
// than an error; running them out is ErrPUKBlocked and final for the card's
// key material. A successful unblock leaves the new PIN verified.
func (session *Session) UnblockPIN(puk, newPIN string) (unblocked bool, remaining int, err error) {

	if err := session.require(ConditionSecureChannel); err != nil {
		return false, 0, err
	}

	if err := validatePUK(puk); err != nil {
		return false, 0, err
	}

	if err := validatePIN(newPIN); err != nil {
		return false, 0, err
	}

	response, err := session.sendSecureAPDU(NewCommandUnblockPIN(puk, newPIN))

	if err != nil {
		return false, 0, err
	}

	if response.IsOK() {
		session.pinVerified = true
		return true, 0, nil
	}

	if response.Sw == apdu.SwAuthenticationMethodBlocked {
		return false, 0, ErrPUKBlocked
	}

	if attempts, ok := apdu.RetryCount(response.Sw); ok {

		if attempts == 0 {
			return false, 0, ErrPUKBlocked
		}

		return false, attempts, nil

	}

	return false, 0, &CardError{Sw: response.Sw}

}

// ChangePIN replaces the PIN. The new value takes effect immediately and the
// current verification stays valid.
func (session *Session) ChangePIN(pin string) error {

	if err := session.require(ConditionSecureChannel, ConditionPINVerified); err != nil {
		return err
	}

	if err := validatePIN(pin); err != nil {
		return err
	}

	return session.changeSecret(P1ChangePIN, []byte(pin))

}

// ChangePUK replaces the PUK.
func (session *Session) ChangePUK(puk string) error {

	if err := session.require(ConditionSecureChannel, ConditionPINVerified); err != nil {
		return err
	}

	if err := validatePUK(puk); err != nil {
		return err
	}

	return session.changeSecret(P1ChangePUK, []byte(puk))

}

// ChangePairingPassword replaces the pairing password. Pairings already
// established keep working; only new Pair calls need the new password.
func (session *Session) ChangePairingPassword(pairingPassword string) error {

	if err := session.require(ConditionSecureChannel, ConditionPINVerified); err != nil {
		return err
	}

	return session.changeSecret(P1ChangePairingSecret, pairingToken(pairingPassword))

}

func (session *Session) changeSecret(p1 byte, data []byte) error {

	response, err := session.sendSecureAPDU(NewCommandChangeSecret(p1, data))

	if err != nil {
		return err
	}

	return checkOK(response)

}

func validatePIN(pin string) error {

	if len(pin) != pinLength || !isDigits(pin) {
		return fmt.Errorf("%w: PIN must be %d digits", ErrInvalidInput, pinLength)
	}

	return nil

}

func validatePUK(puk string) error {

	if len(puk) != pukLength || !isDigits(puk) {
		return fmt.Errorf("%w: PUK must be %d digits", ErrInvalidInput, pukLength)
	}

	return nil

}

func isDigits(s string) bool {

	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}

	return true

}
