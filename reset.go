package keycard

// FactoryReset restores the card to its factory state: master key, pairings,
// credentials and stored data are all wiped. It deliberately requires no PIN
// and no secure channel, only the magic parameter values, so a card with a
// forgotten PIN can still be recycled. Afterwards the session holds no state
// and the card must be selected again.
func (session *Session) FactoryReset() error {

	if err := session.require(ConditionApplicationSelected); err != nil {
		return err
	}

	response, err := session.sendAPDU(NewCommandFactoryReset())

	if err != nil {
		return err
	}

	if err := checkOK(response); err != nil {
		return err
	}

	session.dropSecureChannel()
	session.applicationInfo = nil

	return nil

}
