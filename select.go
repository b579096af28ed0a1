package keycard

// Select selects the Keycard application by its AID and parses the card's
// application info. Selecting resets the applet state card side, so any
// secure channel and PIN verification this session held are dropped first.
func (session *Session) Select() (*ApplicationInfo, error) {

	session.dropSecureChannel()
	session.applicationInfo = nil

	response, err := session.sendAPDU(NewCommandSelect(WalletAID))

	if err != nil {
		return nil, err
	}

	if err := checkOK(response); err != nil {
		return nil, err
	}

	applicationInfo, err := ParseApplicationInfo(response.Data)

	if err != nil {
		return nil, err
	}

	session.applicationInfo = applicationInfo

	return applicationInfo, nil

}
