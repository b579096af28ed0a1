// Package apdu implements the ISO7816 command and response framing used by
// the Keycard applet: a fixed five-byte header followed by up to 255 data
// bytes. The applet speaks short APDUs only, so there is no Le byte and no
// extended-length form.
package apdu

import (
	"fmt"
)

// MaxDataLength is the largest payload a short APDU can carry.
const MaxDataLength = 255

// Status words returned by the card.
const (
	SwOK                          = uint16(0x9000)
	SwWrongLength                 = uint16(0x6700)
	SwSecurityConditionNotMet     = uint16(0x6982)
	SwAuthenticationMethodBlocked = uint16(0x6983)
	SwConditionsNotSatisfied      = uint16(0x6985)
	SwWrongData                   = uint16(0x6A80)
	SwFileNotFound                = uint16(0x6A82)
	SwNoAvailablePairingSlots     = uint16(0x6A84)
	SwIncorrectParameters         = uint16(0x6A86)
	SwInstructionNotSupported     = uint16(0x6D00)
)

// Command is an application protocol data unit sent to the card.
type Command struct {
	Cla  uint8
	Ins  uint8
	P1   uint8
	P2   uint8
	Data []byte
}

// NewCommand returns a command with the given header and data.
func NewCommand(cla, ins, p1, p2 uint8, data []byte) *Command {
	return &Command{
		Cla:  cla,
		Ins:  ins,
		P1:   p1,
		P2:   p2,
		Data: data,
	}
}

// Serialize produces the wire form [cla ins p1 p2 lc data...]. The length
// byte is always present and always equals len(Data); payloads over
// MaxDataLength are rejected, never truncated.
func (c *Command) Serialize() ([]byte, error) {

	if len(c.Data) > MaxDataLength {
		return nil, fmt.Errorf("apdu: data length %d exceeds %d bytes", len(c.Data), MaxDataLength)
	}

	raw := make([]byte, 0, 5+len(c.Data))
	raw = append(raw, c.Cla, c.Ins, c.P1, c.P2, uint8(len(c.Data)))
	raw = append(raw, c.Data...)

	return raw, nil
}

// Response is an application protocol data unit received from the card.
type Response struct {
	Data []byte
	Sw1  uint8
	Sw2  uint8
	Sw   uint16
}

// ParseResponse splits a raw reader response into payload and status word.
// The last two bytes of every response are sw1 and sw2.
func ParseResponse(raw []byte) (*Response, error) {

	if len(raw) < 2 {
		return nil, fmt.Errorf("apdu: response too short (%d bytes)", len(raw))
	}

	sw1 := raw[len(raw)-2]
	sw2 := raw[len(raw)-1]

	return &Response{
		Data: raw[:len(raw)-2],
		Sw1:  sw1,
		Sw2:  sw2,
		Sw:   Sw(sw1, sw2),
	}, nil
}

// Sw combines two status bytes into one status word.
func Sw(sw1, sw2 uint8) uint16 {
	return uint16(sw1)<<8 | uint16(sw2)
}

// IsOK reports whether the response carries the success status word.
func (r *Response) IsOK() bool {
	return r.Sw == SwOK
}

// RetryCount decodes the 0x63Cn counter pattern. It reports the number of
// attempts remaining and whether the status word matched the pattern at all.
func RetryCount(sw uint16) (int, bool) {

	if sw&0xFFF0 != 0x63C0 {
		return 0, false
	}

	return int(sw & 0x000F), true
}
