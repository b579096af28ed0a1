//go:build cgo || windows

// Package pcsc connects sessions to physical cards through PC/SC readers.
package pcsc

import (
	"github.com/ansel1/merry/v2"
	"github.com/ebfe/scard"
)

// Card is an exclusive connection to a card in a reader. It satisfies the
// keycard Transport interface.
type Card struct {
	context *scard.Context
	card    *scard.Card
	reader  string
}

// Connect establishes a PC/SC context, waits for a card to appear in any
// attached reader and connects to it exclusively. It blocks until a card is
// present.
func Connect() (*Card, error) {

	context, err := scard.EstablishContext()

	if err != nil {
		return nil, merry.Prepend(err, "establishing PC/SC context")
	}

	readers, err := context.ListReaders()

	if err != nil {
		context.Release()
		return nil, merry.Prepend(err, "listing readers")
	}

	if len(readers) == 0 {
		context.Release()
		return nil, merry.New("no smart card readers found")
	}

	index, err := waitUntilCardPresent(context, readers)

	if err != nil {
		context.Release()
		return nil, merry.Prepend(err, "waiting for card")
	}

	card, err := context.Connect(readers[index], scard.ShareExclusive, scard.ProtocolAny)

	if err != nil {
		context.Release()
		return nil, merry.Prepend(err, "connecting to card")
	}

	return &Card{context: context, card: card, reader: readers[index]}, nil

}

// Reader returns the name of the reader holding the card.
func (card *Card) Reader() string {
	return card.reader
}

// Transmit sends one serialized command to the card and returns the raw
// response, status word included.
func (card *Card) Transmit(command []byte) ([]byte, error) {

	response, err := card.card.Transmit(command)

	if err != nil {
		return nil, merry.Prepend(err, "transmitting")
	}

	return response, nil

}

// Close disconnects from the card, resetting it, and releases the PC/SC
// context.
func (card *Card) Close() error {

	err := card.card.Disconnect(scard.ResetCard)

	if releaseErr := card.context.Release(); err == nil {
		err = releaseErr
	}

	return err

}

func waitUntilCardPresent(context *scard.Context, readers []string) (int, error) {

	states := make([]scard.ReaderState, len(readers))

	for i := range states {
		states[i].Reader = readers[i]
		states[i].CurrentState = scard.StateUnaware
	}

	for {

		for i := range states {

			if states[i].EventState&scard.StatePresent != 0 {
				return i, nil
			}

			states[i].CurrentState = states[i].EventState

		}

		if err := context.GetStatusChange(states, -1); err != nil {
			return -1, err
		}

	}

}
