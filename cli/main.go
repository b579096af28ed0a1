//go:build cgo || windows

package main

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"

	keycard "github.com/schjonhaug/keycard-go"
	"github.com/schjonhaug/keycard-go/emulator"
	"github.com/schjonhaug/keycard-go/pcsc"
)

func die(err error) {
	fmt.Println(err)
	os.Exit(1)
}

func usage() {
	fmt.Println("usage:")
	fmt.Println("  keycard info")
	fmt.Println("  keycard init <pin> <puk> <pairing-password>")
	fmt.Println("  keycard pair <pairing-password>")
	fmt.Println("  keycard unpair <index> <key-hex> <pin> <slot>")
	fmt.Println("  keycard status <index> <key-hex>")
	fmt.Println("  keycard generate <index> <key-hex> <pin>")
	fmt.Println("  keycard sign <index> <key-hex> <pin> <path> <digest-hex>")
	fmt.Println("  keycard reset")
	fmt.Println("  keycard selftest")
	os.Exit(1)
}

func main() {

	args := os.Args[1:]

	if len(args) == 0 {
		usage()
	}

	keycard.EnableDebugLogging()

	// the selftest runs against the software card, no reader needed
	if args[0] == "selftest" {
		selftest()
		return
	}

	card, err := pcsc.Connect()

	if err != nil {
		die(err)
	}

	defer card.Close()

	fmt.Println("Card found in", card.Reader())

	session := keycard.New(card)

	info, err := session.Select()

	if err != nil {
		die(err)
	}

	fmt.Printf("Instance UID: %x\n", info.InstanceUID)
	fmt.Printf("Initialized:  %t\n", info.Initialized)

	switch args[0] {

	case "info":

		fmt.Printf("Public key:      %x\n", info.PublicKey)
		fmt.Printf("Version:         %x\n", info.Version)
		fmt.Printf("Available slots: %d\n", info.AvailableSlots)
		fmt.Printf("Key UID:         %x\n", info.KeyUID)

	case "init":

		if len(args) != 4 {
			usage()
		}

		if err := session.Init(args[1], args[2], args[3]); err != nil {
			die(err)
		}

		fmt.Println("Card initialized")

	case "pair":

		if len(args) != 2 {
			usage()
		}

		pairing, err := session.Pair(args[1])

		if err != nil {
			die(err)
		}

		fmt.Printf("Pairing index: %d\n", pairing.Index)
		fmt.Printf("Pairing key:   %x\n", pairing.Key)

	case "unpair":

		if len(args) != 5 {
			usage()
		}

		openAndVerify(session, args[1], args[2], args[3])

		var slot int

		if _, err := fmt.Sscanf(args[4], "%d", &slot); err != nil {
			die(err)
		}

		if err := session.Unpair(slot); err != nil {
			die(err)
		}

		fmt.Println("Pairing slot released")

	case "status":

		if len(args) != 3 {
			usage()
		}

		open(session, args[1], args[2])

		status, err := session.GetStatus()

		if err != nil {
			die(err)
		}

		fmt.Printf("PIN retries:  %d\n", status.PINRetryCount)
		fmt.Printf("PUK retries:  %d\n", status.PUKRetryCount)
		fmt.Printf("Key present:  %t\n", status.KeyInitialized)

		path, err := session.CurrentKeyPath()

		if err != nil {
			die(err)
		}

		fmt.Printf("Current path: %s\n", path)

	case "generate":

		if len(args) != 4 {
			usage()
		}

		openAndVerify(session, args[1], args[2], args[3])

		keyUID, err := session.GenerateKey()

		if err != nil {
			die(err)
		}

		fmt.Printf("Key UID: %x\n", keyUID)

	case "sign":

		if len(args) != 6 {
			usage()
		}

		openAndVerify(session, args[1], args[2], args[3])

		digest, err := hex.DecodeString(args[5])

		if err != nil {
			die(err)
		}

		signature, err := session.SignWithPath(digest, keycard.AlgorithmECDSASecp256k1, args[4], false)

		if err != nil {
			die(err)
		}

		fmt.Printf("r: %x\n", signature.R)
		fmt.Printf("s: %x\n", signature.S)
		fmt.Printf("v: %d\n", signature.V)
		fmt.Printf("public key: %x\n", signature.PublicKey)

	case "reset":

		if err := session.FactoryReset(); err != nil {
			die(err)
		}

		fmt.Println("Card reset to factory state")

	default:
		die(errors.New("unknown command"))

	}

}

// selftest walks the full command flow against the emulator: init, pair,
// secure channel, PIN, key generation, derivation and signing.
func selftest() {

	card, err := emulator.NewCard()

	if err != nil {
		die(err)
	}

	session := keycard.New(card)

	if _, err := session.Select(); err != nil {
		die(err)
	}

	if err := session.Init("123456", "123456789012", "KeycardSelftest"); err != nil {
		die(err)
	}

	fmt.Println("initialized")

	if _, err := session.Select(); err != nil {
		die(err)
	}

	pairing, err := session.Pair("KeycardSelftest")

	if err != nil {
		die(err)
	}

	fmt.Printf("paired on slot %d\n", pairing.Index)

	if err := session.OpenSecureChannel(pairing.Index, pairing.Key); err != nil {
		die(err)
	}

	fmt.Println("secure channel open")

	verified, remaining, err := session.VerifyPIN("123456")

	if err != nil {
		die(err)
	}

	if !verified {
		die(fmt.Errorf("wrong PIN, %d attempts remaining", remaining))
	}

	keyUID, err := session.GenerateKey()

	if err != nil {
		die(err)
	}

	fmt.Printf("generated key %x\n", keyUID)

	if err := session.DeriveKey("m/44'/60'/0'/0/0"); err != nil {
		die(err)
	}

	path, err := session.CurrentKeyPath()

	if err != nil {
		die(err)
	}

	fmt.Printf("current key at %s\n", path)

	digest := sha256.Sum256([]byte("keycard selftest"))

	signature, err := session.Sign(digest[:], keycard.AlgorithmECDSASecp256k1)

	if err != nil {
		die(err)
	}

	fmt.Printf("signature r=%x s=%x v=%d\n", signature.R, signature.S, signature.V)
	fmt.Println("selftest passed")

}

func open(session *keycard.Session, indexArg, keyArg string) {

	var index int

	if _, err := fmt.Sscanf(indexArg, "%d", &index); err != nil {
		die(err)
	}

	key, err := hex.DecodeString(keyArg)

	if err != nil {
		die(err)
	}

	if err := session.OpenSecureChannel(index, key); err != nil {
		die(err)
	}

}

func openAndVerify(session *keycard.Session, indexArg, keyArg, pin string) {

	open(session, indexArg, keyArg)

	verified, remaining, err := session.VerifyPIN(pin)

	if err != nil {
		die(err)
	}

	if !verified {
		die(fmt.Errorf("wrong PIN, %d attempts remaining", remaining))
	}

}
