// Package derivationpath parses and renders BIP32-style key derivation paths.
//
// Absolute paths start at the master key ("m/44'/60'/0'/0/0"). Relative paths
// start at the card's current key ("./0/1") or at its parent ("../0"). A
// trailing apostrophe marks a hardened component.
package derivationpath

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
)

// Source is the key a path's components are applied from.
type Source int

const (
	SourceMaster Source = iota
	SourceParent
	SourceCurrent
)

// Hardened is the flag bit marking a hardened path component.
const Hardened = uint32(hdkeychain.HardenedKeyStart)

// Decode parses a derivation path string into its source and components.
func Decode(path string) (Source, []uint32, error) {

	var source Source
	var rest string

	switch {
	case path == "m":
		return SourceMaster, nil, nil
	case path == "..":
		return SourceParent, nil, nil
	case path == ".":
		return SourceCurrent, nil, nil
	case strings.HasPrefix(path, "m/"):
		source = SourceMaster
		rest = path[len("m/"):]
	case strings.HasPrefix(path, "../"):
		source = SourceParent
		rest = path[len("../"):]
	case strings.HasPrefix(path, "./"):
		source = SourceCurrent
		rest = path[len("./"):]
	default:
		return 0, nil, fmt.Errorf("path must start with m, . or ..: %q", path)
	}

	parts := strings.Split(rest, "/")

	components := make([]uint32, 0, len(parts))

	for _, part := range parts {

		component, err := decodeComponent(part)

		if err != nil {
			return 0, nil, err
		}

		components = append(components, component)
	}

	return source, components, nil

}

func decodeComponent(part string) (uint32, error) {

	hardened := strings.HasSuffix(part, "'")
	part = strings.TrimSuffix(part, "'")

	if part == "" {
		return 0, errors.New("empty path component")
	}

	value, err := strconv.ParseUint(part, 10, 32)

	if err != nil {
		return 0, fmt.Errorf("invalid path component %q: %w", part, err)
	}

	if uint32(value) >= Hardened {
		return 0, fmt.Errorf("path component %d out of range", value)
	}

	if hardened {
		return uint32(value) | Hardened, nil
	}

	return uint32(value), nil

}

// Encode renders components as an absolute path string starting at the
// master key.
func Encode(components []uint32) string {

	var builder strings.Builder
	builder.WriteString("m")

	for _, component := range components {

		if component >= Hardened {
			fmt.Fprintf(&builder, "/%d'", component-Hardened)
		} else {
			fmt.Fprintf(&builder, "/%d", component)
		}

	}

	return builder.String()

}
