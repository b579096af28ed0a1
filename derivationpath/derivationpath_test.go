package derivationpath

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		path       string
		source     Source
		components []uint32
	}{
		{"m", SourceMaster, nil},
		{"m/44'/60'/0'/0/0", SourceMaster, []uint32{44 | Hardened, 60 | Hardened, 0 | Hardened, 0, 0}},
		{"m/0/1", SourceMaster, []uint32{0, 1}},
		{"./0", SourceCurrent, []uint32{0}},
		{".", SourceCurrent, nil},
		{"../1'", SourceParent, []uint32{1 | Hardened}},
		{"..", SourceParent, nil},
		{"m/2147483647'", SourceMaster, []uint32{2147483647 | Hardened}},
	}

	for _, test := range tests {

		source, components, err := Decode(test.path)
		require.NoError(t, err, test.path)

		assert.Equal(t, test.source, source, test.path)
		assert.Equal(t, test.components, components, test.path)
	}
}

func TestDecodeInvalid(t *testing.T) {
	t.Parallel()

	invalid := []string{
		"",
		"44'/60'",
		"x/0",
		"m/",
		"m//0",
		"m/abc",
		"m/0''",
		"m/-1",
		"m/2147483648",
		"m/2147483648'",
		"m/4294967296",
	}

	for _, path := range invalid {
		_, _, err := Decode(path)
		assert.Error(t, err, path)
	}
}

func TestEncode(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "m", Encode(nil))
	assert.Equal(t, "m/44'/60'/0'/0/0", Encode([]uint32{44 | Hardened, 60 | Hardened, 0 | Hardened, 0, 0}))
	assert.Equal(t, "m/0/2147483647", Encode([]uint32{0, 2147483647}))
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	t.Parallel()

	components := []uint32{44 | Hardened, 60 | Hardened, 0 | Hardened, 1, 2}

	source, decoded, err := Decode(Encode(components))
	require.NoError(t, err)

	assert.Equal(t, SourceMaster, source)
	assert.Equal(t, components, decoded)
}
