package dane

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDigestOutput(t *testing.T) {
	hex := strings.Repeat("ab", 32)
	cases := []struct {
		name string
		out  string
	}{
		{"openssl 3 format", "SHA2-256(stdin)= " + hex + "\n"},
		{"openssl 1.1 format", "(stdin)= " + hex + "\n"},
		{"bare digest", hex + "\n"},
		{"coreutils style", hex + "  -\n"},
		{"uppercase", "SHA2-256(stdin)= " + strings.ToUpper(hex) + "\n"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := parseDigestOutput([]byte(tc.out))
			require.NoError(t, err)
			assert.Equal(t, hex, got)
		})
	}
}

func TestParseDigestOutputRejectsGarbage(t *testing.T) {
	for _, out := range []string{"", "not hex at all", "SHA2-256(stdin)= deadbeef"} {
		_, err := parseDigestOutput([]byte(out))
		require.Error(t, err, "input %q", out)
		assert.True(t, errors.Is(err, ErrDigest))
	}
}
