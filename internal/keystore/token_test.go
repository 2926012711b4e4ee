package keystore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateTokenShape(t *testing.T) {
	for i := 0; i < 50; i++ {
		token, err := GenerateToken()
		require.NoError(t, err)
		assert.True(t, TokenPattern.MatchString(token), "token %q does not match pattern", token)

		groups := strings.Split(token, "-")
		require.Len(t, groups, 4)
		for _, group := range groups {
			assert.Len(t, group, 4)
		}
	}
}

func TestGenerateTokenAlphabetExcludesAmbiguousCharacters(t *testing.T) {
	for i := 0; i < 100; i++ {
		token, err := GenerateToken()
		require.NoError(t, err)
		for _, ch := range strings.ReplaceAll(token, "-", "") {
			assert.Contains(t, tokenAlphabet, string(ch))
			assert.NotContains(t, "0O1I", string(ch))
		}
	}
}

func TestGenerateTokenIsNotConstant(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 20; i++ {
		token, err := GenerateToken()
		require.NoError(t, err)
		seen[token] = true
	}
	assert.Greater(t, len(seen), 1)
}

func TestNormalizeToken(t *testing.T) {
	assert.Equal(t, "ABCD-EFGH-JKLM-NPQR", NormalizeToken("  abcd-efgh-jklm-npqr "))
	assert.Equal(t, "ABCD", NormalizeToken("AbCd"))
}

func TestValidTokenFormat(t *testing.T) {
	tests := []struct {
		token string
		want  bool
	}{
		{"ABCD-EFGH-JKLM-NPQR", true},
		{"abcd-efgh-jklm-npqr", true}, // case-insensitive
		{"AB12-CD34-EF56-GH78", true},
		{"A0I1-O0O0-1111-0000", true}, // verification accepts the full range
		{"ABCD-EFGH-JKLM", false},
		{"ABCDE-FGHJ-KLMN-PQRS", false},
		{"ABCD_EFGH_JKLM_NPQR", false},
		{"ABCDEFGHJKLMNPQR", false},
		{"", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ValidTokenFormat(tt.token), "token %q", tt.token)
	}
}
