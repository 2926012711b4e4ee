package keystore

import (
	"crypto/rand"
	"fmt"
	"regexp"
	"strings"
)

// tokenAlphabet excludes visually ambiguous characters (0/O, 1/I).
const tokenAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	tokenGroups    = 4
	tokenGroupLen  = 4
	tokenSeparator = "-"
)

// TokenPattern matches the grouped key shape clients submit. Verification
// accepts the full uppercase alphanumeric range here; the narrower generator
// alphabet only matters for issuance.
var TokenPattern = regexp.MustCompile(`^[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}-[A-Z0-9]{4}$`)

// GenerateToken produces a new key token of 4 groups of 4 characters from
// the unambiguous alphabet. Collisions are statistically negligible and not
// checked against existing keys.
func GenerateToken() (string, error) {
	buf := make([]byte, tokenGroups*tokenGroupLen)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}

	groups := make([]string, tokenGroups)
	for g := 0; g < tokenGroups; g++ {
		var sb strings.Builder
		for i := 0; i < tokenGroupLen; i++ {
			b := buf[g*tokenGroupLen+i]
			sb.WriteByte(tokenAlphabet[int(b)%len(tokenAlphabet)])
		}
		groups[g] = sb.String()
	}
	return strings.Join(groups, tokenSeparator), nil
}

// NormalizeToken uppercases and trims a client-submitted token so lookups
// are case-insensitive.
func NormalizeToken(token string) string {
	return strings.ToUpper(strings.TrimSpace(token))
}

// ValidTokenFormat reports whether the (normalized) token has the expected
// grouped shape.
func ValidTokenFormat(token string) bool {
	return TokenPattern.MatchString(NormalizeToken(token))
}
