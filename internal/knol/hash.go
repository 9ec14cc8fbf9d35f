package knol

import (
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/conorfennell/metis/internal/domain"
)

// Normalize concatenates the gem's identifying text after cleaning each part.
// It trims whitespace, lowercases, and normalizes line endings of the title,
// content and type before joining them. Tags do not take part, so retagging a
// gem in its source file keeps its review history.
func Normalize(gem domain.Gem) string {
	normalizePart := func(part string) string {
		p := strings.ToLower(part)
		p = strings.ReplaceAll(p, "\r\n", "\n")
		p = strings.TrimSpace(p)
		return p
	}

	t := normalizePart(gem.Title)
	c := normalizePart(gem.Content)
	k := normalizePart(gem.Type)

	// Newline separation keeps "ab"+"c" and "a"+"bc" apart.
	return strings.Join([]string{t, c, k}, "\n")
}

// Hash takes a gem, normalizes it, and returns its SHA-256 hash as a hex string.
func Hash(gem domain.Gem) string {
	normalized := Normalize(gem)
	hashBytes := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", hashBytes)
}
