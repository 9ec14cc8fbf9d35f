package knol

import (
	"crypto/sha256"
	"fmt"
	"testing"

	"github.com/conorfennell/metis/internal/domain"
)

func TestNormalize(t *testing.T) {
	gem := domain.Gem{
		Title:   "  Deep Work \r\n",
		Content: "Focus is a SKILL.\r\nTrain it.",
		Type:    "Quote",
	}
	expected := "deep work\nfocus is a skill.\ntrain it.\nquote"
	normalized := Normalize(gem)

	if normalized != expected {
		t.Errorf("Expected normalized string to be '%s', but got '%s'", expected, normalized)
	}
}

func TestHash(t *testing.T) {
	t.Run("generates sha256 of normalized text", func(t *testing.T) {
		gem := domain.Gem{Title: "T", Content: "C", Type: "K"}
		expectedHash := fmt.Sprintf("%x", sha256.Sum256([]byte("t\nc\nk")))
		hash := Hash(gem)

		if hash != expectedHash {
			t.Errorf("Expected hash '%s', but got '%s'", expectedHash, hash)
		}
		if len(hash) != 64 {
			t.Errorf("Expected a 64 character hex hash, got %d characters", len(hash))
		}
	})

	t.Run("hash is deterministic", func(t *testing.T) {
		gem1 := domain.Gem{Content: "Test"}
		gem2 := domain.Gem{Content: "Test"}
		if Hash(gem1) != Hash(gem2) {
			t.Error("Expected hashes for identical gems to be the same")
		}
	})

	t.Run("normalization produces same hash", func(t *testing.T) {
		gem1 := domain.Gem{Title: "  atomic habits ", Content: "Systems beat goals."}
		gem2 := domain.Gem{Title: "Atomic Habits", Content: "Systems beat goals."}
		if Hash(gem1) != Hash(gem2) {
			t.Error("Expected hashes to be the same after normalization, but they were different.")
		}
	})

	t.Run("tags and review state are ignored", func(t *testing.T) {
		gem1 := domain.Gem{Content: "Same", Tags: []string{"a"}}
		gem2 := domain.Gem{Content: "Same", Tags: []string{"b"}, ReviewLevel: 3}
		if Hash(gem1) != Hash(gem2) {
			t.Error("Expected tags and review level not to affect the hash")
		}
	})

	t.Run("different gems have different hashes", func(t *testing.T) {
		gem1 := domain.Gem{Content: "Gem 1"}
		gem2 := domain.Gem{Content: "Gem 2"}
		if Hash(gem1) == Hash(gem2) {
			t.Error("Expected hashes for different gems to be different")
		}
	})
}
