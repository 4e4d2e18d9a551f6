package store

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"github.com/google/uuid"
)

// pairCodeAlphabet excludes visually ambiguous characters (0/O, 1/I/L).
const pairCodeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const pairCodeLength = 6

const maxGenerationAttempts = 64

func newID() string {
	return uuid.NewString()
}

func generatePairCode() (string, error) {
	b := make([]byte, pairCodeLength)
	for i := range b {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(pairCodeAlphabet))))
		if err != nil {
			return "", fmt.Errorf("generate pair code: %w", err)
		}
		b[i] = pairCodeAlphabet[n.Int64()]
	}
	return string(b), nil
}

func generatePairToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate pair token: %w", err)
	}
	return fmt.Sprintf("%x", b), nil
}

var nameAdjectives = []string{
	"amber", "azure", "brisk", "calm", "coral", "crimson", "dusky", "eager",
	"fleet", "gentle", "golden", "hollow", "ivory", "jolly", "keen", "lively",
	"misty", "noble", "opal", "quiet", "rapid", "silent", "steady", "sturdy",
	"swift", "tidal", "umber", "velvet", "vivid", "wry",
}

var nameNouns = []string{
	"falcon", "heron", "lynx", "otter", "badger", "marten", "osprey", "wren",
	"kestrel", "vole", "bison", "gecko", "ibex", "jackal", "kudu", "lemur",
	"magpie", "newt", "oryx", "puma", "quail", "raven", "sable", "tapir",
	"urchin", "viper", "weasel", "yak", "zebu", "heron",
}

// generateFriendlyName produces a human-memorable "adjective-noun" slug,
// falling back to a numeric suffix when the bare combination collides.
func generateFriendlyName(taken func(string) (bool, error)) (string, error) {
	for attempt := 0; attempt < maxGenerationAttempts; attempt++ {
		ai, err := rand.Int(rand.Reader, big.NewInt(int64(len(nameAdjectives))))
		if err != nil {
			return "", fmt.Errorf("generate name: %w", err)
		}
		ni, err := rand.Int(rand.Reader, big.NewInt(int64(len(nameNouns))))
		if err != nil {
			return "", fmt.Errorf("generate name: %w", err)
		}
		name := nameAdjectives[ai.Int64()] + "-" + nameNouns[ni.Int64()]
		if attempt > 0 {
			suffix, err := rand.Int(rand.Reader, big.NewInt(900))
			if err != nil {
				return "", fmt.Errorf("generate name: %w", err)
			}
			name = fmt.Sprintf("%s-%d", name, 100+suffix.Int64())
		}
		exists, err := taken(name)
		if err != nil {
			return "", err
		}
		if !exists {
			return name, nil
		}
	}
	return "", fmt.Errorf("generate friendly name: exhausted %d attempts", maxGenerationAttempts)
}
