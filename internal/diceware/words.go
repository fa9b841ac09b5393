package diceware

import (
	"crypto/rand"
	_ "embed"
	"fmt"
	"math/big"
	"strings"
)

// Passphrase length bounds for Generate.
const (
	MinWords     = 1
	MaxWords     = 32
	DefaultWords = 6
)

//go:embed wordlist.txt
var wordlistText string

// wordlist is the parsed, whitespace-separated embedded list.
var wordlist = strings.Fields(wordlistText)

// Generate draws n words uniformly from the embedded word list using
// crypto/rand.
func Generate(n int) ([]string, error) {
	if n < MinWords || n > MaxWords {
		return nil, fmt.Errorf("diceware: word count must be between %d and %d, got %d", MinWords, MaxWords, n)
	}

	limit := big.NewInt(int64(len(wordlist)))
	words := make([]string, n)

	for i := range words {
		idx, err := rand.Int(rand.Reader, limit)
		if err != nil {
			return nil, fmt.Errorf("diceware: drawing word: %w", err)
		}

		words[i] = wordlist[idx.Int64()]
	}

	return words, nil
}
