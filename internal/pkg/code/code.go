// Package code generates the random codes backing purchases and discounts.
package code

import (
	"crypto/rand"
	"fmt"
	"strings"
)

// Alphabet is the character set used for generated codes. 0/O and 1/I are
// excluded to keep codes unambiguous when read aloud or typed at a terminal.
const Alphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Generate returns a random code of length n drawn from Alphabet.
func Generate(n int) (string, error) {
	if n <= 0 {
		return "", fmt.Errorf("code length must be positive, got %d", n)
	}

	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	for i, b := range buf {
		buf[i] = Alphabet[int(b)%len(Alphabet)]
	}
	return string(buf), nil
}

// GenerateWithPrefix returns a prefixed code, e.g. "NDC-7KQ2M9XWPT".
func GenerateWithPrefix(prefix string, n int) (string, error) {
	c, err := Generate(n)
	if err != nil {
		return "", err
	}
	if prefix == "" {
		return c, nil
	}
	return strings.ToUpper(prefix) + "-" + c, nil
}
