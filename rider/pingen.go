package rider

import (
	"crypto/rand"
	"fmt"
)

// generatePIN produces a 4-digit numeric PIN the rider displays to its
// human user for verbal exchange at pickup; it never leaves the rider
// process over the wire in plaintext.
func generatePIN() (string, error) {
	var b [2]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", fmt.Errorf("rider: generate pin: %w", err)
	}
	n := (int(b[0])<<8 | int(b[1])) % 10000
	return fmt.Sprintf("%04d", n), nil
}
