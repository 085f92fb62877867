package provision

import (
	"crypto/sha1"
	"encoding/hex"

	"golang.org/x/crypto/pbkdf2"
)

// DerivePSK returns the 64-hex-digit WPA2 pre-shared key for a passphrase,
// PBKDF2-HMAC-SHA1 with the SSID as salt and 4096 iterations.
func DerivePSK(ssid, passphrase string) string {
	key := pbkdf2.Key([]byte(passphrase), []byte(ssid), 4096, 32, sha1.New)
	return hex.EncodeToString(key)
}

// isPassphrase reports whether password is a WPA passphrase rather than a
// raw PSK or an open network.
func isPassphrase(password string) bool {
	return len(password) >= 8 && len(password) <= 63
}
