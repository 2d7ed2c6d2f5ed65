package archive

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
)

// passwordSeed is prepended to the user's password before hashing. The
// server stores the same digest, so the value is part of the protocol.
const passwordSeed = "vaultsync.archive.v1:"

// HashPassword returns the lowercase hex SHA-256 of seed+password. This is a
// fast hash, not a KDF; the server-side verifier depends on the exact form.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(passwordSeed + password))
	return hex.EncodeToString(sum[:])
}

// PassPhrase answers a challenge: base64(HMAC-SHA256(challenge, hashedPassword)).
func PassPhrase(challenge, hashedPassword string) string {
	mac := hmac.New(sha256.New, []byte(challenge))
	mac.Write([]byte(hashedPassword))

	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
