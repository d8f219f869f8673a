package auth

import (
	"golang.org/x/oauth2"
)

// GenerateChallenge creates a PKCE verifier (32 random bytes, base64url without
// padding) and its S256 challenge.
func GenerateChallenge() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	return verifier, oauth2.S256ChallengeFromVerifier(verifier)
}
