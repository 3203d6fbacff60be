// Package auth implements the wire protocol's challenge-response login: a
// server-issued nonce, an HMAC-SHA1 response keyed by the stored password
// hash, with no plaintext credential ever crossing the wire.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/evqueue/evqueue-go/internal/evqerr"
)

// StoredPassword computes the at-rest password hash for login: SHA1(login
// + ':' + password) hex-encoded, as the wire protocol's login store uses.
func StoredPassword(login, password string) string {
	h := sha1.New()
	fmt.Fprintf(h, "%s:%s", login, password)
	return hex.EncodeToString(h.Sum(nil))
}

// Response computes the client-side HMAC-SHA1(storedPassword, nonce) hex
// response to a server challenge.
func Response(storedPassword, nonce string) string {
	mac := hmac.New(sha1.New, []byte(storedPassword))
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// UserLookup resolves a login to its stored password hash.
type UserLookup interface {
	StoredPassword(login string) (string, bool)
}

// Challenge is one in-flight login handshake: a nonce issued to a
// connection, consumed exactly once by Verify.
type Challenge struct {
	Login string
	Nonce string
}

// Verifier issues nonces and checks challenge responses against a
// UserLookup. One Verifier serves every connection on a listener; each
// connection keeps its own *Challenge between IssueNonce and Verify.
type Verifier struct {
	mu    sync.Mutex
	users UserLookup
}

// NewVerifier constructs a Verifier backed by users.
func NewVerifier(users UserLookup) *Verifier {
	return &Verifier{users: users}
}

// IssueNonce generates a fresh random nonce for login to respond to.
func (v *Verifier) IssueNonce(login string) (*Challenge, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return nil, evqerr.Wrap(evqerr.EngineInternal, "auth.issue_nonce", err)
	}
	return &Challenge{Login: login, Nonce: hex.EncodeToString(buf)}, nil
}

// Verify checks response against the expected HMAC-SHA1 of ch's nonce and
// the login's stored password, in constant time.
func (v *Verifier) Verify(ch *Challenge, response string) error {
	stored, ok := v.users.StoredPassword(ch.Login)
	if !ok {
		return evqerr.New(evqerr.InsufficientRights, "auth.verify", "unknown login "+ch.Login)
	}

	expected := Response(stored, ch.Nonce)
	got, err := hex.DecodeString(response)
	if err != nil {
		return evqerr.New(evqerr.InsufficientRights, "auth.verify", "malformed response")
	}
	want, _ := hex.DecodeString(expected)
	if subtle.ConstantTimeCompare(got, want) != 1 {
		return evqerr.New(evqerr.InsufficientRights, "auth.verify", "challenge response mismatch")
	}
	return nil
}
