// Package identity derives and verifies instance IDs, cookies, and tokens.
//
// Every identifier has the form "nonce:digest", where nonce is a random
// UUIDv4 and digest is the hex BLAKE2b-256 of the bound parts, the nonce,
// and a tag-specific secret. Verification recomputes the digest from the
// embedded nonce, so nothing needs to be stored.
package identity

import (
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"github.com/gofrs/uuid/v5"
	"golang.org/x/crypto/blake2b"
)

// Tag selects which secret salts a digest.
type Tag int

const (
	TagInstance Tag = iota
	TagCookie
	TagToken
)

const sep = ":"

// Secrets holds the per-tag salts.
type Secrets struct {
	Instance string
	Cookie   string
	Token    string
}

// DefaultSecrets are the salts used when none are configured.
var DefaultSecrets = Secrets{
	Instance: "instanceSecret",
	Cookie:   "cookieSecret",
	Token:    "tokenSecret",
}

// Codec is stateless apart from its secrets and safe for concurrent use.
type Codec struct {
	secrets Secrets
}

// NewCodec constructs a codec; empty secrets fall back to DefaultSecrets.
func NewCodec(s Secrets) *Codec {
	if s.Instance == "" {
		s.Instance = DefaultSecrets.Instance
	}
	if s.Cookie == "" {
		s.Cookie = DefaultSecrets.Cookie
	}
	if s.Token == "" {
		s.Token = DefaultSecrets.Token
	}
	return &Codec{secrets: s}
}

func (c *Codec) secret(tag Tag) string {
	switch tag {
	case TagCookie:
		return c.secrets.Cookie
	case TagToken:
		return c.secrets.Token
	default:
		return c.secrets.Instance
	}
}

// Derive returns a fresh "nonce:digest" bound to parts.
func (c *Codec) Derive(tag Tag, parts ...string) (string, error) {
	nonce, err := uuid.NewV4()
	if err != nil {
		return "", err
	}
	return c.deriveWithNonce(tag, nonce.String(), parts...), nil
}

func (c *Codec) deriveWithNonce(tag Tag, nonce string, parts ...string) string {
	return nonce + sep + c.digest(tag, nonce, parts...)
}

func (c *Codec) digest(tag Tag, nonce string, parts ...string) string {
	h, _ := blake2b.New256(nil)
	for _, p := range parts {
		h.Write([]byte(p))
	}
	h.Write([]byte(nonce))
	h.Write([]byte(c.secret(tag)))
	return hex.EncodeToString(h.Sum(nil))
}

// Verify reports whether value was derived from parts under tag.
func (c *Codec) Verify(tag Tag, value string, parts ...string) bool {
	nonce, got, ok := strings.Cut(value, sep)
	if !ok || nonce == "" || got == "" {
		return false
	}
	want := c.digest(tag, nonce, parts...)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// NewInstanceID derives an instance ID owned by user.
func (c *Codec) NewInstanceID(user string) (string, error) { return c.Derive(TagInstance, user) }

// VerifyInstanceID reports whether id was derived for user.
func (c *Codec) VerifyInstanceID(id, user string) bool {
	if user == "" {
		return false
	}
	return c.Verify(TagInstance, id, user)
}

// NewCookie derives a cookie proving ownership of instanceID.
func (c *Codec) NewCookie(instanceID string) (string, error) {
	return c.Derive(TagCookie, instanceID)
}

// VerifyCookie reports whether cookie was issued for instanceID.
func (c *Codec) VerifyCookie(cookie, instanceID string) bool {
	if instanceID == "" {
		return false
	}
	return c.Verify(TagCookie, cookie, instanceID)
}

// NewToken derives a token for app.
func (c *Codec) NewToken(app string) (string, error) { return c.Derive(TagToken, app) }

// VerifyToken reports whether token was derived from app.
func (c *Codec) VerifyToken(token, app string) bool {
	if app == "" {
		return false
	}
	return c.Verify(TagToken, token, app)
}
