package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultRevealValidity is how long a reveal token stays usable.
const DefaultRevealValidity = 10 * time.Second

var (
	ErrRevealTokenInvalid = errors.New("identity: reveal token invalid")
	ErrRevealTokenExpired = errors.New("identity: reveal token expired")
)

// Revealer issues short-lived tokens that authorize opening one record's
// sealed CPF.
type Revealer struct {
	key      []byte
	validity time.Duration
	now      func() time.Time
}

// NewRevealer builds a Revealer from a hex HMAC key.
func NewRevealer(keyHex string, validity time.Duration) (*Revealer, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode reveal key: %w", err)
	}
	if len(key) < 16 {
		return nil, errors.New("reveal key must be at least 16 bytes")
	}
	if validity <= 0 {
		validity = DefaultRevealValidity
	}
	return &Revealer{key: key, validity: validity, now: time.Now}, nil
}

// Validity returns the token lifetime.
func (r *Revealer) Validity() time.Duration { return r.validity }

// Issue returns a token for recordID of the form <expiry-unix-ms>.<mac>.
func (r *Revealer) Issue(recordID string) string {
	exp := strconv.FormatInt(r.now().Add(r.validity).UnixMilli(), 10)
	return exp + "." + r.sign(recordID, exp)
}

// Verify checks that token was issued for recordID and has not expired.
func (r *Revealer) Verify(recordID, token string) error {
	exp, mac, ok := strings.Cut(token, ".")
	if !ok {
		return ErrRevealTokenInvalid
	}
	if !hmac.Equal([]byte(mac), []byte(r.sign(recordID, exp))) {
		return ErrRevealTokenInvalid
	}
	ms, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return ErrRevealTokenInvalid
	}
	if !r.now().Before(time.UnixMilli(ms)) {
		return ErrRevealTokenExpired
	}
	return nil
}

func (r *Revealer) sign(recordID, exp string) string {
	m := hmac.New(sha256.New, r.key)
	m.Write([]byte(recordID))
	m.Write([]byte{0})
	m.Write([]byte(exp))
	return base64.RawURLEncoding.EncodeToString(m.Sum(nil))
}
