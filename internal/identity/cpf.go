// Package identity handles customer identity data: CPF validation and
// sealing, phone normalization, time-boxed reveal tokens, and the tenant
// carried on ops requests.
package identity

import (
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/ashureev/watchdesk/internal/shared"
	"golang.org/x/crypto/chacha20poly1305"
)

// ErrSealedCPF is returned when a sealed CPF cannot be opened.
var ErrSealedCPF = errors.New("identity: sealed cpf is corrupt or bound to another subject")

// IsValidCPF checks length, repeated digits, and both check digits.
func IsValidCPF(cpf string) bool {
	d := shared.Digits(cpf)
	if len(d) != 11 {
		return false
	}
	same := true
	for i := 1; i < 11; i++ {
		if d[i] != d[0] {
			same = false
			break
		}
	}
	if same {
		return false
	}
	return checkDigit(d[:9], 10) == int(d[9]-'0') && checkDigit(d[:10], 11) == int(d[10]-'0')
}

func checkDigit(digits string, weight int) int {
	sum := 0
	for i := 0; i < len(digits); i++ {
		sum += int(digits[i]-'0') * (weight - i)
	}
	rest := (sum * 10) % 11
	if rest == 10 {
		return 0
	}
	return rest
}

// MaskCPF shows only the last five digits: ***.***.247-25.
func MaskCPF(cpf string) string {
	d := shared.Digits(cpf)
	if len(d) != 11 {
		return "***.***.***-**"
	}
	return "***.***." + d[6:9] + "-" + d[9:]
}

// FormatCPF renders 11 digits as 529.982.247-25.
func FormatCPF(cpf string) string {
	d := shared.Digits(cpf)
	if len(d) != 11 {
		return cpf
	}
	return d[:3] + "." + d[3:6] + "." + d[6:9] + "-" + d[9:]
}

// Vault seals CPFs with XChaCha20-Poly1305. Every seal uses a fresh random
// nonce and binds the ciphertext to the subject key it was collected from.
type Vault struct {
	key []byte
}

// NewVault builds a Vault from a 32-byte hex key.
func NewVault(keyHex string) (*Vault, error) {
	key, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("decode cpf key: %w", err)
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("cpf key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	return &Vault{key: key}, nil
}

// Seal encrypts the CPF digits. The result is base64url(nonce || ciphertext).
func (v *Vault) Seal(cpf, subjectKey string) (string, error) {
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	nonce := make([]byte, aead.NonceSize(), aead.NonceSize()+len(cpf)+aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(shared.Digits(cpf)), []byte(subjectKey))
	return base64.RawURLEncoding.EncodeToString(sealed), nil
}

// Open decrypts a value produced by Seal for the same subject key.
func (v *Vault) Open(sealed, subjectKey string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(sealed)
	if err != nil {
		return "", ErrSealedCPF
	}
	aead, err := chacha20poly1305.NewX(v.key)
	if err != nil {
		return "", fmt.Errorf("init cipher: %w", err)
	}
	if len(raw) < aead.NonceSize()+aead.Overhead() {
		return "", ErrSealedCPF
	}
	nonce, ciphertext := raw[:aead.NonceSize()], raw[aead.NonceSize():]
	plain, err := aead.Open(nil, nonce, ciphertext, []byte(subjectKey))
	if err != nil {
		return "", ErrSealedCPF
	}
	return string(plain), nil
}
