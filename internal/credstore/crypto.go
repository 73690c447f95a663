package credstore

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/chacha20poly1305"
)

// Cipher seals agent shared secrets at rest with the process master key
// (ChaCha20-Poly1305, random nonce prefixed to the ciphertext).
type Cipher struct {
	key []byte
}

// NewCipher validates the master key length and returns a ready cipher.
func NewCipher(masterKey []byte) (*Cipher, error) {
	if len(masterKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", chacha20poly1305.KeySize, len(masterKey))
	}
	return &Cipher{key: masterKey}, nil
}

// Seal encrypts a plaintext secret for storage.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return aead.Seal(nonce, nonce, plaintext, nil), nil
}

// Open decrypts a stored secret. Callers must treat the returned plaintext as
// transient: use it for the one signature computation at hand and drop it.
func (c *Cipher) Open(ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < aead.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, sealed := ciphertext[:aead.NonceSize()], ciphertext[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret: %w", err)
	}
	return plaintext, nil
}

// GenerateSecret produces a new 32-byte shared secret, hex encoded.
func GenerateSecret() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// GenerateKeyPrefix produces the short public identifier for a credential,
// e.g. "wk_3f9a2c1d". The prefix is not secret; it lets the gateway pick the
// right credential without a table scan.
func GenerateKeyPrefix() (string, error) {
	raw := make([]byte, 4)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return "wk_" + hex.EncodeToString(raw), nil
}

// HashCredential produces the one-way bcrypt hash stored alongside the
// sealed secret; it is consulted only during the bootstrap handshake.
func HashCredential(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash credential: %w", err)
	}
	return string(hash), nil
}

// VerifyCredentialHash checks a presented secret against the stored hash.
func VerifyCredentialHash(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}

// SealInBand encrypts a pending secret for delivery inside a
// credential_update frame. The key is derived from the server's current
// shared secret, so only the holder of the old credential can read the new
// one even if the transport is somehow observed.
func SealInBand(currentSecret, plaintext []byte) (string, error) {
	key := sha256.Sum256(currentSecret)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nonce, nonce, plaintext, nil)
	return hex.EncodeToString(sealed), nil
}

// OpenInBand is the agent-side inverse of SealInBand.
func OpenInBand(currentSecret []byte, sealedHex string) ([]byte, error) {
	sealed, err := hex.DecodeString(sealedHex)
	if err != nil {
		return nil, fmt.Errorf("decode sealed secret: %w", err)
	}
	key := sha256.Sum256(currentSecret)
	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return nil, err
	}
	if len(sealed) < aead.NonceSize() {
		return nil, fmt.Errorf("sealed secret too short")
	}
	nonce, body := sealed[:aead.NonceSize()], sealed[aead.NonceSize():]
	plaintext, err := aead.Open(nil, nonce, body, nil)
	if err != nil {
		return nil, fmt.Errorf("open sealed secret: %w", err)
	}
	return plaintext, nil
}

// SignAuth computes hex(HMAC-SHA256(secret, server_id:timestamp:nonce)),
// the signature an agent presents in its auth frame.
func SignAuth(secret []byte, serverID string, timestamp int64, nonce string) string {
	mac := hmac.New(sha256.New, secret)
	fmt.Fprintf(mac, "%s:%d:%s", serverID, timestamp, nonce)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyAuth recomputes the expected signature and compares in constant time.
func VerifyAuth(secret []byte, serverID string, timestamp int64, nonce, signature string) bool {
	expected := SignAuth(secret, serverID, timestamp, nonce)
	return hmac.Equal([]byte(expected), []byte(signature))
}
