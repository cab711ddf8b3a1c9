package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"golang.org/x/crypto/hkdf"
)

const (
	envelopeVersion = 1
	keySize         = 32 // AES-256
	saltSize        = 32
	minPayloadKey   = 32

	defaultMaxAge  = 5 * time.Minute
	defaultMaxSkew = time.Minute
)

// ErrPayloadRejected is wrapped by every Open failure.
var ErrPayloadRejected = errors.New("encrypted payload rejected")

// Envelope is the wire form of an encrypted request or response body.
type Envelope struct {
	Version   uint8  `json:"version"`
	Timestamp int64  `json:"timestamp"`
	RequestID string `json:"request_id"`
	Data      string `json:"data"`
	Nonce     string `json:"nonce"`
	Salt      string `json:"salt"`
	HMAC      string `json:"hmac"`
}

// PayloadCipher seals bodies with AES-256-GCM under a per-message key
// derived with HKDF-SHA256 from a shared secret. The request ID is bound as
// additional data, and the whole envelope is signed with HMAC-SHA256.
type PayloadCipher struct {
	secret  []byte
	macKey  []byte
	now     func() time.Time
	maxAge  time.Duration
	maxSkew time.Duration
}

// NewPayloadCipher creates a cipher from the shared secret.
func NewPayloadCipher(secret string) (*PayloadCipher, error) {
	if len(secret) < minPayloadKey {
		return nil, fmt.Errorf("encryption secret must be at least %d bytes", minPayloadKey)
	}
	c := &PayloadCipher{
		secret:  []byte(secret),
		now:     time.Now,
		maxAge:  defaultMaxAge,
		maxSkew: defaultMaxSkew,
	}
	macKey, err := c.deriveKey(nil, "envelope-mac")
	if err != nil {
		return nil, err
	}
	c.macKey = macKey
	return c, nil
}

// Seal encrypts plaintext into an envelope bound to requestID.
func (c *PayloadCipher) Seal(plaintext []byte, requestID string) (*Envelope, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}

	gcm, err := c.aead(salt, requestID)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	env := &Envelope{
		Version:   envelopeVersion,
		Timestamp: c.now().Unix(),
		RequestID: requestID,
		Data:      base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plaintext, []byte(requestID))),
		Nonce:     base64.StdEncoding.EncodeToString(nonce),
		Salt:      base64.StdEncoding.EncodeToString(salt),
	}
	env.HMAC = c.sign(env)
	return env, nil
}

// Open verifies and decrypts an envelope. Envelopes older than five
// minutes, or more than a minute in the future, are rejected.
func (c *PayloadCipher) Open(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: empty envelope", ErrPayloadRejected)
	}
	if env.Version != envelopeVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrPayloadRejected, env.Version)
	}

	now := c.now().Unix()
	if now-env.Timestamp > int64(c.maxAge/time.Second) {
		return nil, fmt.Errorf("%w: timestamp is too old", ErrPayloadRejected)
	}
	if env.Timestamp-now > int64(c.maxSkew/time.Second) {
		return nil, fmt.Errorf("%w: timestamp is too far in the future", ErrPayloadRejected)
	}

	expected, err := base64.StdEncoding.DecodeString(env.HMAC)
	if err != nil || !hmac.Equal(expected, c.mac(env)) {
		return nil, fmt.Errorf("%w: HMAC verification failed", ErrPayloadRejected)
	}

	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding salt: %v", ErrPayloadRejected, err)
	}
	nonce, err := base64.StdEncoding.DecodeString(env.Nonce)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding nonce: %v", ErrPayloadRejected, err)
	}
	ciphertext, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: decoding data: %v", ErrPayloadRejected, err)
	}

	gcm, err := c.aead(salt, env.RequestID)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: invalid nonce length", ErrPayloadRejected)
	}

	plaintext, err := gcm.Open(nil, nonce, ciphertext, []byte(env.RequestID))
	if err != nil {
		return nil, fmt.Errorf("%w: decryption failed: %v", ErrPayloadRejected, err)
	}
	return plaintext, nil
}

func (c *PayloadCipher) aead(salt []byte, requestID string) (cipher.AEAD, error) {
	key, err := c.deriveKey(salt, "payload|"+requestID)
	if err != nil {
		return nil, err
	}
	defer clear(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	return gcm, nil
}

func (c *PayloadCipher) deriveKey(salt []byte, info string) ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.secret, salt, []byte(info)), key); err != nil {
		return nil, fmt.Errorf("HKDF key derivation failed: %w", err)
	}
	return key, nil
}

// mac signs every envelope field except HMAC itself.
func (c *PayloadCipher) mac(env *Envelope) []byte {
	h := hmac.New(sha256.New, c.macKey)
	for _, part := range []string{
		strconv.Itoa(int(env.Version)),
		strconv.FormatInt(env.Timestamp, 10),
		env.RequestID,
		env.Data,
		env.Nonce,
		env.Salt,
	} {
		h.Write([]byte(part))
		h.Write([]byte{'|'})
	}
	return h.Sum(nil)
}

func (c *PayloadCipher) sign(env *Envelope) string {
	return base64.StdEncoding.EncodeToString(c.mac(env))
}
