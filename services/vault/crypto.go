package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	envelopeVersion byte = 1
	saltSize             = 16
	keySize              = 32
)

var errMalformedEnvelope = errors.New("malformed envelope")

// Cipher seals key material under a master key. Each credential gets its own
// AES-256 key derived with HKDF from the master key, a random salt and the
// tenant/provider namespace, so keys never cross tenants.
type Cipher struct {
	master []byte
}

// NewCipher creates a cipher from a 32-byte master key
func NewCipher(master []byte) (*Cipher, error) {
	if len(master) != keySize {
		return nil, fmt.Errorf("master key must be %d bytes, got %d", keySize, len(master))
	}
	return &Cipher{master: append([]byte(nil), master...)}, nil
}

// NewCipherFromBase64 decodes a base64 master key
func NewCipherFromBase64(encoded string) (*Cipher, error) {
	master, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode master key: %w", err)
	}
	return NewCipher(master)
}

func (c *Cipher) derive(salt []byte, namespace string) (cipher.AEAD, error) {
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, c.master, salt, []byte(namespace)), key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Seal encrypts plaintext for namespace, binding it to path.
// Output: base64(version | salt | nonce | ciphertext).
func (c *Cipher) Seal(namespace, path string, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	aead, err := c.derive(salt, namespace)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}

	raw := make([]byte, 0, 1+saltSize+len(nonce)+len(plaintext)+aead.Overhead())
	raw = append(raw, envelopeVersion)
	raw = append(raw, salt...)
	raw = append(raw, nonce...)
	raw = aead.Seal(raw, nonce, plaintext, []byte(path))

	out := make([]byte, base64.StdEncoding.EncodedLen(len(raw)))
	base64.StdEncoding.Encode(out, raw)
	return out, nil
}

// Open decrypts an envelope produced by Seal for the same namespace and path
func (c *Cipher) Open(namespace, path string, envelope []byte) ([]byte, error) {
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(envelope)))
	n, err := base64.StdEncoding.Decode(raw, envelope)
	if err != nil {
		return nil, errMalformedEnvelope
	}
	raw = raw[:n]
	if len(raw) < 1+saltSize || raw[0] != envelopeVersion {
		return nil, errMalformedEnvelope
	}

	salt := raw[1 : 1+saltSize]
	aead, err := c.derive(salt, namespace)
	if err != nil {
		return nil, err
	}
	rest := raw[1+saltSize:]
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return nil, errMalformedEnvelope
	}
	nonce, ct := rest[:aead.NonceSize()], rest[aead.NonceSize():]
	return aead.Open(nil, nonce, ct, []byte(path))
}

// Fingerprint is a short display hash of key material
func Fingerprint(plaintext []byte) string {
	sum := sha256.Sum256(plaintext)
	return hex.EncodeToString(sum[:])[:8]
}
