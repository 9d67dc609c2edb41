package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"strings"
)

const tokenVersion = "v1"

// Keyring encrypts secrets at rest with AES-GCM. Multiple keys may be loaded
// so old ciphertexts stay readable after a rotation; new ciphertexts always
// use the current key.
type Keyring struct {
	current string
	keys    map[string][]byte
}

func NewKeyring(currentKeyID string, keys map[string][]byte) (*Keyring, error) {
	if currentKeyID == "" {
		return nil, fmt.Errorf("current key id is empty")
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("keys map is empty")
	}
	if _, ok := keys[currentKeyID]; !ok {
		return nil, fmt.Errorf("current key id %q not found", currentKeyID)
	}
	cp := make(map[string][]byte, len(keys))
	for id, key := range keys {
		if len(key) != 32 {
			return nil, fmt.Errorf("key %q must be 32 bytes", id)
		}
		buf := make([]byte, len(key))
		copy(buf, key)
		cp[id] = buf
	}
	return &Keyring{current: currentKeyID, keys: cp}, nil
}

// EncryptString seals plain with the current key. The result is a compact
// token "v1:<key id>:<base64 nonce||ciphertext>".
func (k *Keyring) EncryptString(plain string) (string, error) {
	aead, err := k.aead(k.current)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := aead.Seal(nonce, nonce, []byte(plain), nil)
	return strings.Join([]string{
		tokenVersion,
		k.current,
		base64.StdEncoding.EncodeToString(sealed),
	}, ":"), nil
}

// DecryptString opens a token produced by EncryptString with any loaded key.
func (k *Keyring) DecryptString(token string) (string, error) {
	parts := strings.SplitN(token, ":", 3)
	if len(parts) != 3 || parts[0] != tokenVersion {
		return "", fmt.Errorf("malformed secret token")
	}
	aead, err := k.aead(parts[1])
	if err != nil {
		return "", err
	}
	sealed, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	if len(sealed) < aead.NonceSize() {
		return "", fmt.Errorf("malformed secret token")
	}
	plain, err := aead.Open(nil, sealed[:aead.NonceSize()], sealed[aead.NonceSize():], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt secret: %w", err)
	}
	return string(plain), nil
}

// ReEncrypt rewrites a token under the current key.
func (k *Keyring) ReEncrypt(token string) (string, error) {
	plain, err := k.DecryptString(token)
	if err != nil {
		return "", err
	}
	return k.EncryptString(plain)
}

func (k *Keyring) aead(keyID string) (cipher.AEAD, error) {
	key, ok := k.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("unknown key id %q", keyID)
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("new gcm: %w", err)
	}
	return aead, nil
}
