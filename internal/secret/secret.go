// Package secret decrypts stored CI access tokens.
//
// Tokens are stored as "ivHex:cipherHex", AES-256-CBC with PKCS#7 padding.
package secret

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
)

const keySize = 32

var ErrMalformedToken = errors.New("malformed token")

// Codec encrypts and decrypts tokens with a fixed key.
type Codec struct {
	block cipher.Block
}

// New returns a Codec for a 32 byte key.
func New(key string) (*Codec, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("secret: key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher([]byte(key))
	if err != nil {
		return nil, fmt.Errorf("secret: %w", err)
	}
	return &Codec{block: block}, nil
}

// Decrypt returns the plain secret. An empty token decodes to "".
func (c *Codec) Decrypt(token string) (string, error) {
	if token == "" {
		return "", nil
	}
	ivHex, cipherHex, ok := strings.Cut(token, ":")
	if !ok {
		return "", fmt.Errorf("%w: missing separator", ErrMalformedToken)
	}
	iv, err := hex.DecodeString(ivHex)
	if err != nil || len(iv) != aes.BlockSize {
		return "", fmt.Errorf("%w: bad iv", ErrMalformedToken)
	}
	data, err := hex.DecodeString(cipherHex)
	if err != nil {
		return "", fmt.Errorf("%w: bad ciphertext", ErrMalformedToken)
	}
	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return "", fmt.Errorf("%w: ciphertext length %d", ErrMalformedToken, len(data))
	}

	out := make([]byte, len(data))
	cipher.NewCBCDecrypter(c.block, iv).CryptBlocks(out, data)
	plain, err := unpad(out)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// Encrypt returns "ivHex:cipherHex" for plain using a random IV.
func (c *Codec) Encrypt(plain string) (string, error) {
	if plain == "" {
		return "", nil
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("secret: read iv: %w", err)
	}
	data := pad([]byte(plain))
	out := make([]byte, len(data))
	cipher.NewCBCEncrypter(c.block, iv).CryptBlocks(out, data)
	return hex.EncodeToString(iv) + ":" + hex.EncodeToString(out), nil
}

// BasicAuth builds the Authorization header value for the CI API:
// an empty username with the secret as password.
func BasicAuth(secret string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(":"+secret))
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, fmt.Errorf("%w: bad padding", ErrMalformedToken)
	}
	for _, v := range b[len(b)-n:] {
		if int(v) != n {
			return nil, fmt.Errorf("%w: bad padding", ErrMalformedToken)
		}
	}
	return b[:len(b)-n], nil
}
