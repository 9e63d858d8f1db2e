package security

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"io"
	"os"
)

// CryptoService encrypts and decrypts HSM pins at rest, so a pin-source
// file referenced by a pkcs11: URL's pin-encrypted=1 flag never sits on
// disk in the clear.
type CryptoService struct {
	encryptionKey []byte
}

// NewCryptoService builds a CryptoService from ENCRYPTION_KEY, generating a
// random AES-256 key if the variable is unset.
func NewCryptoService() (*CryptoService, error) {
	encKeyStr := os.Getenv("ENCRYPTION_KEY")

	var encKey []byte
	var err error

	if encKeyStr == "" {
		encKey = make([]byte, 32) // AES-256
		if _, err := io.ReadFull(rand.Reader, encKey); err != nil {
			return nil, err
		}
	} else {
		encKey, err = hex.DecodeString(encKeyStr)
		if err != nil {
			return nil, errors.New("invalid encryption key format")
		}
	}

	return &CryptoService{encryptionKey: encKey}, nil
}

// Encrypt encrypts a pin with AES-GCM, producing the base64 ciphertext that
// cmd/dev/encryptpin writes to a pin-source file.
func (s *CryptoService) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aesGCM.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}

	ciphertext := aesGCM.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(ciphertext), nil
}

// Decrypt reverses Encrypt, called by pkcs11store.Open when a pin-source
// file's pin-encrypted flag is set.
func (s *CryptoService) Decrypt(cryptoText string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(cryptoText)
	if err != nil {
		return "", err
	}

	block, err := aes.NewCipher(s.encryptionKey)
	if err != nil {
		return "", err
	}

	aesGCM, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}

	nonceSize := aesGCM.NonceSize()
	if len(data) < nonceSize {
		return "", errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := aesGCM.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", err
	}

	return string(plaintext), nil
}
