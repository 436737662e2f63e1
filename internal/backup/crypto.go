package backup

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
)

const (
	saltSize  = 16
	nonceSize = 12
	keySize   = 32
	argonTime = 3
	argonMem  = 64 * 1024
	argonPar  = 4
)

// fileMagic prefixes every encrypted backup; the last byte is the format
// version.
var fileMagic = []byte("RCBK\x01")

var ErrDecrypt = errors.New("backup: cannot decrypt")

// GenerateSalt returns 16 cryptographically random bytes.
func GenerateSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// DeriveKey derives a 32-byte AES-256 key from a passphrase and salt using Argon2id.
func DeriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argonTime, argonMem, argonPar, keySize)
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(DeriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext under a key derived from passphrase with a fresh
// random salt.
// Output format: [magic][16-byte salt][12-byte nonce][AES-256-GCM ciphertext]
// The magic header is authenticated as additional data.
func Encrypt(plaintext []byte, passphrase string) ([]byte, error) {
	salt, err := GenerateSalt()
	if err != nil {
		return nil, err
	}
	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, nonceSize)
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, len(fileMagic)+saltSize+nonceSize+len(plaintext)+gcm.Overhead())
	out = append(out, fileMagic...)
	out = append(out, salt...)
	out = append(out, nonce...)
	return gcm.Seal(out, nonce, plaintext, fileMagic), nil
}

// Decrypt reverses Encrypt. Every failure wraps ErrDecrypt.
func Decrypt(data []byte, passphrase string) ([]byte, error) {
	if !bytes.HasPrefix(data, fileMagic) {
		return nil, fmt.Errorf("%w: not a rollcall backup", ErrDecrypt)
	}
	data = data[len(fileMagic):]
	if len(data) < saltSize+nonceSize {
		return nil, fmt.Errorf("%w: file too small", ErrDecrypt)
	}

	salt := data[:saltSize]
	nonce := data[saltSize : saltSize+nonceSize]
	ciphertext := data[saltSize+nonceSize:]

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, fileMagic)
	if err != nil {
		return nil, fmt.Errorf("%w: wrong passphrase or corrupted file", ErrDecrypt)
	}
	return plaintext, nil
}

// EncryptFile encrypts srcPath to dstPath and returns the encrypted size.
func EncryptFile(srcPath, dstPath, passphrase string) (int64, error) {
	plaintext, err := os.ReadFile(srcPath)
	if err != nil {
		return 0, fmt.Errorf("read source: %w", err)
	}
	out, err := Encrypt(plaintext, passphrase)
	if err != nil {
		return 0, err
	}
	if err := os.WriteFile(dstPath, out, 0600); err != nil {
		return 0, fmt.Errorf("write encrypted file: %w", err)
	}
	return int64(len(out)), nil
}

// DecryptFile decrypts srcPath to dstPath.
func DecryptFile(srcPath, dstPath, passphrase string) error {
	data, err := os.ReadFile(srcPath)
	if err != nil {
		return fmt.Errorf("read encrypted file: %w", err)
	}
	plaintext, err := Decrypt(data, passphrase)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dstPath, plaintext, 0600); err != nil {
		return fmt.Errorf("write decrypted file: %w", err)
	}
	return nil
}
