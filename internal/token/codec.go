// Package token encodes attendance session payloads into the opaque strings
// broadcast to student devices.
//
// The wire format is hex(AES-256-CBC(JSON payload)) with PKCS#7 padding. The
// key is SHA-256 of the configured key secret and the IV is MD5 of the
// configured IV secret; the browser client derives the same values, so these
// derivations must not change.
package token

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrDecode is wrapped by every error returned from Decode.
var ErrDecode = errors.New("token: decode failed")

// Secrets holds the raw key and IV material from configuration.
type Secrets struct {
	Key string
	IV  string
}

// Payload is the plaintext carried inside a token.
type Payload struct {
	SessionID string
	ClassID   string
	IssuedAt  time.Time
}

// wirePayload is the JSON shape shared with the client.
type wirePayload struct {
	SessionID *string `json:"sessionId"`
	ClassID   *string `json:"classId"`
	Timestamp *int64  `json:"timestamp"`
}

// Codec is safe for concurrent use.
type Codec struct {
	block cipher.Block
	iv    []byte
}

// NewCodec derives key material once from secrets.
func NewCodec(s Secrets) (*Codec, error) {
	key := sha256.Sum256([]byte(s.Key))
	iv := md5.Sum([]byte(s.IV))

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	return &Codec{block: block, iv: iv[:]}, nil
}

// Encode returns the transport form of p. IssuedAt is truncated to
// millisecond precision.
func (c *Codec) Encode(p Payload) (string, error) {
	if p.SessionID == "" {
		return "", fmt.Errorf("encode token: empty session id")
	}
	ts := p.IssuedAt.UnixMilli()
	plaintext, err := json.Marshal(wirePayload{
		SessionID: &p.SessionID,
		ClassID:   &p.ClassID,
		Timestamp: &ts,
	})
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	padded := pkcs7Pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(c.block, c.iv).CryptBlocks(out, padded)
	return hex.EncodeToString(out), nil
}

// Decode parses a transport string. The payload must carry exactly the
// sessionId, classId and timestamp fields.
func (c *Codec) Decode(s string) (Payload, error) {
	ciphertext, err := hex.DecodeString(s)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: not hex", ErrDecode)
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return Payload{}, fmt.Errorf("%w: bad length %d", ErrDecode, len(ciphertext))
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(c.block, c.iv).CryptBlocks(plaintext, ciphertext)
	plaintext, err = pkcs7Unpad(plaintext, aes.BlockSize)
	if err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	var w wirePayload
	dec := json.NewDecoder(bytes.NewReader(plaintext))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&w); err != nil {
		return Payload{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	if dec.More() {
		return Payload{}, fmt.Errorf("%w: trailing data", ErrDecode)
	}

	switch {
	case w.SessionID == nil || *w.SessionID == "":
		return Payload{}, fmt.Errorf("%w: missing sessionId", ErrDecode)
	case w.ClassID == nil:
		return Payload{}, fmt.Errorf("%w: missing classId", ErrDecode)
	case w.Timestamp == nil || *w.Timestamp <= 0:
		return Payload{}, fmt.Errorf("%w: missing timestamp", ErrDecode)
	}

	return Payload{
		SessionID: *w.SessionID,
		ClassID:   *w.ClassID,
		IssuedAt:  time.UnixMilli(*w.Timestamp).UTC(),
	}, nil
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	return append(b, bytes.Repeat([]byte{byte(n)}, n)...)
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return nil, errors.New("empty plaintext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errors.New("bad padding")
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, errors.New("bad padding")
		}
	}
	return b[:len(b)-n], nil
}
