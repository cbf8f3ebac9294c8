package wire

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/gzip"

	"github.com/obsidianstack/metricflow/pkg/types"
)

// Header names and values carried next to an encoded body.
const (
	HeaderEncoding   = "Content-Encoding"
	HeaderEncryption = "Content-Encryption"

	EncodingGzip     = "gzip"
	EncryptionAESGCM = "aes-256-gcm"
)

// Options selects the optional encoding steps.
type Options struct {
	Compress bool
	// Key enables encryption when non-nil. It must be 32 bytes.
	Key []byte
}

// Headers records which steps were applied to an encoded body.
type Headers map[string]string

// Encode serialises batch according to opts.
func Encode(batch *types.MetricBatch, opts Options) ([]byte, Headers, error) {
	body, err := json.Marshal(batch)
	if err != nil {
		return nil, nil, fmt.Errorf("wire: marshal batch: %w", err)
	}
	hdr := Headers{}

	if opts.Compress {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, nil, fmt.Errorf("wire: gzip: %w", err)
		}
		if err := zw.Close(); err != nil {
			return nil, nil, fmt.Errorf("wire: gzip close: %w", err)
		}
		body = buf.Bytes()
		hdr[HeaderEncoding] = EncodingGzip
	}

	if opts.Key != nil {
		body, err = seal(opts.Key, body)
		if err != nil {
			return nil, nil, fmt.Errorf("wire: encrypt: %w", err)
		}
		hdr[HeaderEncryption] = EncryptionAESGCM
	}
	return body, hdr, nil
}

// Decode reverses Encode. key may be nil when the body is not encrypted.
func Decode(body []byte, hdr Headers, key []byte) (*types.MetricBatch, error) {
	var err error
	if hdr[HeaderEncryption] == EncryptionAESGCM {
		if key == nil {
			return nil, errors.New("wire: encrypted payload but no key configured")
		}
		body, err = open(key, body)
		if err != nil {
			return nil, fmt.Errorf("wire: decrypt: %w", err)
		}
	}

	if hdr[HeaderEncoding] == EncodingGzip {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, fmt.Errorf("wire: gunzip: %w", err)
		}
		defer zr.Close()
		body, err = io.ReadAll(zr)
		if err != nil {
			return nil, fmt.Errorf("wire: gunzip read: %w", err)
		}
	}

	var batch types.MetricBatch
	if err := json.Unmarshal(body, &batch); err != nil {
		return nil, fmt.Errorf("wire: unmarshal batch: %w", err)
	}
	return &batch, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != 32 {
		return nil, errors.New("encryption key must be 32 bytes")
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func seal(key, plain []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, nil), nil
}

func open(key, data []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(data) < gcm.NonceSize() {
		return nil, errors.New("ciphertext too short")
	}
	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
