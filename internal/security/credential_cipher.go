package security

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// cipherPrefix は暗号化済みの値に付与する形式バージョン。
const cipherPrefix = "v1:"

// hkdfInfo は鍵導出のコンテキスト。用途ごとに鍵を分離する。
var hkdfInfo = []byte("recruitcal calendar credential")

// ErrInvalidCiphertext は復号できない値を表す。
var ErrInvalidCiphertext = errors.New("invalid ciphertext")

// CredentialCipher はプロバイダーのアクセストークンとリフレッシュトークンを
// データベース保存時に暗号化する。
type CredentialCipher struct {
	aead interface {
		NonceSize() int
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	}
}

// NewCredentialCipher はsecretからHKDF-SHA256で鍵を導出し、XChaCha20-Poly1305の暗号器を生成する。
// secretは16バイト以上が必要。
func NewCredentialCipher(secret string) (*CredentialCipher, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("credential secret must be at least 16 bytes, got %d", len(secret))
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), nil, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("failed to derive credential key: %w", err)
	}

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create credential cipher: %w", err)
	}
	return &CredentialCipher{aead: aead}, nil
}

// Encrypt は平文を暗号化し、"v1:" + base64(nonce || ciphertext) を返す。
// 空文字列は空文字列のまま返す。
func (c *CredentialCipher) Encrypt(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return cipherPrefix + base64.RawStdEncoding.EncodeToString(sealed), nil
}

// Decrypt はEncryptの出力を平文に戻す。改ざんされた値にはErrInvalidCiphertextを返す。
func (c *CredentialCipher) Decrypt(value string) (string, error) {
	if value == "" {
		return "", nil
	}
	encoded, ok := strings.CutPrefix(value, cipherPrefix)
	if !ok {
		return "", ErrInvalidCiphertext
	}
	raw, err := base64.RawStdEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	n := c.aead.NonceSize()
	if len(raw) < n {
		return "", ErrInvalidCiphertext
	}
	plain, err := c.aead.Open(nil, raw[:n], raw[n:], nil)
	if err != nil {
		return "", ErrInvalidCiphertext
	}
	return string(plain), nil
}
