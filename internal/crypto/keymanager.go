// Package crypto holds the wallet identity used to authorise state-channel
// sessions: encrypted key storage, EIP-712 policy signing and session-key
// request signatures.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	defaultIterations = 480_000
	saltLen           = 16
	keyFileVersion    = 1
)

var errNoPassword = errors.New("crypto: key password must not be empty")

// keyFile is the on-disk wallet key. Byte fields are base64 in JSON.
type keyFile struct {
	Version    int    `json:"version"`
	Iterations int    `json:"iterations,omitempty"`
	Salt       []byte `json:"salt"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
}

// KeyConfig says where the house wallet key comes from. The fields map to
// the [wallet] config section or PITCH_WALLET_* env.
type KeyConfig struct {
	// RawPrivateKey is hex, with or without 0x. It wins over the file.
	RawPrivateKey string

	// EncryptedKeyPath points at a file written from EncryptKey's output.
	EncryptedKeyPath string
	KeyPassword      string
}

// decodeKey validates a hex secp256k1 private key.
func decodeKey(s string) ([]byte, error) {
	b, err := hex.DecodeString(strings.TrimPrefix(strings.TrimSpace(s), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: private key is not hex: %w", err)
	}
	if len(b) != 32 {
		return nil, fmt.Errorf("crypto: private key is %d bytes, want 32", len(b))
	}
	return b, nil
}

// sealer derives the AES-256-GCM key for password from salt.
func sealer(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, iterations, 32, sha256.New))
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// EncryptKey seals a hex private key under password (PBKDF2-SHA256 then
// AES-256-GCM) and returns the JSON key file.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errNoPassword
	}
	key, err := decodeKey(privateKeyHex)
	if err != nil {
		return nil, err
	}

	kf := keyFile{Version: keyFileVersion, Iterations: defaultIterations, Salt: make([]byte, saltLen)}
	if _, err := rand.Read(kf.Salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	aead, err := sealer(password, kf.Salt, kf.Iterations)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	kf.Nonce = make([]byte, aead.NonceSize())
	if _, err := rand.Read(kf.Nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	kf.Ciphertext = aead.Seal(nil, kf.Nonce, key, nil)
	return json.MarshalIndent(kf, "", "  ")
}

// DecryptKey opens a key file from EncryptKey and returns the key as hex
// without the 0x prefix.
func DecryptKey(data []byte, password string) (string, error) {
	if password == "" {
		return "", errNoPassword
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return "", fmt.Errorf("crypto: parse key file: %w", err)
	}
	if kf.Version != keyFileVersion {
		return "", fmt.Errorf("crypto: key file version %d not supported", kf.Version)
	}
	if kf.Iterations <= 0 {
		kf.Iterations = defaultIterations
	}
	aead, err := sealer(password, kf.Salt, kf.Iterations)
	if err != nil {
		return "", fmt.Errorf("crypto: cipher: %w", err)
	}
	if len(kf.Nonce) != aead.NonceSize() {
		return "", fmt.Errorf("crypto: key file nonce is %d bytes", len(kf.Nonce))
	}
	key, err := aead.Open(nil, kf.Nonce, kf.Ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("crypto: key file did not open (wrong password?): %w", err)
	}
	return hex.EncodeToString(key), nil
}

// LoadKey resolves the wallet key: the raw key if set, else the encrypted
// file.
func LoadKey(cfg KeyConfig) (string, error) {
	switch {
	case cfg.RawPrivateKey != "":
		key, err := decodeKey(cfg.RawPrivateKey)
		if err != nil {
			return "", err
		}
		return hex.EncodeToString(key), nil
	case cfg.EncryptedKeyPath != "":
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return "", fmt.Errorf("crypto: read key file: %w", err)
		}
		return DecryptKey(data, cfg.KeyPassword)
	default:
		return "", errors.New("crypto: no wallet key configured (set wallet.private_key or wallet.encrypted_key_path)")
	}
}

// LoadSigner resolves the wallet key via LoadKey and wraps it in a Signer.
func LoadSigner(cfg KeyConfig) (*Signer, error) {
	k, err := LoadKey(cfg)
	if err != nil {
		return nil, err
	}
	return NewSigner(k)
}
