// Package crypto manages the operator key and signs and verifies EIP-712
// migration requests.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

// Key files come in two formats, told apart by their "version" field:
//
//	2  sealed: PBKDF2-HMAC-SHA256 + AES-256-GCM, written by SealKey
//	3  a go-ethereum / Web3 Secret Storage keystore file (geth, clef, foundry)
const (
	sealedVersion   = 2
	keystoreVersion = 3
)

const (
	sealIterations = 480_000
	sealSaltLen    = 16
	sealKeyLen     = 32
)

var b64 = base64.StdEncoding

type sealedKey struct {
	Version    int    `json:"version"`
	Address    string `json:"address"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeyConfig names where the operator key comes from. RawPrivateKey wins
// over KeyFile.
type KeyConfig struct {
	RawPrivateKey string
	KeyFile       string
	KeyPassword   string
}

// ParseKey parses a hex secp256k1 private key, with or without 0x.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(hexKey), "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: invalid private key: %w", err)
	}
	return pk, nil
}

// LoadKey resolves the operator key from cfg.
func LoadKey(cfg KeyConfig) (*ecdsa.PrivateKey, error) {
	switch {
	case cfg.RawPrivateKey != "":
		return ParseKey(cfg.RawPrivateKey)
	case cfg.KeyFile != "":
		data, err := os.ReadFile(cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("crypto: read key file: %w", err)
		}
		return OpenKeyFile(data, cfg.KeyPassword)
	}
	return nil, errors.New("crypto: no operator key configured")
}

// OpenKeyFile decrypts a sealed or keystore v3 key file.
func OpenKeyFile(data []byte, password string) (*ecdsa.PrivateKey, error) {
	if password == "" {
		return nil, errors.New("crypto: key password must not be empty")
	}
	var probe struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("crypto: parse key file: %w", err)
	}
	switch probe.Version {
	case sealedVersion:
		return openSealed(data, password)
	case keystoreVersion:
		k, err := keystore.DecryptKey(data, password)
		if err != nil {
			return nil, fmt.Errorf("crypto: open keystore file: %w", err)
		}
		return k.PrivateKey, nil
	}
	return nil, fmt.Errorf("crypto: unsupported key file version %d", probe.Version)
}

// SealKey encrypts key under password in the sealed format. The address is
// stored in clear and bound as GCM additional data.
func SealKey(key *ecdsa.PrivateKey, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: key password must not be empty")
	}
	salt := make([]byte, sealSaltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	aead, err := sealCipher(password, salt)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}
	addr := ethcrypto.PubkeyToAddress(key.PublicKey)

	return json.MarshalIndent(sealedKey{
		Version:    sealedVersion,
		Address:    addr.Hex(),
		Salt:       b64.EncodeToString(salt),
		Nonce:      b64.EncodeToString(nonce),
		Ciphertext: b64.EncodeToString(aead.Seal(nil, nonce, ethcrypto.FromECDSA(key), addr.Bytes())),
	}, "", "  ")
}

func openSealed(data []byte, password string) (*ecdsa.PrivateKey, error) {
	var s sealedKey
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("crypto: parse sealed key: %w", err)
	}
	if !common.IsHexAddress(s.Address) {
		return nil, fmt.Errorf("crypto: sealed key has invalid address %q", s.Address)
	}
	addr := common.HexToAddress(s.Address)

	var salt, nonce, ct []byte
	for _, f := range []struct {
		name string
		in   string
		out  *[]byte
	}{{"salt", s.Salt, &salt}, {"nonce", s.Nonce, &nonce}, {"ciphertext", s.Ciphertext, &ct}} {
		b, err := b64.DecodeString(f.in)
		if err != nil {
			return nil, fmt.Errorf("crypto: sealed key %s: %w", f.name, err)
		}
		*f.out = b
	}

	aead, err := sealCipher(password, salt)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, fmt.Errorf("crypto: sealed key nonce is %d bytes", len(nonce))
	}
	plain, err := aead.Open(nil, nonce, ct, addr.Bytes())
	if err != nil {
		return nil, errors.New("crypto: cannot open sealed key: wrong password or corrupted file")
	}
	key, err := ethcrypto.ToECDSA(plain)
	if err != nil {
		return nil, fmt.Errorf("crypto: sealed key: %w", err)
	}
	if got := ethcrypto.PubkeyToAddress(key.PublicKey); got != addr {
		return nil, fmt.Errorf("crypto: sealed key is for %s, file says %s", got.Hex(), addr.Hex())
	}
	return key, nil
}

func sealCipher(password string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(pbkdf2.Key([]byte(password), salt, sealIterations, sealKeyLen, sha256.New))
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}
