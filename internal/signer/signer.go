// Package signer holds the funded test wallet and the façade's signing key.
package signer

import (
	"crypto/ecdsa"
	"math/big"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	clierr "github.com/ggonzalez94/kmandex/internal/errors"
)

type Signer interface {
	Address() common.Address
	SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error)
}

// LocalSigner keeps its key in memory only.
type LocalSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

func (s *LocalSigner) Address() common.Address {
	return s.address
}

func (s *LocalSigner) SignTx(chainID *big.Int, tx *types.Transaction) (*types.Transaction, error) {
	if s == nil || s.privateKey == nil {
		return nil, clierr.New(clierr.CodeSigner, "local signer is not initialized")
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), s.privateKey)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "sign transaction", err)
	}
	return signed, nil
}

// PrivateKeyHex returns the 0x-prefixed key, for handing a generated test
// wallet to tools that take a raw key.
func (s *LocalSigner) PrivateKeyHex() string {
	return "0x" + common.Bytes2Hex(crypto.FromECDSA(s.privateKey))
}

// Generate creates a fresh random wallet.
func Generate() (*LocalSigner, error) {
	pk, err := crypto.GenerateKey()
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "generate private key", err)
	}
	return fromKey(pk), nil
}

func FromHex(raw string) (*LocalSigner, error) {
	pk, err := parseHexKey(raw)
	if err != nil {
		return nil, err
	}
	return fromKey(pk), nil
}

type LocalSignerConfig struct {
	PrivateKeyHex    string
	PrivateKeyFile   string
	KeystorePath     string
	KeystorePassword string
}

// NewLocalSigner loads a key from the first configured source: hex, key
// file, then keystore.
func NewLocalSigner(cfg LocalSignerConfig) (*LocalSigner, error) {
	pk, err := loadPrivateKey(cfg)
	if err != nil {
		return nil, err
	}
	return fromKey(pk), nil
}

func fromKey(pk *ecdsa.PrivateKey) *LocalSigner {
	return &LocalSigner{privateKey: pk, address: crypto.PubkeyToAddress(pk.PublicKey)}
}

func loadPrivateKey(cfg LocalSignerConfig) (*ecdsa.PrivateKey, error) {
	if strings.TrimSpace(cfg.PrivateKeyHex) != "" {
		return parseHexKey(cfg.PrivateKeyHex)
	}
	if strings.TrimSpace(cfg.PrivateKeyFile) != "" {
		buf, err := os.ReadFile(cfg.PrivateKeyFile)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeSigner, "read private key file", err)
		}
		return parseHexKey(string(buf))
	}
	if strings.TrimSpace(cfg.KeystorePath) != "" {
		if strings.TrimSpace(cfg.KeystorePassword) == "" {
			return nil, clierr.New(clierr.CodeSigner, "keystore password is required")
		}
		buf, err := os.ReadFile(cfg.KeystorePath)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeSigner, "read keystore file", err)
		}
		key, err := keystore.DecryptKey(buf, cfg.KeystorePassword)
		if err != nil {
			return nil, clierr.Wrap(clierr.CodeSigner, "decrypt keystore", err)
		}
		return key.PrivateKey, nil
	}
	return nil, clierr.New(clierr.CodeSigner, "missing signing key: set a private key, key file or keystore")
}

func parseHexKey(raw string) (*ecdsa.PrivateKey, error) {
	clean := strings.TrimPrefix(strings.TrimSpace(raw), "0x")
	if clean == "" {
		return nil, clierr.New(clierr.CodeSigner, "empty private key")
	}
	pk, err := crypto.HexToECDSA(clean)
	if err != nil {
		return nil, clierr.Wrap(clierr.CodeSigner, "parse private key", err)
	}
	return pk, nil
}
