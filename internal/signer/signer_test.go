package signer

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/accounts/keystore"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	clierr "github.com/ggonzalez94/kmandex/internal/errors"
)

// Default anvil account #0.
const (
	anvilKey     = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"
	anvilAddress = "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"
)

func TestFromHexDerivesAddress(t *testing.T) {
	s, err := FromHex(anvilKey)
	if err != nil {
		t.Fatalf("FromHex failed: %v", err)
	}
	if s.Address() != common.HexToAddress(anvilAddress) {
		t.Fatalf("unexpected address %s", s.Address().Hex())
	}
	if s.PrivateKeyHex() != anvilKey {
		t.Fatalf("unexpected key round trip %s", s.PrivateKeyHex())
	}
}

func TestGenerateProducesDistinctWallets(t *testing.T) {
	a, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	b, err := Generate()
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if a.Address() == b.Address() {
		t.Fatal("expected distinct generated wallets")
	}
}

func TestSignTxRecoversSender(t *testing.T) {
	s, err := FromHex(anvilKey)
	if err != nil {
		t.Fatalf("FromHex failed: %v", err)
	}
	to := common.HexToAddress("0x0000000000000000000000000000000000000001")
	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   big.NewInt(1),
		To:        &to,
		Gas:       21_000,
		GasTipCap: big.NewInt(1),
		GasFeeCap: big.NewInt(2),
		Value:     big.NewInt(0),
	})
	signed, err := s.SignTx(big.NewInt(1), tx)
	if err != nil {
		t.Fatalf("SignTx failed: %v", err)
	}
	from, err := types.LatestSignerForChainID(big.NewInt(1)).Sender(signed)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if from != s.Address() {
		t.Fatalf("expected sender %s, got %s", s.Address().Hex(), from.Hex())
	}
}

func TestNewLocalSignerFromFile(t *testing.T) {
	keyFile := filepath.Join(t.TempDir(), "key.hex")
	if err := os.WriteFile(keyFile, []byte(anvilKey+"\n"), 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	s, err := NewLocalSigner(LocalSignerConfig{PrivateKeyFile: keyFile})
	if err != nil {
		t.Fatalf("NewLocalSigner failed: %v", err)
	}
	if s.Address() != common.HexToAddress(anvilAddress) {
		t.Fatalf("unexpected address %s", s.Address().Hex())
	}
}

func TestNewLocalSignerFromKeystore(t *testing.T) {
	pk, err := crypto.HexToECDSA(anvilKey[2:])
	if err != nil {
		t.Fatalf("parse key: %v", err)
	}
	key := &keystore.Key{Id: uuid.New(), Address: crypto.PubkeyToAddress(pk.PublicKey), PrivateKey: pk}
	encrypted, err := keystore.EncryptKey(key, "pw", keystore.LightScryptN, keystore.LightScryptP)
	if err != nil {
		t.Fatalf("encrypt key: %v", err)
	}
	path := filepath.Join(t.TempDir(), "keystore.json")
	if err := os.WriteFile(path, encrypted, 0o600); err != nil {
		t.Fatalf("write keystore: %v", err)
	}

	s, err := NewLocalSigner(LocalSignerConfig{KeystorePath: path, KeystorePassword: "pw"})
	if err != nil {
		t.Fatalf("NewLocalSigner failed: %v", err)
	}
	if s.Address() != common.HexToAddress(anvilAddress) {
		t.Fatalf("unexpected address %s", s.Address().Hex())
	}

	if _, err := NewLocalSigner(LocalSignerConfig{KeystorePath: path}); !clierr.Is(err, clierr.CodeSigner) {
		t.Fatalf("expected signer error without password, got %v", err)
	}
}

func TestNewLocalSignerErrors(t *testing.T) {
	if _, err := NewLocalSigner(LocalSignerConfig{}); !clierr.Is(err, clierr.CodeSigner) {
		t.Fatalf("expected signer error for missing key, got %v", err)
	}
	if _, err := FromHex("0xnothex"); !clierr.Is(err, clierr.CodeSigner) {
		t.Fatalf("expected signer error for bad key, got %v", err)
	}
	var nilSigner *LocalSigner
	if _, err := nilSigner.SignTx(big.NewInt(1), types.NewTx(&types.LegacyTx{})); err == nil {
		t.Fatal("expected error from nil signer")
	}
}
