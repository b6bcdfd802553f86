package artifact

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	clierr "github.com/ggonzalez94/kmandex/internal/errors"
	"github.com/stretchr/testify/require"
)

const broadcastFixture = `{
  "transactions": [
    {"hash": "0x01", "transactionType": "CALL", "contractName": null, "contractAddress": "0x0000000000000000000000000000000000000001"},
    {"hash": "0x02", "transactionType": "CREATE", "contractName": "KmanDEXFactory", "contractAddress": "0x5FbDB2315678afecb367f032d93F642f64180aa3"},
    {"hash": "0x03", "transactionType": "CREATE", "contractName": "KmanDEXRouter", "contractAddress": "0x3aD2306eDfBe72ce013cdb6b429212d9CdDE4F96"}
  ],
  "chain": 1,
  "timestamp": 1716000000
}`

const routerArtifactFixture = `{
  "abi": [
    {"type":"function","name":"factory","inputs":[],"outputs":[{"name":"","type":"address"}],"stateMutability":"view"},
    {"type":"function","name":"swap","inputs":[{"name":"tokenIn","type":"address"},{"name":"tokenOut","type":"address"},{"name":"amountIn","type":"uint256"},{"name":"minAmountOut","type":"uint256"}],"outputs":[],"stateMutability":"nonpayable"},
    {"type":"event","name":"Swap","inputs":[{"name":"user","type":"address","indexed":true}],"anonymous":false},
    {"type":"error","name":"InsufficientLiquidity","inputs":[]}
  ],
  "bytecode": {"object": "0x"}
}`

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func TestBroadcastPathLayout(t *testing.T) {
	r := NewResolver("/work/contracts", "script/KmanDEXRouter.s.sol", 1)
	require.Equal(t, "/work/contracts/broadcast/KmanDEXRouter.s.sol/1/run-latest.json", r.BroadcastPath())
	require.Equal(t, "/work/contracts/out/KmanDEXRouter.sol/KmanDEXRouter.json", r.InterfacePath("KmanDEXRouter"))
}

func TestResolveDeployedAddressFirstCreate(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root, "script/KmanDEXRouter.s.sol", 1)
	writeFile(t, r.BroadcastPath(), broadcastFixture)

	addr, err := r.ResolveDeployedAddress("")
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3"), addr)

	again, err := r.ResolveDeployedAddress("")
	require.NoError(t, err)
	require.Equal(t, addr, again)
}

func TestResolveDeployedAddressByContractName(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root, "script/KmanDEXRouter.s.sol", 1)
	writeFile(t, r.BroadcastPath(), broadcastFixture)

	addr, err := r.ResolveDeployedAddress("KmanDEXRouter")
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0x3aD2306eDfBe72ce013cdb6b429212d9CdDE4F96"), addr)

	_, err = r.ResolveDeployedAddress("KmanDEXPool")
	require.Error(t, err)
	require.True(t, clierr.Is(err, clierr.CodeArtifactNotFound))
}

func TestResolveDeployedAddressIgnoresMetadataFields(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root, "script/KmanDEXRouter.s.sol", 1)
	writeFile(t, r.BroadcastPath(), `{
  "transactions": [
    {"hash": "0x03", "transactionType": "CREATE", "contractName": "KmanDEXRouter", "contractAddress": "0x3aD2306eDfBe72ce013cdb6b429212d9CdDE4F96"}
  ],
  "chain": "1",
  "timestamp": "not-a-number",
  "receipts": [{"status": "0x1"}]
}`)

	addr, err := r.ResolveDeployedAddress("KmanDEXRouter")
	require.NoError(t, err)
	require.Equal(t, common.HexToAddress("0x3aD2306eDfBe72ce013cdb6b429212d9CdDE4F96"), addr)
}

func TestResolveDeployedAddressMissingFile(t *testing.T) {
	r := NewResolver(t.TempDir(), "script/KmanDEXRouter.s.sol", 1)
	_, err := r.ResolveDeployedAddress("")
	require.Error(t, err)
	require.True(t, clierr.Is(err, clierr.CodeArtifactNotFound))
	require.Contains(t, err.Error(), "run-latest.json")
}

func TestResolveDeployedAddressNoCreate(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root, "script/KmanDEXRouter.s.sol", 1)
	writeFile(t, r.BroadcastPath(), `{"transactions":[{"transactionType":"CALL","contractAddress":null}]}`)
	_, err := r.ResolveDeployedAddress("")
	require.Error(t, err)
	require.True(t, clierr.Is(err, clierr.CodeArtifactNotFound))
}

func TestResolveInterface(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root, "script/KmanDEXRouter.s.sol", 1)
	writeFile(t, r.InterfacePath("KmanDEXRouter"), routerArtifactFixture)

	iface, err := r.ResolveInterface("KmanDEXRouter")
	require.NoError(t, err)
	require.Equal(t, "KmanDEXRouter", iface.Name)
	require.True(t, iface.HasMethod("factory"))
	require.True(t, iface.HasMethod("swap"))
	require.Len(t, iface.Operations, 4)
	require.Equal(t, "error", iface.Operations[0].Kind)
	require.Equal(t, "InsufficientLiquidity()", iface.Operations[0].Signature)
}

func TestResolveInterfaceMissing(t *testing.T) {
	r := NewResolver(t.TempDir(), "script/KmanDEXRouter.s.sol", 1)
	_, err := r.ResolveInterface("KmanDEXRouter")
	require.Error(t, err)
	require.True(t, clierr.Is(err, clierr.CodeArtifactNotFound))
}

func TestInterfaceOrFallback(t *testing.T) {
	root := t.TempDir()
	r := NewResolver(root, "script/KmanDEXRouter.s.sol", 1)

	iface, err := r.InterfaceOrFallback("KmanDEXFactory")
	require.NoError(t, err)
	require.True(t, iface.HasMethod("getAllPools"))

	writeFile(t, r.InterfacePath("KmanDEXRouter"), routerArtifactFixture)
	iface, err = r.InterfaceOrFallback("KmanDEXRouter")
	require.NoError(t, err)
	require.False(t, iface.HasMethod("investLiquidity"), "compiled descriptor should win over the embedded one")

	_, err = r.InterfaceOrFallback("Unknown")
	require.True(t, clierr.Is(err, clierr.CodeArtifactNotFound))
}
