package testutil

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"
)

// Environment variables understood by the helper process.
const (
	HelperEnv        = "KMANDEX_WANT_HELPER_PROCESS"
	AnvilModeEnv     = "KMANDEX_FAKE_ANVIL_MODE"
	ForgeExitEnv     = "KMANDEX_FAKE_FORGE_EXIT"
	ForgeChainEnv    = "KMANDEX_FAKE_FORGE_CHAIN_ID"
	ForgeAddressEnv  = "KMANDEX_FAKE_FORGE_ADDRESS"
	ForgeContractEnv = "KMANDEX_FAKE_FORGE_CONTRACT"
)

const DefaultDeployedAddress = "0x3aD2306eDfBe72ce013cdb6b429212d9CdDE4F96"

// HelperCommand returns a binary and leading arguments that re-execute the
// current test binary as a fake tool. Packages using it declare:
//
//	func TestHelperProcess(t *testing.T) {
//		if os.Getenv(testutil.HelperEnv) != "1" {
//			return
//		}
//		os.Exit(testutil.RunHelper(os.Args))
//	}
func HelperCommand(tool string) (binary string, prefixArgs []string, env []string) {
	return os.Args[0], []string{"-test.run=^TestHelperProcess$", "--", tool}, []string{HelperEnv + "=1"}
}

// RunHelper runs the fake tool named after the "--" separator and returns the
// process exit code.
func RunHelper(args []string) int {
	for i, arg := range args {
		if arg == "--" {
			args = args[i+1:]
			break
		}
	}
	if len(args) == 0 {
		fmt.Fprintln(os.Stderr, "helper: no tool given")
		return 2
	}
	switch args[0] {
	case "anvil":
		return runFakeAnvil(args[1:])
	case "forge":
		return runFakeForge(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "helper: unknown tool %q\n", args[0])
		return 2
	}
}

func flagValue(args []string, name string) string {
	for i := 0; i < len(args)-1; i++ {
		if args[i] == name {
			return args[i+1]
		}
	}
	return ""
}

func runFakeAnvil(args []string) int {
	host := flagValue(args, "--host")
	if host == "" {
		host = "127.0.0.1"
	}
	port := flagValue(args, "--port")
	chainID := int64(1)
	if raw := flagValue(args, "--chain-id"); raw != "" {
		if parsed, err := strconv.ParseInt(raw, 10, 64); err == nil {
			chainID = parsed
		}
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	switch os.Getenv(AnvilModeEnv) {
	case "exit":
		fmt.Fprintln(os.Stderr, "Error: failed to fetch fork block")
		return 1
	case "hang":
		fmt.Println("fetching fork state...")
		<-stop
		return 0
	case "stubborn":
		signal.Ignore(os.Interrupt, syscall.SIGTERM)
	}

	ln, err := net.Listen("tcp", net.JoinHostPort(host, port))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	server := &http.Server{Handler: NewFakeNode(chainID)}
	go func() { _ = server.Serve(ln) }()
	fmt.Printf("Listening on %s\n", ln.Addr())
	<-stop
	_ = server.Close()
	return 0
}

func runFakeForge(args []string) int {
	fmt.Println("[⠊] Compiling...")
	if raw := os.Getenv(ForgeExitEnv); raw != "" && raw != "0" {
		code, err := strconv.Atoi(raw)
		if err != nil {
			code = 1
		}
		fmt.Fprintln(os.Stderr, "Error: script failed: revert")
		return code
	}
	if len(args) < 2 || args[0] != "script" {
		fmt.Fprintln(os.Stderr, "Error: expected `script <path>`")
		return 2
	}
	script := args[1]
	rpcURL := flagValue(args, "--rpc-url")
	if rpcURL == "" {
		fmt.Fprintln(os.Stderr, "Error: --rpc-url is required")
		return 2
	}
	if err := probeRPC(rpcURL); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	chainID := envOr(ForgeChainEnv, "1")
	address := envOr(ForgeAddressEnv, DefaultDeployedAddress)
	contract := envOr(ForgeContractEnv, "KmanDEXRouter")
	broadcast := map[string]any{
		"transactions": []map[string]any{
			{"hash": "0x01", "transactionType": "CREATE", "contractName": contract, "contractAddress": address},
		},
		"chain":     json.Number(chainID),
		"timestamp": time.Now().Unix(),
	}
	path := filepath.Join("broadcast", filepath.Base(script), chainID, "run-latest.json")
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	buf, _ := json.Marshal(broadcast)
	if err := os.WriteFile(path, buf, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	fmt.Printf("Contract Address: %s\n", address)
	fmt.Println("ONCHAIN EXECUTION COMPLETE & SUCCESSFUL.")
	return 0
}

func probeRPC(url string) error {
	body := []byte(`{"jsonrpc":"2.0","id":1,"method":"eth_chainId","params":[]}`)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("rpc %s unreachable: %w", url, err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("rpc %s returned status %d", url, resp.StatusCode)
	}
	return nil
}

func envOr(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}
