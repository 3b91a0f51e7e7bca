package main

import (
	"bytes"
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/mkhmik004/trustwork/cmd/internal/prompt"
)

const tokenEnvVar = "TRUSTWORK_RPC_TOKEN"

var (
	rpcEndpoint string
	rpcToken    = prompt.NewTokenSource(tokenEnvVar, "API bearer token")
)

func main() {
	args := os.Args[1:]
	var err error
	rpcEndpoint = defaultRPCEndpoint()
	args, err = applyGlobalFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(run(args))
}

func run(args []string) int {
	if len(args) < 1 {
		printUsage()
		return 1
	}
	switch args[0] {
	case "escrow":
		return runEscrowCommand(args[1:], os.Stdout, os.Stderr)
	case "events":
		return runEventsCommand(args[1:], os.Stdout, os.Stderr)
	case "help", "-h", "--help":
		printUsage()
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		printUsage()
		return 1
	}
}

func printUsage() {
	fmt.Fprintln(os.Stderr, strings.TrimSpace(`Usage:
  trustwork-cli [--rpc URL] <command> [args]

Commands:
  escrow  Create, settle and inspect escrow agreements over JSON-RPC
  events  Work with a local event journal

Environment:
  RPC_URL              JSON-RPC endpoint (default http://localhost:8545/rpc)
  TRUSTWORK_RPC_TOKEN  bearer token for calls that act on behalf of a caller
`))
}

func defaultRPCEndpoint() string {
	if v := strings.TrimSpace(os.Getenv("RPC_URL")); v != "" {
		return v
	}
	return "http://localhost:8545/rpc"
}

func applyGlobalFlags(args []string) ([]string, error) {
	out := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "--rpc" {
			if i+1 >= len(args) {
				return nil, fmt.Errorf("missing value for --rpc")
			}
			rpcEndpoint = args[i+1]
			i++
			continue
		}
		if strings.HasPrefix(arg, "--rpc=") {
			rpcEndpoint = strings.TrimPrefix(arg, "--rpc=")
			continue
		}
		out = append(out, arg)
	}
	return out, nil
}

func doRPCRequest(payload []byte, requireAuth bool) (*http.Response, error) {
	req, err := http.NewRequest(http.MethodPost, rpcEndpoint, bytes.NewBuffer(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	if requireAuth {
		token, err := rpcToken.Get()
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", rpcEndpoint, err)
	}
	return resp, nil
}
