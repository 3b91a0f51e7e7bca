package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
)

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

var escrowRPCCall = callEscrowRPC

func runEscrowCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}

	switch args[0] {
	case "create":
		return runEscrowCreate(args[1:], stdout, stderr)
	case "release":
		return runEscrowMilestoneAction("escrow release", "escrow_releaseMilestone", args[1:], stdout, stderr)
	case "refund":
		return runEscrowRefund(args[1:], stdout, stderr)
	case "dispute":
		return runEscrowDispute(args[1:], stdout, stderr)
	case "get":
		return runEscrowGet(args[1:], stdout, stderr)
	case "milestone":
		return runEscrowMilestoneQuery(args[1:], stdout, stderr)
	case "count":
		return runEscrowCount(args[1:], stdout, stderr)
	case "list":
		return runEscrowList(args[1:], stdout, stderr)
	case "balance":
		return runEscrowBalance(args[1:], stdout, stderr)
	case "deposit":
		return runEscrowDeposit(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown escrow subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, escrowUsage())
		return 1
	}
}

// milestoneFlags collects repeated --milestone AMOUNT=DESCRIPTION values.
type milestoneFlags []string

func (m *milestoneFlags) String() string { return strings.Join(*m, ",") }

func (m *milestoneFlags) Set(value string) error {
	*m = append(*m, value)
	return nil
}

func runEscrowCreate(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow create", stderr)
	var (
		freelancer string
		valueStr   string
		milestones milestoneFlags
	)
	fs.StringVar(&freelancer, "freelancer", "", "freelancer 0x address")
	fs.Var(&milestones, "milestone", "milestone as AMOUNT=DESCRIPTION (repeatable, supports 100e18 shorthand)")
	fs.StringVar(&valueStr, "value", "", "funded value (defaults to the milestone total)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if strings.TrimSpace(freelancer) == "" {
		return printEscrowError(stderr, "--freelancer is required")
	}
	if err := validateAddress("--freelancer", freelancer); err != nil {
		return printEscrowError(stderr, err.Error())
	}
	if len(milestones) == 0 {
		return printEscrowError(stderr, "at least one --milestone is required")
	}

	amounts := make([]string, 0, len(milestones))
	descriptions := make([]string, 0, len(milestones))
	total := new(big.Int)
	for _, raw := range milestones {
		amountPart, description, ok := strings.Cut(raw, "=")
		if !ok || strings.TrimSpace(description) == "" {
			return printEscrowError(stderr, fmt.Sprintf("--milestone %q must be AMOUNT=DESCRIPTION", raw))
		}
		normalized, err := normalizeEscrowAmount(amountPart)
		if err != nil {
			return printEscrowError(stderr, strings.Replace(err.Error(), "--amount", "--milestone", 1))
		}
		value, _ := new(big.Int).SetString(normalized, 10)
		total.Add(total, value)
		amounts = append(amounts, normalized)
		descriptions = append(descriptions, strings.TrimSpace(description))
	}

	funded := total.String()
	if strings.TrimSpace(valueStr) != "" {
		normalized, err := normalizeEscrowAmount(valueStr)
		if err != nil {
			return printEscrowError(stderr, strings.Replace(err.Error(), "--amount", "--value", 1))
		}
		funded = normalized
	}

	params := map[string]interface{}{
		"freelancer":   strings.TrimSpace(freelancer),
		"amounts":      amounts,
		"descriptions": descriptions,
		"value":        funded,
	}
	return invokeEscrow(stdout, stderr, "escrow_createAgreement", params, true)
}

func runEscrowMilestoneAction(name, method string, args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet(name, stderr)
	var id, index string
	fs.StringVar(&id, "id", "", "agreement identifier")
	fs.StringVar(&index, "index", "", "milestone index")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	idValue, err := parseUintFlag("--id", id)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	indexValue, err := parseUintFlag("--index", index)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	params := map[string]interface{}{"id": idValue, "index": indexValue}
	return invokeEscrow(stdout, stderr, method, params, true)
}

func runEscrowRefund(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow refund", stderr)
	var id string
	fs.StringVar(&id, "id", "", "agreement identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	idValue, err := parseUintFlag("--id", id)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	return invokeEscrow(stdout, stderr, "escrow_refund", map[string]interface{}{"id": idValue}, true)
}

func runEscrowDispute(args []string, stdout, stderr io.Writer) int {
	if len(args) > 0 && args[0] == "clear" {
		return runEscrowMilestoneAction("escrow dispute clear", "escrow_clearDispute", args[1:], stdout, stderr)
	}
	if len(args) > 0 && args[0] == "raise" {
		args = args[1:]
	}
	return runEscrowMilestoneAction("escrow dispute", "escrow_raiseDispute", args, stdout, stderr)
}

func runEscrowGet(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow get", stderr)
	var id string
	fs.StringVar(&id, "id", "", "agreement identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	idValue, err := parseUintFlag("--id", id)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	return invokeEscrow(stdout, stderr, "escrow_getContract", map[string]interface{}{"id": idValue}, false)
}

func runEscrowMilestoneQuery(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow milestone", stderr)
	var id, index string
	fs.StringVar(&id, "id", "", "agreement identifier")
	fs.StringVar(&index, "index", "", "milestone index")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	idValue, err := parseUintFlag("--id", id)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	indexValue, err := parseUintFlag("--index", index)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	params := map[string]interface{}{"id": idValue, "index": indexValue}
	return invokeEscrow(stdout, stderr, "escrow_getMilestone", params, false)
}

func runEscrowCount(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow count", stderr)
	var address string
	fs.StringVar(&address, "address", "", "optional 0x address; omit for the global count")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	params := map[string]interface{}{}
	if trimmed := strings.TrimSpace(address); trimmed != "" {
		if err := validateAddress("--address", trimmed); err != nil {
			return printEscrowError(stderr, err.Error())
		}
		params["address"] = trimmed
	}
	return invokeEscrow(stdout, stderr, "escrow_getContractCount", params, false)
}

func runEscrowList(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow list", stderr)
	var address, role string
	fs.StringVar(&address, "address", "", "participant 0x address")
	fs.StringVar(&role, "role", "client", "participant role (client or freelancer)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if strings.TrimSpace(address) == "" {
		return printEscrowError(stderr, "--address is required")
	}
	if err := validateAddress("--address", address); err != nil {
		return printEscrowError(stderr, err.Error())
	}
	normalizedRole := strings.ToLower(strings.TrimSpace(role))
	if normalizedRole != "client" && normalizedRole != "freelancer" {
		return printEscrowError(stderr, "--role must be client or freelancer")
	}
	params := map[string]interface{}{"address": strings.TrimSpace(address), "role": normalizedRole}
	return invokeEscrow(stdout, stderr, "escrow_listAgreements", params, false)
}

func runEscrowBalance(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow balance", stderr)
	var address string
	fs.StringVar(&address, "address", "", "account 0x address")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if strings.TrimSpace(address) == "" {
		return printEscrowError(stderr, "--address is required")
	}
	if err := validateAddress("--address", address); err != nil {
		return printEscrowError(stderr, err.Error())
	}
	return invokeEscrow(stdout, stderr, "escrow_getBalance", map[string]interface{}{"address": strings.TrimSpace(address)}, false)
}

func runEscrowDeposit(args []string, stdout, stderr io.Writer) int {
	fs := newEscrowFlagSet("escrow deposit", stderr)
	var address, amount string
	fs.StringVar(&address, "address", "", "account 0x address to credit")
	fs.StringVar(&amount, "amount", "", "amount to credit (supports 100e18 shorthand)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if strings.TrimSpace(address) == "" {
		return printEscrowError(stderr, "--address is required")
	}
	if err := validateAddress("--address", address); err != nil {
		return printEscrowError(stderr, err.Error())
	}
	normalized, err := normalizeEscrowAmount(amount)
	if err != nil {
		return printEscrowError(stderr, err.Error())
	}
	params := map[string]interface{}{"address": strings.TrimSpace(address), "amount": normalized}
	return invokeEscrow(stdout, stderr, "escrow_deposit", params, true)
}

func invokeEscrow(stdout, stderr io.Writer, method string, params interface{}, requireAuth bool) int {
	result, rpcErr, err := escrowRPCCall(method, params, requireAuth)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func newEscrowFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, escrowUsage())
	}
	return fs
}

func printEscrowError(w io.Writer, msg string) int {
	fmt.Fprintf(w, "Error: %s\n", msg)
	return 1
}

func handleRPCError(w io.Writer, err *rpcError) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC error %d: %s\n", err.Code, err.Message)
	if detail := rpcErrorDetail(err.Data); detail != "" {
		fmt.Fprintf(w, "  %s\n", detail)
	}
	return 1
}

// rpcErrorDetail renders the {"code","detail"} data attached to engine errors.
func rpcErrorDetail(data json.RawMessage) string {
	if len(data) == 0 {
		return ""
	}
	var payload struct {
		Code   string `json:"code"`
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(data, &payload); err != nil || payload.Code == "" {
		return ""
	}
	if payload.Detail == "" {
		return payload.Code
	}
	return payload.Code + ": " + payload.Detail
}

func handleRPCCallError(w io.Writer, err error) int {
	if err == nil {
		return 0
	}
	fmt.Fprintf(w, "RPC call failed: %v\n", err)
	return 1
}

func writeRPCResult(w io.Writer, result json.RawMessage) {
	if len(result) == 0 {
		fmt.Fprintln(w, "null")
		return
	}
	if _, err := w.Write(result); err == nil {
		if result[len(result)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
}

func escrowUsage() string {
	return strings.TrimSpace(`Usage:
  trustwork-cli escrow <command> [flags]

Commands:
  create    Create and fund an agreement (--freelancer, repeated --milestone AMOUNT=DESCRIPTION)
  release   Release a milestone to the freelancer (--id, --index)
  refund    Refund every unreleased milestone to the client (--id)
  dispute   Raise a dispute on a milestone; "dispute clear" lifts it (--id, --index)
  get       Fetch an agreement by id
  milestone Fetch a single milestone (--id, --index)
  count     Count agreements, globally or for --address
  list      List agreement ids for --address and --role
  balance   Show the spendable balance of --address
  deposit   Credit an account balance (admin scope)
`)
}

func normalizeEscrowAmount(value string) (string, error) {
	trimmed := strings.ReplaceAll(strings.TrimSpace(value), "_", "")
	if trimmed == "" {
		return "", fmt.Errorf("--amount is required")
	}
	var exponent int
	base := trimmed
	if idx := strings.IndexAny(trimmed, "eE"); idx != -1 {
		base = trimmed[:idx]
		expPart := strings.TrimSpace(trimmed[idx+1:])
		if expPart == "" {
			return "", fmt.Errorf("invalid scientific notation in --amount")
		}
		expValue, err := strconv.ParseInt(expPart, 10, 32)
		if err != nil {
			return "", fmt.Errorf("invalid scientific notation in --amount")
		}
		exponent = int(expValue)
	}
	base = strings.TrimSpace(strings.TrimPrefix(base, "+"))
	if strings.HasPrefix(base, "-") {
		return "", fmt.Errorf("--amount must be positive")
	}
	integerPart, fractionalPart, _ := strings.Cut(base, ".")
	if strings.Contains(fractionalPart, ".") {
		return "", fmt.Errorf("invalid amount format")
	}
	digits := integerPart + fractionalPart
	if digits == "" || !isDigits(digits) {
		return "", fmt.Errorf("invalid amount format")
	}
	digits = strings.TrimLeft(digits, "0")
	fracLen := len(fractionalPart)
	for fracLen > 0 && len(digits) > 0 && digits[len(digits)-1] == '0' {
		digits = digits[:len(digits)-1]
		fracLen--
	}
	totalExponent := exponent - fracLen
	if totalExponent < 0 {
		return "", fmt.Errorf("--amount must be an integer")
	}
	if digits == "" {
		return "", fmt.Errorf("--amount must be positive")
	}
	if totalExponent > 0 {
		digits += strings.Repeat("0", totalExponent)
	}
	return digits, nil
}

func isDigits(value string) bool {
	for _, r := range value {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

func isHex(value string) bool {
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}

func parseUintFlag(name, value string) (uint64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	parsed, err := strconv.ParseUint(trimmed, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a non-negative integer", name)
	}
	return parsed, nil
}

func validateAddress(name, value string) error {
	trimmed := strings.TrimSpace(value)
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		return fmt.Errorf("%s must be a 0x-prefixed 20-byte hex address", name)
	}
	cleaned := trimmed[2:]
	if len(cleaned) != 40 {
		return fmt.Errorf("%s must be a 0x-prefixed 20-byte hex address", name)
	}
	if !isHex(cleaned) {
		return fmt.Errorf("%s must contain only hexadecimal characters", name)
	}
	return nil
}

func callEscrowRPC(method string, params interface{}, requireAuth bool) (json.RawMessage, *rpcError, error) {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	} else {
		payload["params"] = []interface{}{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, err
	}
	resp, err := doRPCRequest(body, requireAuth)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()

	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, nil, fmt.Errorf("failed to decode RPC response (HTTP %d): %w", resp.StatusCode, err)
	}
	return rpcResp.Result, rpcResp.Error, nil
}
