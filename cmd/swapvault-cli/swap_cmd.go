package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"math/big"
	"strconv"
	"strings"
	"time"

	"swapvault/core/escrow"
	"swapvault/crypto"
)

func runSwapCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, swapUsage())
		return 1
	}

	switch args[0] {
	case "create":
		return runSwapCreate(args[1:], stdout, stderr)
	case "withdraw":
		return runSwapWithdraw(args[1:], stdout, stderr)
	case "cancel":
		return runSwapCancel(args[1:], stdout, stderr)
	case "get":
		return runSwapGet(args[1:], stdout, stderr)
	case "status":
		return runSwapStatus(args[1:], stdout, stderr)
	case "events":
		return runSwapEvents(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown swap subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, swapUsage())
		return 1
	}
}

func runSwapCreate(args []string, stdout, stderr io.Writer) int {
	fs := newSwapFlagSet("swap create", stderr)
	var (
		keyPath     string
		taker       string
		asset       string
		amountStr   string
		hashlockStr string
		secretStr   string
		windowStart string
		windowEnd   string
	)
	fs.StringVar(&keyPath, "key", "", "maker keystore file")
	fs.StringVar(&taker, "taker", "", "taker bech32 address")
	fs.StringVar(&asset, "asset", "", "asset symbol")
	fs.StringVar(&amountStr, "amount", "", "escrow amount (supports 100e18 shorthand)")
	fs.StringVar(&hashlockStr, "hashlock", "", "0x-prefixed 32-byte SHA-256 commitment")
	fs.StringVar(&secretStr, "secret", "", "0x-prefixed hex secret; the hashlock is derived from it")
	fs.StringVar(&windowStart, "window-start", "", "withdraw window opens (+duration or RFC3339, default now)")
	fs.StringVar(&windowEnd, "window-end", "", "withdraw window closes (+duration or RFC3339)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if keyPath == "" {
		return printError(stderr, "--key is required")
	}
	if taker == "" {
		return printError(stderr, "--taker is required")
	}
	if asset == "" {
		return printError(stderr, "--asset is required")
	}
	if amountStr == "" {
		return printError(stderr, "--amount is required")
	}

	takerAddr, err := crypto.DecodeAddress(taker)
	if err != nil {
		return printError(stderr, fmt.Sprintf("invalid --taker address: %v", err))
	}
	normalizedAsset, err := escrow.NormalizeAsset(asset)
	if err != nil {
		return printError(stderr, err.Error())
	}
	amount, err := parseAmountFlag(amountStr)
	if err != nil {
		return printError(stderr, err.Error())
	}

	var hashlock [32]byte
	switch {
	case hashlockStr != "" && secretStr != "":
		return printError(stderr, "--hashlock and --secret are mutually exclusive")
	case hashlockStr != "":
		hashlock, err = parseSwapID(hashlockStr, "--hashlock")
		if err != nil {
			return printError(stderr, err.Error())
		}
	case secretStr != "":
		secret, serr := parseHexFlag(secretStr, "--secret")
		if serr != nil {
			return printError(stderr, serr.Error())
		}
		hashlock = escrow.CommitSecret(secret)
	default:
		return printError(stderr, "either --hashlock or --secret is required")
	}

	now := cliNow()
	startUnix := now.Unix()
	if strings.TrimSpace(windowStart) != "" {
		startUnix, err = parseWindowTime(windowStart, now)
		if err != nil {
			return printError(stderr, fmt.Sprintf("invalid --window-start: %v", err))
		}
	}
	if windowEnd == "" {
		return printError(stderr, "--window-end is required")
	}
	endUnix, err := parseWindowTime(windowEnd, now)
	if err != nil {
		return printError(stderr, fmt.Sprintf("invalid --window-end: %v", err))
	}
	if endUnix < startUnix {
		return printError(stderr, "--window-end must not precede --window-start")
	}

	key, err := loadSigningKey(keyPath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	maker := key.PubKey().Address()

	createParams := escrow.CreateParams{
		Maker:       maker.Raw(),
		Taker:       takerAddr.Raw(),
		Asset:       normalizedAsset,
		Amount:      amount,
		Hashlock:    hashlock,
		WindowStart: startUnix,
		WindowEnd:   endUnix,
	}
	signature, err := crypto.SignDigest(key, escrow.CreateDigest(createParams))
	if err != nil {
		return printError(stderr, err.Error())
	}

	params := map[string]interface{}{
		"maker":       maker.String(),
		"taker":       takerAddr.String(),
		"asset":       normalizedAsset,
		"amount":      amount.String(),
		"hashlock":    "0x" + hex.EncodeToString(hashlock[:]),
		"windowStart": startUnix,
		"windowEnd":   endUnix,
		"signature":   "0x" + hex.EncodeToString(signature),
	}
	result, rpcErr, err := nodeRPCCall("swap_create", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runSwapWithdraw(args []string, stdout, stderr io.Writer) int {
	fs := newSwapFlagSet("swap withdraw", stderr)
	var (
		id     string
		secret string
	)
	fs.StringVar(&id, "id", "", "escrow identifier")
	fs.StringVar(&secret, "secret", "", "0x-prefixed hex preimage of the hashlock")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if _, err := parseSwapID(id, "--id"); err != nil {
		return printError(stderr, err.Error())
	}
	secretBytes, err := parseHexFlag(secret, "--secret")
	if err != nil {
		return printError(stderr, err.Error())
	}

	params := map[string]interface{}{
		"id":     id,
		"secret": "0x" + hex.EncodeToString(secretBytes),
	}
	result, rpcErr, err := nodeRPCCall("swap_withdraw", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runSwapCancel(args []string, stdout, stderr io.Writer) int {
	fs := newSwapFlagSet("swap cancel", stderr)
	var (
		keyPath string
		id      string
	)
	fs.StringVar(&keyPath, "key", "", "maker keystore file")
	fs.StringVar(&id, "id", "", "escrow identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if keyPath == "" {
		return printError(stderr, "--key is required")
	}
	escrowID, err := parseSwapID(id, "--id")
	if err != nil {
		return printError(stderr, err.Error())
	}

	key, err := loadSigningKey(keyPath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	signature, err := crypto.SignDigest(key, escrow.CancelDigest(escrowID))
	if err != nil {
		return printError(stderr, err.Error())
	}

	params := map[string]interface{}{
		"id":        id,
		"caller":    key.PubKey().Address().String(),
		"signature": "0x" + hex.EncodeToString(signature),
	}
	result, rpcErr, err := nodeRPCCall("swap_cancel", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runSwapGet(args []string, stdout, stderr io.Writer) int {
	return runSwapLookup("swap_get", "swap get", args, stdout, stderr)
}

func runSwapStatus(args []string, stdout, stderr io.Writer) int {
	return runSwapLookup("swap_getStatus", "swap status", args, stdout, stderr)
}

func runSwapLookup(method, name string, args []string, stdout, stderr io.Writer) int {
	fs := newSwapFlagSet(name, stderr)
	var id string
	fs.StringVar(&id, "id", "", "escrow identifier")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if _, err := parseSwapID(id, "--id"); err != nil {
		return printError(stderr, err.Error())
	}

	params := map[string]interface{}{"id": id}
	result, rpcErr, err := nodeRPCCall(method, params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runSwapEvents(args []string, stdout, stderr io.Writer) int {
	fs := newSwapFlagSet("swap events", stderr)
	var (
		after uint64
		limit int
	)
	fs.Uint64Var(&after, "after", 0, "return events with sequence greater than this")
	fs.IntVar(&limit, "limit", 0, "maximum events per page (node default when 0)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if limit < 0 {
		return printError(stderr, "--limit must not be negative")
	}

	params := map[string]interface{}{"after": after}
	if limit > 0 {
		params["limit"] = limit
	}
	result, rpcErr, err := nodeRPCCall("swap_listEvents", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func newSwapFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, swapUsage())
	}
	return fs
}

func swapUsage() string {
	return strings.TrimSpace(`Usage:
  swapvault-cli swap <command> [flags]

Commands:
  create    Open a hashed-timelock escrow signed by the maker key
  withdraw  Claim an escrow by revealing the secret
  cancel    Reclaim an expired escrow with the maker key
  get       Fetch escrow details by id
  status    Fetch just the escrow status
  events    Page through the settlement journal
`)
}

// parseAmountFlag expands the 100e18 shorthand into a base-10 integer.
func parseAmountFlag(value string) (*big.Int, error) {
	normalized, err := normalizeAmount(value)
	if err != nil {
		return nil, err
	}
	amount, ok := new(big.Int).SetString(normalized, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount format")
	}
	return amount, nil
}

// normalizeAmount accepts plain integers, decimal points and scientific
// notation as long as the result lands on an integer: "100e18", "0.5e18"
// and "1_000" all work, "1.23e-1" does not.
func normalizeAmount(value string) (string, error) {
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
	parts := strings.Split(base, ".")
	if len(parts) > 2 {
		return "", fmt.Errorf("invalid amount format")
	}
	integerPart := parts[0]
	fractionalPart := ""
	if len(parts) == 2 {
		fractionalPart = parts[1]
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

// parseWindowTime resolves a window flag to a unix timestamp: "+duration"
// (with an extra "d" suffix for days) is relative to now, anything else
// must parse as RFC3339.
func parseWindowTime(value string, now time.Time) (int64, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return 0, fmt.Errorf("window time required")
	}
	if strings.HasPrefix(trimmed, "+") {
		durationStr := strings.TrimSpace(trimmed[1:])
		if durationStr == "" {
			return 0, fmt.Errorf("invalid window duration")
		}
		dur, err := parseWindowDuration(durationStr)
		if err != nil {
			return 0, err
		}
		if dur <= 0 {
			return 0, fmt.Errorf("window duration must be positive")
		}
		return now.Add(dur).Unix(), nil
	}
	ts, err := time.Parse(time.RFC3339, trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid RFC3339 window time")
	}
	return ts.Unix(), nil
}

func parseWindowDuration(value string) (time.Duration, error) {
	if strings.HasSuffix(value, "d") || strings.HasSuffix(value, "D") {
		daysStr := strings.TrimSuffix(strings.TrimSuffix(value, "d"), "D")
		if daysStr == "" {
			return 0, fmt.Errorf("invalid window duration")
		}
		days, err := strconv.ParseFloat(daysStr, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid window duration")
		}
		return time.Duration(days * 24 * float64(time.Hour)), nil
	}
	dur, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid window duration")
	}
	return dur, nil
}

// parseSwapID validates and decodes a 0x-prefixed 32-byte hex flag.
func parseSwapID(value, flagName string) ([32]byte, error) {
	var out [32]byte
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return out, fmt.Errorf("%s is required", flagName)
	}
	if !strings.HasPrefix(trimmed, "0x") && !strings.HasPrefix(trimmed, "0X") {
		return out, fmt.Errorf("%s must be a 0x-prefixed 32-byte hex string", flagName)
	}
	cleaned := trimmed[2:]
	if len(cleaned) != 64 || !isHex(cleaned) {
		return out, fmt.Errorf("%s must be a 0x-prefixed 32-byte hex string", flagName)
	}
	decoded, err := hex.DecodeString(cleaned)
	if err != nil {
		return out, fmt.Errorf("%s must be a 0x-prefixed 32-byte hex string", flagName)
	}
	copy(out[:], decoded)
	return out, nil
}

func parseHexFlag(value, flagName string) ([]byte, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil, fmt.Errorf("%s is required", flagName)
	}
	trimmed = strings.TrimPrefix(strings.TrimPrefix(trimmed, "0x"), "0X")
	if trimmed == "" || !isHex(trimmed) || len(trimmed)%2 != 0 {
		return nil, fmt.Errorf("%s must be a hex string", flagName)
	}
	return hex.DecodeString(trimmed)
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
