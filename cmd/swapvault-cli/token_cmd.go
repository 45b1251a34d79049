package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"strings"

	"swapvault/core/ledger"
	"swapvault/crypto"
)

func runTokenCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, tokenUsage())
		return 1
	}

	switch args[0] {
	case "balance":
		return runTokenBalance(args[1:], stdout, stderr)
	case "transfer":
		return runTokenTransfer(args[1:], stdout, stderr)
	case "mint":
		return runTokenMint(args[1:], stdout, stderr)
	case "asset":
		return runTokenAsset(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown token subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, tokenUsage())
		return 1
	}
}

func runTokenBalance(args []string, stdout, stderr io.Writer) int {
	fs := newTokenFlagSet("token balance", stderr)
	var (
		address string
		asset   string
	)
	fs.StringVar(&address, "address", "", "bech32 address to inspect")
	fs.StringVar(&asset, "asset", "", "asset symbol")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if address == "" {
		return printError(stderr, "--address is required")
	}
	if asset == "" {
		return printError(stderr, "--asset is required")
	}
	if _, err := crypto.DecodeAddress(address); err != nil {
		return printError(stderr, fmt.Sprintf("invalid --address: %v", err))
	}

	params := map[string]interface{}{"address": address, "asset": asset}
	result, rpcErr, err := nodeRPCCall("token_balance", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runTokenTransfer(args []string, stdout, stderr io.Writer) int {
	fs := newTokenFlagSet("token transfer", stderr)
	var (
		asset     string
		from      string
		to        string
		amountStr string
	)
	fs.StringVar(&asset, "asset", "", "asset symbol")
	fs.StringVar(&from, "from", "", "sender bech32 address")
	fs.StringVar(&to, "to", "", "recipient bech32 address")
	fs.StringVar(&amountStr, "amount", "", "transfer amount (supports 100e18 shorthand)")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if asset == "" {
		return printError(stderr, "--asset is required")
	}
	if from == "" {
		return printError(stderr, "--from is required")
	}
	if to == "" {
		return printError(stderr, "--to is required")
	}
	if amountStr == "" {
		return printError(stderr, "--amount is required")
	}
	if _, err := crypto.DecodeAddress(from); err != nil {
		return printError(stderr, fmt.Sprintf("invalid --from address: %v", err))
	}
	if _, err := crypto.DecodeAddress(to); err != nil {
		return printError(stderr, fmt.Sprintf("invalid --to address: %v", err))
	}
	amount, err := parseAmountFlag(amountStr)
	if err != nil {
		return printError(stderr, err.Error())
	}

	params := map[string]interface{}{
		"asset":  asset,
		"from":   from,
		"to":     to,
		"amount": amount.String(),
	}
	result, rpcErr, err := nodeRPCCall("token_transfer", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runTokenMint(args []string, stdout, stderr io.Writer) int {
	fs := newTokenFlagSet("token mint", stderr)
	var (
		keyPath   string
		asset     string
		to        string
		amountStr string
	)
	fs.StringVar(&keyPath, "key", "", "authority keystore file")
	fs.StringVar(&asset, "asset", "", "asset symbol")
	fs.StringVar(&to, "to", "", "recipient bech32 address")
	fs.StringVar(&amountStr, "amount", "", "mint amount (supports 100e18 shorthand)")
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
	if asset == "" {
		return printError(stderr, "--asset is required")
	}
	if to == "" {
		return printError(stderr, "--to is required")
	}
	if amountStr == "" {
		return printError(stderr, "--amount is required")
	}

	symbol, err := ledger.NormalizeSymbol(asset)
	if err != nil {
		return printError(stderr, err.Error())
	}
	toAddr, err := crypto.DecodeAddress(to)
	if err != nil {
		return printError(stderr, fmt.Sprintf("invalid --to address: %v", err))
	}
	amount, err := parseAmountFlag(amountStr)
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := loadSigningKey(keyPath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	signature, err := crypto.SignDigest(key, ledger.MintDigest(symbol, toAddr.Raw(), amount))
	if err != nil {
		return printError(stderr, err.Error())
	}

	params := map[string]interface{}{
		"asset":     symbol,
		"to":        toAddr.String(),
		"amount":    amount.String(),
		"signature": "0x" + hex.EncodeToString(signature),
	}
	result, rpcErr, err := nodeRPCCall("token_mint", params, true)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func runTokenAsset(args []string, stdout, stderr io.Writer) int {
	fs := newTokenFlagSet("token asset", stderr)
	var symbol string
	fs.StringVar(&symbol, "symbol", "", "asset symbol")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if symbol == "" {
		return printError(stderr, "--symbol is required")
	}

	params := map[string]interface{}{"asset": symbol}
	result, rpcErr, err := nodeRPCCall("token_asset", params, false)
	if err != nil {
		return handleRPCCallError(stderr, err)
	}
	if rpcErr != nil {
		return handleRPCError(stderr, rpcErr)
	}
	writeRPCResult(stdout, result)
	return 0
}

func newTokenFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, tokenUsage())
	}
	return fs
}

func tokenUsage() string {
	return strings.TrimSpace(`Usage:
  swapvault-cli token <command> [flags]

Commands:
  balance   Show an address balance for an asset
  transfer  Move balance between addresses
  mint      Mint supply to an address, signed by the ledger authority
  asset     Show asset metadata and total supply
`)
}
