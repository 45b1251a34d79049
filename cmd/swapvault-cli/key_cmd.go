package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"swapvault/cmd/internal/passphrase"
	"swapvault/crypto"
)

const keyPassEnv = "SWAPVAULT_KEY_PASS"

// keyPassphrase resolves the keystore passphrase once per process. Tests
// replace it so they never hit a terminal prompt.
var keyPassphrase = passphrase.NewSource(keyPassEnv).Get

func runKeyCommand(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		fmt.Fprintln(stderr, keyUsage())
		return 1
	}

	switch args[0] {
	case "new":
		return runKeyNew(args[1:], stdout, stderr)
	case "show":
		return runKeyShow(args[1:], stdout, stderr)
	default:
		fmt.Fprintf(stderr, "Unknown key subcommand: %s\n", args[0])
		fmt.Fprintln(stderr, keyUsage())
		return 1
	}
}

func runKeyNew(args []string, stdout, stderr io.Writer) int {
	fs := newKeyFlagSet("key new", stderr)
	var out string
	fs.StringVar(&out, "out", "swapvault.keystore", "path for the new keystore file")
	if err := fs.Parse(args); err != nil {
		return 1
	}
	if fs.NArg() > 0 {
		fmt.Fprintln(stderr, "Error: unexpected positional arguments")
		return 1
	}
	if _, err := os.Stat(out); err == nil {
		return printError(stderr, fmt.Sprintf("%s already exists; move it aside to rotate", out))
	}

	pass, err := keyPassphrase()
	if err != nil {
		return printError(stderr, err.Error())
	}
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return printError(stderr, err.Error())
	}
	if err := crypto.SaveToKeystore(out, key, pass); err != nil {
		return printError(stderr, err.Error())
	}

	fmt.Fprintf(stdout, "Saved new key to %s\n", out)
	fmt.Fprintf(stdout, "Address: %s\n", key.PubKey().Address().String())
	return 0
}

func runKeyShow(args []string, stdout, stderr io.Writer) int {
	fs := newKeyFlagSet("key show", stderr)
	var keyPath string
	fs.StringVar(&keyPath, "key", "", "keystore file to inspect")
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

	key, err := loadSigningKey(keyPath)
	if err != nil {
		return printError(stderr, err.Error())
	}
	fmt.Fprintf(stdout, "Address: %s\n", key.PubKey().Address().String())
	return 0
}

// loadSigningKey decrypts a keystore file, trying the unprotected form
// before asking for a passphrase.
func loadSigningKey(path string) (*crypto.PrivateKey, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("keystore %s not found; run swapvault-cli key new first", path)
		}
		return nil, err
	}
	if key, err := crypto.LoadFromKeystore(path, ""); err == nil {
		return key, nil
	}
	pass, err := keyPassphrase()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(path, pass)
	if err != nil {
		return nil, fmt.Errorf("decrypt keystore %s: %w", path, err)
	}
	return key, nil
}

func newKeyFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.Usage = func() {
		fmt.Fprintln(stderr, keyUsage())
	}
	return fs
}

func keyUsage() string {
	return strings.TrimSpace(`Usage:
  swapvault-cli key <command> [flags]

Commands:
  new   Generate a key and save it to an encrypted keystore file
  show  Print the address of an existing keystore file
`)
}
