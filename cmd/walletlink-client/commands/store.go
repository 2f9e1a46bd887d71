package commands

import (
	"bufio"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"

	envconfig "github.com/quantumauth-io/walletlink-client/internal/config"
	"github.com/quantumauth-io/walletlink-client/internal/storage"
)

const minPassphraseLen = 8

// openStore unseals the session store with the passphrase from the environment or,
// on a terminal, a prompt.
func openStore() (*storage.Scoped, *storage.File, error) {
	path, err := cfg.StorePath()
	if err != nil {
		return nil, nil, err
	}
	pass, err := storePassphrase()
	if err != nil {
		return nil, nil, err
	}
	defer zeroBytes(pass)

	file, err := storage.OpenFile(path, pass)
	if err != nil {
		return nil, nil, err
	}
	return storage.NewScoped(file, cfg.ClientSettings.StorageScope), file, nil
}

func storePassphrase() ([]byte, error) {
	if env := envconfig.Load().StorePassphrase; env != "" {
		return []byte(env), nil
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("no store passphrase: set WALLETLINK_STORE_PASSPHRASE")
	}
	return promptPassword("Store passphrase: ")
}

func promptPassword(prompt string) ([]byte, error) {
	_, _ = fmt.Fprint(os.Stderr, prompt)

	pw, err := term.ReadPassword(int(os.Stdin.Fd()))
	_, _ = fmt.Fprintln(os.Stderr)

	if err != nil {
		zeroBytes(pw)
		return nil, fmt.Errorf("passphrase input failed: %w", err)
	}
	if len(pw) < minPassphraseLen {
		zeroBytes(pw)
		return nil, fmt.Errorf("passphrase must be at least %d characters long", minPassphraseLen)
	}
	return pw, nil
}

func promptYesNo(msg string) (bool, error) {
	_, _ = fmt.Fprint(os.Stderr, msg)
	r := bufio.NewReader(os.Stdin)
	line, err := r.ReadString('\n')
	if err != nil {
		return false, err
	}
	s := strings.TrimSpace(strings.ToLower(line))
	return s == "y" || s == "yes", nil
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
