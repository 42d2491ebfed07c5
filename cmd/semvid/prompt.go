package main

import (
	"fmt"
	"os"

	"github.com/mmcdole/semvid/internal/config"
	"golang.org/x/term"
)

// promptPasswords asks for the password of every basic-auth host that has a
// username but no password. Without a terminal the host is left as is and
// will fail to authenticate.
func promptPasswords(cfg *config.Config) error {
	fd := int(os.Stdin.Fd())
	for i := range cfg.Hosts {
		h := &cfg.Hosts[i]
		if !needsPassword(*h) || !term.IsTerminal(fd) {
			continue
		}
		fmt.Fprintf(os.Stderr, "Password for %s@%s: ", h.Username, h.Name)
		pw, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}
		h.Password = string(pw)
	}
	return nil
}

// needsPassword reports whether h authenticates with a username and password
// and the password is missing. S3 keys and bearer tokens are never prompted.
func needsPassword(h config.HostConfig) bool {
	return h.Username != "" && h.Password == "" && h.Token == "" && h.Type != config.HostTypeS3
}
