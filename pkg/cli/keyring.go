package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/99designs/keyring"
	"golang.org/x/term"
)

const (
	keyringServiceName     = "com.jlr-remote.incontrol"
	keyringPasswordService = "password"
	keyringDeviceService   = "device"
	keyringDirectory       = "~/.jlr_remote"
)

type backendType struct {
	config *Config
}

func (b backendType) String() string {
	if b.config == nil || len(b.config.Backend.AllowedBackends) == 0 {
		return string(keyring.InvalidBackend)
	}
	return string(b.config.Backend.AllowedBackends[0])
}

func (b backendType) Set(v string) error {
	value := keyring.BackendType(v)
	if b.config == nil {
		return fmt.Errorf("invalid backendType")
	}
	if v == "" {
		return nil
	}
	for _, name := range keyring.AvailableBackends() {
		if name == value {
			b.config.Backend.AllowedBackends = []keyring.BackendType{name}
			return nil
		}
	}
	return fmt.Errorf("unsupported credential storage '%s'", v)
}

// promptSecret reads a secret from the terminal without echoing it.
func promptSecret(prompt string) (string, error) {
	var w io.Writer
	fd := int(os.Stdout.Fd())
	if !term.IsTerminal(fd) {
		fd = int(os.Stderr.Fd())
		if !term.IsTerminal(fd) {
			return "", fmt.Errorf("no terminal output available for password prompt")
		}
		w = os.Stderr
	} else {
		w = os.Stdout
	}

	fmt.Fprintf(w, "%s: ", prompt)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	if err != nil {
		return "", err
	}
	fmt.Fprintln(w)
	return string(b), nil
}

// getKeyringPassword unlocks file-backed keyrings.
func (c *Config) getKeyringPassword(prompt string) (string, error) {
	if c.keyringPassword != nil && *c.keyringPassword != "" {
		return *c.keyringPassword, nil
	}
	password, err := promptSecret(prompt)
	if err != nil {
		return "", err
	}
	c.keyringPassword = &password
	return password, nil
}

func (c *Config) openKeyring() (keyring.Keyring, error) {
	keyring.Debug = c.Debug
	return keyring.Open(c.Backend)
}

func (c *Config) itemKey(service string) string {
	return service + "." + c.Email
}

func (c *Config) loadItem(service string) (string, error) {
	if c.Email == "" {
		return "", ErrNoEmail
	}
	kr, err := c.openKeyring()
	if err != nil {
		return "", err
	}
	item, err := kr.Get(c.itemKey(service))
	if err != nil {
		return "", fmt.Errorf("could not load %s: %w", service, err)
	}
	return string(item.Data), nil
}

func (c *Config) saveItem(service, value string) error {
	if c.Email == "" {
		return ErrNoEmail
	}
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	if err := kr.Set(keyring.Item{
		Key:   c.itemKey(service),
		Data:  []byte(value),
		Label: fmt.Sprintf("InControl %s for %s", service, c.Email),
	}); err != nil {
		return fmt.Errorf("failed to save %s in keyring: %w", service, err)
	}
	return nil
}

// LoadPasswordFromKeyring loads the account password saved by [Config.SavePasswordToKeyring].
func (c *Config) LoadPasswordFromKeyring() (string, error) {
	return c.loadItem(keyringPasswordService)
}

// SavePasswordToKeyring writes the account password to the system keyring, keyed by c.Email.
func (c *Config) SavePasswordToKeyring(password string) error {
	return c.saveItem(keyringPasswordService, password)
}

// DeletePassword removes the account password from the system keyring.
func (c *Config) DeletePassword() error {
	kr, err := c.openKeyring()
	if err != nil {
		return err
	}
	return kr.Remove(c.itemKey(keyringPasswordService))
}

// LoadDeviceIDFromKeyring returns the device ID previously registered for c.Email.
func (c *Config) LoadDeviceIDFromKeyring() (string, error) {
	return c.loadItem(keyringDeviceService)
}

// SaveDeviceIDToKeyring persists the device ID so later runs register the same client.
func (c *Config) SaveDeviceIDToKeyring(id string) error {
	return c.saveItem(keyringDeviceService, id)
}

func isNotFound(err error) bool {
	return errors.Is(err, keyring.ErrKeyNotFound)
}
