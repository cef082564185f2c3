/*
Package cli facilitates building command-line applications that talk to an InControl account. It
defines a [Config] type that can be used to register common command-line flags (using the Golang
flag package) and environment variable equivalents.

The package uses [keyring]'s platform-agnostic interface for storing sensitive values (account
passwords) in an OS-dependent credential store. The device ID registered with the vendor is kept
in the same store so that every run of an application presents the same client identity.

# Examples

	config, err := NewConfig(FlagAll)
	if err != nil {
		panic(err)
	}
	config.RegisterCommandLineFlags() // Adds command-line flags for email, password file, etc.
	flag.Parse()
	config.ReadFromEnvironment()      // Fills in missing fields using environment variables
	config.LoadCredentials()          // Prompt for passwords if needed

	acct, err := config.Connect(ctx)  // Runs the session handshake
	if err != nil {
		panic(err)
	}
	vehicles, err := acct.ListVehicles(ctx)
*/
package cli

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/99designs/keyring"
	"github.com/google/uuid"

	"github.com/jlr-remote/remote-car/internal/log"
	"github.com/jlr-remote/remote-car/pkg/account"
)

// Environment variable names used are used by [Config.ReadFromEnvironment] to set common parameters.
const (
	EnvEmail         = "JLR_EMAIL"
	EnvPassword      = "JLR_PASSWORD"
	EnvPasswordFile  = "JLR_PASSWORD_FILE"
	EnvDeviceID      = "JLR_DEVICE_ID"
	EnvKeyringType   = "JLR_KEYRING_TYPE"
	EnvKeyringPass   = "JLR_KEYRING_PASSWORD"
	EnvKeyringPath   = "JLR_KEYRING_PATH"
	EnvKeyringDebug  = "JLR_KEYRING_DEBUG"
	EnvVerboseLogger = "JLR_VERBOSE"
)

// Flag controls what options should be scanned from the command line and/or environment variables.
type Flag int

func (f Flag) isSet(other Flag) bool {
	return (f & other) == other
}

const (
	FlagAccount Flag = 1 // Enable email and password options.
	FlagDevice  Flag = 2 // Enable device ID option.
	FlagKeyring Flag = 4 // Enable keyring options. Passwords and device IDs are read from and saved to the keyring.
	FlagAll     Flag = FlagAccount | FlagDevice | FlagKeyring
)

var (
	ErrNoEmail     = errors.New("account email not provided")
	ErrNoPassword  = errors.New("account password not provided")
	ErrKeyNotFound = keyring.ErrKeyNotFound
)

// Config fields determine how a client authenticates to the vendor backend.
type Config struct {
	Flags            Flag // Controls which set of environment variables/CLI flags to use.
	Email            string
	PasswordFilename string
	DeviceID         string
	Backend          keyring.Config
	BackendType      backendType
	Debug            bool // Enable keyring debug messages

	// NoPrompt disables interactive password prompts.
	NoPrompt bool

	// AccountOptions are passed to account.New in addition to the device ID.
	AccountOptions []account.Option

	keyringPassword *string
	password        string
	acct            *account.Account
}

func NewConfig(flags Flag) (*Config, error) {
	c := Config{
		Flags: flags,
		Backend: keyring.Config{
			ServiceName:              keyringServiceName,
			KeychainTrustApplication: true,
			KeyCtlScope:              "user",
		},
	}
	c.BackendType = backendType{&c}
	c.Backend.KeychainPasswordFunc = c.getKeyringPassword
	c.Backend.FilePasswordFunc = c.getKeyringPassword

	return &c, nil
}

func (c *Config) RegisterCommandLineFlags() {
	c.registerFlags(flag.CommandLine)
}

func (c *Config) registerFlags(fs *flag.FlagSet) {
	if c.Flags.isSet(FlagAccount) {
		fs.StringVar(&c.Email, "email", "", "InControl account `email`. Defaults to $"+EnvEmail+".")
		fs.StringVar(&c.PasswordFilename, "password-file", "", "A `file` containing the account password. Defaults to $"+EnvPasswordFile+".")
	}
	if c.Flags.isSet(FlagDevice) {
		fs.StringVar(&c.DeviceID, "device-id", "", "Client device `ID` to register. Defaults to $"+EnvDeviceID+", then to a saved or generated ID.")
	}
	if c.Flags.isSet(FlagKeyring) {
		var names []string
		for _, name := range keyring.AvailableBackends() {
			names = append(names, string(name))
		}
		sort.Strings(names)
		fs.Var(&c.BackendType, "keyring-type", "Keyring `type` ("+strings.Join(names, "|")+"). Defaults to $"+EnvKeyringType+".")
		fs.StringVar(&c.Backend.FileDir, "keyring-file-dir", keyringDirectory, "keyring `directory` for file-backed keyring types")
		fs.BoolVar(&c.Debug, "keyring-debug", false, "Enable keyring debug logging")
	}
}

// ReadFromEnvironment populates c using environment variables. Values that are already populated
// are not overwritten.
//
// Calling ReadFromEnvironment after flag.Parse() (or other initialization method) will prevent the
// environment from overriding explicit command-line parameters and avoid potentially misleading
// debug log messages.
func (c *Config) ReadFromEnvironment() {
	if c.Flags.isSet(FlagAccount) {
		if c.Email == "" {
			c.Email = os.Getenv(EnvEmail)
			log.Debug("Set email to '%s'", c.Email)
		}
		if c.PasswordFilename == "" {
			c.PasswordFilename = os.Getenv(EnvPasswordFile)
			log.Debug("Set password file to '%s'", c.PasswordFilename)
		}
		if c.password == "" && c.PasswordFilename == "" {
			c.password = os.Getenv(EnvPassword)
			if c.password != "" {
				log.Debug("Set account password from $%s", EnvPassword)
			}
		}
	}
	if c.Flags.isSet(FlagDevice) {
		if c.DeviceID == "" {
			c.DeviceID = os.Getenv(EnvDeviceID)
			log.Debug("Set device ID to '%s'", c.DeviceID)
		}
	}
	if c.Flags.isSet(FlagKeyring) {
		if c.BackendType.String() == string(keyring.InvalidBackend) {
			if err := c.BackendType.Set(os.Getenv(EnvKeyringType)); err == nil {
				log.Debug("Set keyring type to '%s'", c.BackendType)
			}
		}
		if c.keyringPassword == nil {
			password := os.Getenv(EnvKeyringPass)
			c.keyringPassword = &password
			if len(password) > 0 {
				log.Debug("Set keyring File Password to %s", strings.Repeat("*", len("hunter2")))
			}
		}
		if c.Backend.FileDir == "" {
			c.Backend.FileDir = os.Getenv(EnvKeyringPath)
			log.Debug("Set keyring File Path to '%s'", c.Backend.FileDir)
		}
		if !c.Debug {
			_, c.Debug = os.LookupEnv(EnvKeyringDebug)
			log.Debug("Set keyring Debug Logging to '%v'", c.Debug)
		}
	}
}

// LoadCredentials resolves the account password and device ID, prompting for a password if
// needed. Call this method before [Config.Connect] to prevent interactive prompts from counting
// against timeouts.
func (c *Config) LoadCredentials() error {
	if c.Flags.isSet(FlagAccount) {
		if _, err := c.Password(); err != nil {
			return err
		}
	}
	if c.Flags.isSet(FlagDevice) {
		c.resolveDeviceID()
	}
	return nil
}

// Password returns the account password. Sources are tried in order: c.PasswordFilename, the
// $JLR_PASSWORD environment variable, the system keyring, and finally an interactive prompt.
func (c *Config) Password() (string, error) {
	if c.password != "" {
		return c.password, nil
	}
	if c.Email == "" {
		return "", ErrNoEmail
	}
	if c.PasswordFilename != "" {
		data, err := os.ReadFile(c.PasswordFilename)
		if err != nil {
			return "", fmt.Errorf("failed to read password file: %w", err)
		}
		c.password = strings.TrimRight(string(data), "\r\n")
		if c.password == "" {
			return "", fmt.Errorf("%w: %s is empty", ErrNoPassword, c.PasswordFilename)
		}
		return c.password, nil
	}
	if c.Flags.isSet(FlagKeyring) {
		password, err := c.LoadPasswordFromKeyring()
		if err == nil && password != "" {
			c.password = password
			return password, nil
		}
		if err != nil && !isNotFound(err) {
			log.Warning("Could not read password from keyring: %s", err)
		}
	}
	if c.NoPrompt {
		return "", ErrNoPassword
	}
	password, err := promptSecret(fmt.Sprintf("Password for %s", c.Email))
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNoPassword, err)
	}
	if password == "" {
		return "", ErrNoPassword
	}
	c.password = password
	return password, nil
}

// resolveDeviceID fills in c.DeviceID from the keyring, or generates and saves a new one. Keyring
// errors are not fatal; without a saved ID the account generates one for this run.
func (c *Config) resolveDeviceID() {
	if c.DeviceID != "" || !c.Flags.isSet(FlagKeyring) || c.Email == "" {
		return
	}
	id, err := c.LoadDeviceIDFromKeyring()
	if err == nil && id != "" {
		c.DeviceID = id
		log.Debug("Loaded device ID %s from keyring", id)
		return
	}
	if err != nil && !isNotFound(err) {
		log.Warning("Could not read device ID from keyring: %s", err)
		return
	}
	id = uuid.NewString()
	if err := c.SaveDeviceIDToKeyring(id); err != nil {
		log.Warning("Could not save device ID to keyring: %s", err)
		return
	}
	log.Debug("Saved new device ID %s to keyring", id)
	c.DeviceID = id
}

// Account returns the configured, not yet connected, account. The same Account is returned on
// subsequent calls.
func (c *Config) Account() (*account.Account, error) {
	if c.acct != nil {
		return c.acct, nil
	}
	if c.Email == "" {
		return nil, ErrNoEmail
	}
	password, err := c.Password()
	if err != nil {
		return nil, err
	}
	if c.Flags.isSet(FlagDevice) {
		c.resolveDeviceID()
	}
	opts := append([]account.Option{}, c.AccountOptions...)
	if c.DeviceID != "" {
		opts = append(opts, account.WithDeviceID(c.DeviceID))
	}
	acct, err := account.New(c.Email, password, opts...)
	if err != nil {
		return nil, err
	}
	c.acct = acct
	return acct, nil
}

// Connect logs in to the configured account.
func (c *Config) Connect(ctx context.Context) (*account.Account, error) {
	acct, err := c.Account()
	if err != nil {
		return nil, err
	}
	log.Info("Connecting to account %s...", c.Email)
	if err := acct.Connect(ctx); err != nil {
		return nil, err
	}
	return acct, nil
}
