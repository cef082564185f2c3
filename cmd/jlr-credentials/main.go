// Utility for storing account passwords in the system keyring

package main

import (
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/jlr-remote/remote-car/pkg/cli"
)

func usage() {
	w := flag.CommandLine.Output()
	fmt.Fprintf(w, "usage: %s [-email email] [-delete] [file]\n", filepath.Base(os.Args[0]))
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "Reads an InControl account password from stdin or file and saves it in the system")
	fmt.Fprintf(w, "keyring under the account email. The email defaults to $%s.\n", cli.EnvEmail)
	fmt.Fprintln(w, "")
	flag.PrintDefaults()
}

func main() {
	returnCode := 1
	defer func() {
		os.Exit(returnCode)
	}()

	config, err := cli.NewConfig(cli.FlagAccount | cli.FlagKeyring)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load credential configuration: %s\n", err)
		return
	}

	var remove bool
	flag.BoolVar(&remove, "delete", false, "Remove the saved password instead of storing one")
	flag.Usage = usage
	config.RegisterCommandLineFlags()
	flag.Parse()
	config.ReadFromEnvironment()

	if config.Email == "" {
		fmt.Fprintf(os.Stderr, "Must provide account email using -email or $%s\n", cli.EnvEmail)
		return
	}

	if remove {
		if err := config.DeletePassword(); err != nil {
			fmt.Fprintf(os.Stderr, "Error removing password from keyring: %s\n", err)
			return
		}
		returnCode = 0
		return
	}

	var password []byte
	switch flag.NArg() {
	case 0:
		password, err = io.ReadAll(os.Stdin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading password from stdin: %s\n", err)
			return
		}
	case 1:
		password, err = os.ReadFile(flag.Arg(0))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading password from file: %s\n", err)
			return
		}
	default:
		fmt.Fprintln(os.Stderr, "Too many command-line arguments")
		return
	}

	trimmed := strings.TrimRight(string(password), "\r\n")
	if trimmed == "" {
		fmt.Fprintln(os.Stderr, "Refusing to save an empty password")
		return
	}
	if err := config.SavePasswordToKeyring(trimmed); err != nil {
		fmt.Fprintf(os.Stderr, "Error saving password to keyring: %s\n", err)
		return
	}

	returnCode = 0
}
