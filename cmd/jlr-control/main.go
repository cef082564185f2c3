package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/shlex"

	"github.com/jlr-remote/remote-car/internal/log"
	"github.com/jlr-remote/remote-car/pkg/account"
	"github.com/jlr-remote/remote-car/pkg/cli"
	"github.com/jlr-remote/remote-car/pkg/protocol"
)

func writeErr(format string, a ...interface{}) {
	fmt.Fprintf(os.Stderr, format, a...)
	fmt.Fprintf(os.Stderr, "\n")
}

const usage = `
 * All commands require an account email and password.
 * The password is read from -password-file, $JLR_PASSWORD, the system keyring, or a prompt.
 * With no COMMAND, an interactive shell is started.`

func Usage() {
	fmt.Printf("Usage: %s [OPTION...] COMMAND [ARG...]\n", os.Args[0])
	fmt.Printf("\nRun %s help COMMAND for more information. Valid COMMANDs are listed below.", os.Args[0])
	fmt.Println("")
	fmt.Println(usage)
	fmt.Println("")

	fmt.Printf("Available OPTIONs:\n")
	flag.PrintDefaults()
	fmt.Println("")
	fmt.Printf("Available COMMANDs:\n")
	maxLength := 0
	var labels []string
	for command := range commands {
		labels = append(labels, command)
		if len(command) > maxLength {
			maxLength = len(command)
		}
	}
	sort.Strings(labels)
	for _, command := range labels {
		info := commands[command]
		fmt.Printf("  %s%s %s\n", command, strings.Repeat(" ", maxLength-len(command)), info.help)
	}
}

func runCommand(client Client, args []string, timeout time.Duration) int {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := execute(ctx, client, args); err != nil {
		if errors.Is(err, protocol.ErrAuthentication) {
			writeErr("Login rejected: %s", err)
		} else if protocol.Temporary(err) {
			writeErr("Vendor backend unavailable, try again later: %s", err)
		} else {
			writeErr("Failed to execute command: %s", err)
		}
		return 1
	}
	return 0
}

func runInteractiveShell(client Client, timeout time.Duration) int {
	scanner := bufio.NewScanner(os.Stdin)
	for fmt.Printf("> "); scanner.Scan(); fmt.Printf("> ") {
		args, err := shlex.Split(scanner.Text())
		if len(args) == 0 {
			continue
		}
		if args[0] == "exit" {
			return 0
		}
		if err != nil {
			writeErr("Invalid command: %s", err)
			continue
		}
		if args[0] == "help" {
			printHelp(args)
			continue
		}
		runCommand(client, args, timeout)
	}
	if err := scanner.Err(); err != nil {
		writeErr("Error reading command: %s", err)
		return 1
	}
	return 0
}

// printHelp handles "help [COMMAND]" and reports whether COMMAND was recognized.
func printHelp(args []string) bool {
	if len(args) == 1 {
		Usage()
		return true
	}
	info, ok := commands[args[1]]
	if !ok {
		writeErr("Unrecognized command: %s", args[1])
		return false
	}
	info.Usage(args[1])
	return true
}

func main() {
	status := 1
	defer func() {
		os.Exit(status)
	}()

	var (
		debug          bool
		appName        string
		commandTimeout time.Duration
		connTimeout    time.Duration
	)
	config, err := cli.NewConfig(cli.FlagAll)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load credential configuration: %s\n", err)
		return
	}
	flag.Usage = Usage
	flag.BoolVar(&debug, "debug", false, "Enable verbose debugging messages")
	flag.StringVar(&appName, "user-agent", "", "Application `name` to report in the User-Agent header")
	flag.DurationVar(&commandTimeout, "command-timeout", 10*time.Second, "Set timeout for each command.")
	flag.DurationVar(&connTimeout, "connect-timeout", 30*time.Second, "Set timeout for the login handshake.")

	config.RegisterCommandLineFlags()
	flag.Parse()
	if !debug {
		if debugEnv, ok := os.LookupEnv(cli.EnvVerboseLogger); ok {
			debug = debugEnv != "false" && debugEnv != "0"
		}
	}
	if debug {
		log.SetLevel(log.LevelDebug)
	} else {
		log.SetLevel(log.LevelWarning)
	}
	config.ReadFromEnvironment()

	args := flag.Args()
	if len(args) > 0 {
		if args[0] == "help" {
			if printHelp(args) {
				status = 0
			}
			return
		}
		if _, ok := commands[args[0]]; !ok {
			writeErr("Unrecognized command: %s", args[0])
			return
		}
	}

	if config.Email == "" {
		writeErr("Missing required flag: -email or $%s", cli.EnvEmail)
		return
	}
	if appName != "" {
		config.AccountOptions = append(config.AccountOptions, account.WithUserAgent(appName))
	}

	if err := config.LoadCredentials(); err != nil {
		writeErr("Error loading credentials: %s", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), connTimeout)
	defer cancel()

	acct, err := config.Connect(ctx)
	if err != nil {
		writeErr("Error: %s", err)
		return
	}

	if len(args) > 0 {
		status = runCommand(acct, args, commandTimeout)
	} else {
		status = runInteractiveShell(acct, commandTimeout)
	}
}
