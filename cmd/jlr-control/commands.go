package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/jlr-remote/remote-car/pkg/account"
	"github.com/jlr-remote/remote-car/pkg/protocol"
	"github.com/jlr-remote/remote-car/pkg/vehicle"
)

var (
	ErrCommandLineArgs = errors.New("invalid command line arguments")
	ErrUnknownCommand  = errors.New("unrecognized command")
	ErrUnknownVehicle  = errors.New("no vehicle with that VIN")
	ErrInvalidJSON     = errors.New("request body is not valid JSON")
)

// Output destinations; replaced in tests.
var (
	output io.Writer = os.Stdout
	input  io.Reader = os.Stdin
)

// Client is the subset of *account.Account used by command handlers.
type Client interface {
	Connect(ctx context.Context) error
	ListVehicles(ctx context.Context) ([]*vehicle.Vehicle, error)
	Session() *account.Session
	State() account.State
	Email() string
	DeviceID() string
	Get(ctx context.Context, url string) ([]byte, error)
	Post(ctx context.Context, url string, data interface{}) ([]byte, error)
}

type Argument struct {
	name string
	help string
}

type Handler func(ctx context.Context, client Client, args map[string]string) error

type Command struct {
	help     string
	args     []Argument
	optional []Argument
	handler  Handler
}

func execute(ctx context.Context, client Client, args []string) error {
	if len(args) == 0 {
		return errors.New("missing COMMAND")
	}

	info, ok := commands[args[0]]
	if !ok {
		return ErrUnknownCommand
	}

	var err error
	if len(args)-1 < len(info.args) || len(args)-1 > len(info.args)+len(info.optional) {
		writeErr("Invalid number of command line arguments: %d (%d required, %d optional).", len(args)-1, len(info.args), len(info.optional))
		err = ErrCommandLineArgs
	} else {
		keywords := make(map[string]string)
		for i, argInfo := range info.args {
			keywords[argInfo.name] = args[i+1]
		}
		index := len(info.args) + 1
		for _, argInfo := range info.optional {
			if index >= len(args) {
				break
			}
			keywords[argInfo.name] = args[index]
			index++
		}
		err = info.handler(ctx, client, keywords)
	}

	// Print command-specific help
	if errors.Is(err, ErrCommandLineArgs) {
		info.Usage(args[0])
	}
	return err
}

func (c *Command) Usage(name string) {
	fmt.Fprintf(output, "Usage: %s", name)
	maxLength := 0
	for _, arg := range c.args {
		fmt.Fprintf(output, " %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Fprintf(output, " [")
	}
	for _, arg := range c.optional {
		fmt.Fprintf(output, " %s", arg.name)
		if len(arg.name) > maxLength {
			maxLength = len(arg.name)
		}
	}
	if len(c.optional) > 0 {
		fmt.Fprintf(output, " ]")
	}
	fmt.Fprintf(output, "\n%s\n", c.help)
	maxLength++
	for _, arg := range c.args {
		fmt.Fprintf(output, "    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
	for _, arg := range c.optional {
		fmt.Fprintf(output, "    %s:%s%s\n", arg.name, strings.Repeat(" ", maxLength-len(arg.name)), arg.help)
	}
}

func findVehicle(vehicles []*vehicle.Vehicle, vin string) (*vehicle.Vehicle, error) {
	for _, v := range vehicles {
		if strings.EqualFold(v.VIN(), vin) {
			return v, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrUnknownVehicle, vin)
}

var commands = map[string]*Command{
	"vehicles": &Command{
		help: "List the account's primary vehicles",
		optional: []Argument{
			Argument{name: "FORMAT", help: "'text' (default) or 'json'"},
		},
		handler: func(ctx context.Context, client Client, args map[string]string) error {
			vehicles, err := client.ListVehicles(ctx)
			if err != nil {
				return err
			}
			switch args["FORMAT"] {
			case "", "text":
				for _, v := range vehicles {
					fmt.Fprintf(output, "%s\t%s\n", v.VIN(), v.Role())
				}
			case "json":
				encoded, err := json.MarshalIndent(vehicles, "", "  ")
				if err != nil {
					return err
				}
				fmt.Fprintln(output, string(encoded))
			default:
				return fmt.Errorf("%w: unknown format '%s'", ErrCommandLineArgs, args["FORMAT"])
			}
			return nil
		},
	},
	"vehicle": &Command{
		help: "Print every field the vendor reports for a vehicle",
		args: []Argument{
			Argument{name: "VIN", help: "Vehicle Identification Number"},
		},
		handler: func(ctx context.Context, client Client, args map[string]string) error {
			vehicles, err := client.ListVehicles(ctx)
			if err != nil {
				return err
			}
			v, err := findVehicle(vehicles, args["VIN"])
			if err != nil {
				return err
			}
			fmt.Fprintln(output, v.Pretty())
			return nil
		},
	},
	"whoami": &Command{
		help: "Print the account email, user ID, and registered device ID",
		handler: func(ctx context.Context, client Client, args map[string]string) error {
			session := client.Session()
			if session == nil {
				return protocol.ErrNotConnected
			}
			fmt.Fprintf(output, "email:  %s\nuser:   %s\ndevice: %s\n", client.Email(), session.UserID, client.DeviceID())
			return nil
		},
	},
	"session": &Command{
		help: "Print the session state and token expiry",
		handler: func(ctx context.Context, client Client, args map[string]string) error {
			fmt.Fprintf(output, "state: %s\n", client.State())
			if session := client.Session(); session != nil {
				fmt.Fprintf(output, "session: %s\n", session)
			}
			return nil
		},
	},
	"connect": &Command{
		help: "Discard the current session and repeat the login handshake",
		handler: func(ctx context.Context, client Client, args map[string]string) error {
			if err := client.Connect(ctx); err != nil {
				return err
			}
			fmt.Fprintf(output, "Connected as %s\n", client.Session().UserID)
			return nil
		},
	},
	"get": &Command{
		help: "GET an authenticated vendor URL and print the response",
		args: []Argument{
			Argument{name: "URL", help: "Absolute URL (e.g., https://jlp-ifoa.wirelesscar.net/if9/jlr/...)"},
		},
		handler: func(ctx context.Context, client Client, args map[string]string) error {
			reply, err := client.Get(ctx, args["URL"])
			if err != nil {
				return err
			}
			fmt.Fprintln(output, string(reply))
			return nil
		},
	},
	"post": &Command{
		help: "POST to URL the contents of FILE (or stdin) and print the response",
		args: []Argument{
			Argument{name: "URL", help: "Absolute URL"},
		},
		optional: []Argument{
			Argument{name: "FILE", help: "JSON file to POST"},
		},
		handler: func(ctx context.Context, client Client, args map[string]string) error {
			var jsonBytes []byte
			var err error
			if filename, ok := args["FILE"]; ok {
				jsonBytes, err = os.ReadFile(filename)
			} else {
				jsonBytes, err = io.ReadAll(input)
			}
			if err != nil {
				return err
			}
			if !json.Valid(jsonBytes) {
				return ErrInvalidJSON
			}
			reply, err := client.Post(ctx, args["URL"], jsonBytes)
			if err != nil {
				return err
			}
			fmt.Fprintln(output, string(reply))
			return nil
		},
	},
}
