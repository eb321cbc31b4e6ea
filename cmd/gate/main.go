package main

import (
	"fmt"
	"os"

	"github.com/mitchellh/cli"

	"gate/command/broker"
	"gate/command/mount"
	"gate/command/version"
)

func main() {
	os.Exit(realMain())
}

func realMain() int {
	// Expand version argument as a command override.
	args := os.Args[1:]
	for _, arg := range args {
		if arg == "--" {
			break
		}

		if arg == "-v" || arg == "--version" {
			args = []string{"version"}
			break
		}
	}

	ui := &cli.BasicUi{Writer: os.Stdout, ErrorWriter: os.Stderr}
	c := &cli.CLI{
		Args: args,
		Commands: map[string]cli.CommandFactory{
			"broker":  broker.NewFactory(ui),
			"mount":   mount.NewFactory(ui),
			"version": version.NewFactory(ui),
		},
		Autocomplete: true,
		Name:         "gate",
	}

	exitCode, err := c.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error executing CLI: %s\n", err.Error())
		return 1
	}

	return exitCode
}
