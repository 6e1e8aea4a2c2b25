package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
)

type command struct {
	run   func()
	usage string
}

var commands = map[string]command{}

var optConfigFile *string

var usage string = `Usage: gridcore <command> <arguments> | -version

Commands:
    start      Start a gridcore node
    inspect    Print the segment ownership persisted in a node's data directory
    conf       Generate a template config file for a gridcore node
    help       Show usage for a command

Use gridcore help <command> for more usage information about a command.
`

var commandUsage string = "Usage: gridcore %s <arguments>\n"

const version = "1.0.0"

func registerCommand(name string, run func(), usage string) {
	commands[name] = command{run: run, usage: usage}
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "Error: %s", "No command specified\n\n")
		fmt.Fprintf(os.Stderr, "%s", usage)
		os.Exit(1)
	}

	name := os.Args[1]

	switch name {
	case "-version", "version":
		fmt.Fprintf(os.Stdout, "%s\n", version)

		return
	case "help":
		help(os.Args[2:])

		return
	}

	cmd, ok := commands[name]

	if !ok {
		fmt.Fprintf(os.Stderr, "Error: \"%s\" is not a recognized command\n\n", name)
		fmt.Fprintf(os.Stderr, "%s", usage)
		os.Exit(1)
	}

	flagSet := flag.NewFlagSet(name, flag.ExitOnError)
	optConfigFile = flagSet.String("conf", "", "The config file for this node")
	flagSet.Usage = func() {
		fmt.Fprintf(os.Stderr, "%s", cmd.usage)
		flagSet.PrintDefaults()
	}

	flagSet.Parse(os.Args[2:])

	cmd.run()
}

func help(args []string) {
	if len(args) == 0 {
		fmt.Fprintf(os.Stderr, "%s", usage)

		return
	}

	cmd, ok := commands[args[0]]

	if !ok {
		names := make([]string, 0, len(commands))

		for name := range commands {
			names = append(names, name)
		}

		sort.Strings(names)

		fmt.Fprintf(os.Stderr, "Error: \"%s\" is not a valid command. Valid commands are %v\n", args[0], names)
		os.Exit(1)
	}

	fmt.Fprintf(os.Stderr, commandUsage+"\n", args[0])
	fmt.Fprintf(os.Stderr, "%s", cmd.usage)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format, args...)
	os.Exit(1)
}
