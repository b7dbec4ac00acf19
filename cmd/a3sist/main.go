package main

import (
	"fmt"
	"os"
	"strings"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		exitOn("run", runServe(os.Args[1:]))
		return
	}

	switch os.Args[1] {
	case "run":
		exitOn("run", runServe(os.Args[2:]))
	case "classify":
		exitOn("classify", runClassify(os.Args[2:]))
	case "route":
		exitOn("route", runRoute(os.Args[2:]))
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'a3sist --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func exitOn(cmd string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: %v\n", cmd, err)
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`a3sist - agent orchestration core

USAGE:
    a3sist [COMMAND] [FLAGS]

COMMANDS:
    run         Read JSON-lines requests on stdin, write JSON results on stdout
    classify    Print the intent classification of a prompt
    route       Print the agent a prompt would be routed to

    (no command) - same as run

FLAGS:
    -h, --help         Show this help message
    --config PATH      Config file path (default: ./a3sist.yaml, or $A3SIST_CONFIG)
    --file PATH        File path hint for classify and route (language detection)

CONFIGURATION:
    Environment: A3SIST_* variables override the config file

EXAMPLES:
    echo '{"id":"1","prompt":"fix this error"}' | a3sist run
    a3sist classify "refactor this method"
    a3sist route --file main.py "explain this code"`)
}

// cliFlags holds the flags shared by every command.
type cliFlags struct {
	ConfigPath string
	FilePath   string
	Args       []string // positional arguments
}

// parseFlags extracts --config and --file from args; the rest are positional.
func parseFlags(args []string) cliFlags {
	var flags cliFlags
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--config" && i+1 < len(args):
			flags.ConfigPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--config="):
			flags.ConfigPath = strings.TrimPrefix(args[i], "--config=")
		case args[i] == "--file" && i+1 < len(args):
			flags.FilePath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "--file="):
			flags.FilePath = strings.TrimPrefix(args[i], "--file=")
		default:
			flags.Args = append(flags.Args, args[i])
		}
	}
	return flags
}

// configPath resolves the config file: flag, then $A3SIST_CONFIG, then ./a3sist.yaml.
func configPath(flags cliFlags) string {
	if flags.ConfigPath != "" {
		return flags.ConfigPath
	}
	if p := os.Getenv("A3SIST_CONFIG"); p != "" {
		return p
	}
	return "a3sist.yaml"
}
