package main

import (
	"fmt"
	"strings"

	"github.com/pterm/pterm"
)

type helpEntry struct {
	usage         []string
	aliases       []string
	description   []string
	useWhen       []string
	exampleInput  []string
	exampleOutput []string
	notes         []string
}

// normalizeCommand maps a command name or alias onto its canonical name,
// or "" when it is unknown.
func normalizeCommand(name string) string {
	switch strings.ToLower(strings.TrimLeft(name, "-")) {
	case "help", "?", "h":
		return "help"
	case "serve", "daemon", "run":
		return "serve"
	case "append", "add", "event":
		return "append"
	case "product", "new-product":
		return "product"
	case "chain", "blocks":
		return "chain"
	case "events", "history":
		return "events"
	case "verify", "check":
		return "verify"
	case "receipt":
		return "receipt"
	case "status":
		return "status"
	case "version", "v":
		return "version"
	default:
		return ""
	}
}

var helpCommandOrder = []string{"serve", "append", "product", "chain", "events", "verify", "receipt", "status", "version", "help"}

func helpCommandDetails() map[string]helpEntry {
	return map[string]helpEntry{
		"help": {
			usage:        []string{"help", "help <command>"},
			aliases:      []string{"?", "-h"},
			description:  []string{"Shows all commands or detailed help for one command."},
			exampleInput: []string{"$ supplyledger help append"},
		},
		"serve": {
			usage:       []string{"serve [--api addr] [--explorer addr] [--nats url] [--nats-prefix p]"},
			aliases:     []string{"daemon", "run"},
			description: []string{"Opens the ledger and serves the JSON API, the explorer and the event stream until interrupted."},
			useWhen:     []string{"ingestion clients or the scoring service need to reach the ledger over HTTP"},
			exampleInput: []string{
				"$ supplyledger serve --explorer :8080 --nats nats://127.0.0.1:4222",
			},
			notes: []string{
				"the API bearer token is written to <data>/api.cookie while the server runs",
				"the explorer serves read-only routes without auth",
				"a NATS server that cannot be reached is logged and skipped",
			},
		},
		"append": {
			usage:       []string{"append key=value [key=value...]"},
			aliases:     []string{"add", "event"},
			description: []string{"Seals one event into a new block and prints its receipt."},
			useWhen:     []string{"recording a stage transition by hand"},
			exampleInput: []string{
				`$ supplyledger append product_id=P1 stage=Shipped transit_time_hours=12.5`,
			},
			exampleOutput: []string{"SUCCESS  appended block 3"},
			notes: []string{
				"numbers and true/false are typed; everything else is a string",
				`wrap a value in double quotes to keep it a string, e.g. batch='"007"'`,
			},
		},
		"product": {
			usage:        []string{"product [--name <name>] [--id <id>] [--location <place>]"},
			aliases:      []string{"new-product"},
			description:  []string{"Records a product creation event at stage " + DefaultProductStage + "."},
			exampleInput: []string{"$ supplyledger product --name 'Widget' --location Warehouse"},
			notes:        []string{"the id defaults to P-<uuid>", "the name defaults to 'Product <id>'", "the location defaults to " + DefaultProductPlace},
		},
		"chain": {
			usage:       []string{"chain"},
			aliases:     []string{"blocks"},
			description: []string{"Lists every block, genesis first, and whether the chain is valid."},
		},
		"events": {
			usage:       []string{"events [--since N]"},
			aliases:     []string{"history"},
			description: []string{"Lists recorded events (all blocks except genesis)."},
			useWhen:     []string{"catching up after index N"},
		},
		"verify": {
			usage:       []string{"verify [--strict]"},
			aliases:     []string{"check"},
			description: []string{"Checks digests and linkage of every block and reports every problem found."},
			notes: []string{
				"--strict also re-checks each block's proof of work",
				"exits non-zero when a problem is found",
			},
		},
		"receipt": {
			usage:        []string{"receipt <code>"},
			description:  []string{"Confirms that the block named by a receipt code is on the chain unchanged."},
			exampleInput: []string{"$ supplyledger receipt 3QJmnh..."},
		},
		"status": {
			usage:       []string{"status"},
			description: []string{"Shows height, tip, difficulty and storage backend."},
		},
		"version": {
			usage:       []string{"version"},
			description: []string{"Prints the version."},
		},
	}
}

func (c *CLI) cmdHelp(args []string) {
	details := helpCommandDetails()
	if len(args) > 0 {
		topic := normalizeCommand(args[0])
		entry, ok := details[topic]
		if !ok {
			pterm.Error.WithWriter(c.out).Printfln("Unknown command: %s", args[0])
			fmt.Fprintln(c.out, "  Use 'help' to list available commands.")
			return
		}
		c.printHelpEntry(topic, entry)
		return
	}

	fmt.Fprintf(c.out, "\n%s v%s\n\nUsage: supplyledger <command> [flags]\n\nCommands:\n", "supplyledger", Version)
	for _, name := range helpCommandOrder {
		e := details[name]
		fmt.Fprintf(c.out, "  %-10s %s\n", name, e.description[0])
	}
	fmt.Fprint(c.out, `
Shared flags:
  --data DIR          data directory (default `+DefaultDataDir+`)
  --backend NAME      file, bolt or leveldb
  --chain-file NAME   chain file or database name inside the data directory
  --difficulty N      leading zero hex digits for new blocks
  --hash NAME         sha256 or sha3-256
  --seal-workers N    sealing goroutines (0 = one per CPU)
  --seal-timeout D    give up sealing one block after D
  --reinitialize      quarantine an unreadable chain and start over
  --nocolor           disable colored output

Every flag can also be set as SUPPLYLEDGER_<NAME> in the environment.
Type 'help <command>' for details.
`)
}

func (c *CLI) printHelpEntry(topic string, e helpEntry) {
	label := func(s string) string { return pterm.LightGreen(s) }
	section := func(title string, lines []string, bullet bool) {
		if len(lines) == 0 {
			return
		}
		fmt.Fprintf(c.out, "\n  %s:\n", label(title))
		for _, line := range lines {
			if bullet {
				fmt.Fprintf(c.out, "    - %s\n", line)
			} else {
				fmt.Fprintf(c.out, "    %s\n", line)
			}
		}
	}

	fmt.Fprintf(c.out, "\n# Help: %s\n", topic)
	section("Usage", e.usage, false)
	if len(e.aliases) > 0 {
		section("Short names", []string{strings.Join(e.aliases, ", ")}, false)
	}
	section("What it does", e.description, false)
	section("Use this when", e.useWhen, false)
	section("Example input", e.exampleInput, false)
	section("Example output", e.exampleOutput, false)
	section("Notes", e.notes, true)
}
