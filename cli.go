package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"regexp"
	"strconv"
	"strings"
	"syscall"

	"github.com/pterm/pterm"
	"github.com/shopspring/decimal"
	"golang.org/x/term"

	"supplyledger/ledger"
	"supplyledger/protocol/params"
)

// errChainInvalid makes `verify` exit non-zero after printing violations.
var errChainInvalid = errors.New("chain failed verification")

// CLI runs one command against the ledger and prints the result.
type CLI struct {
	out     io.Writer
	noColor bool

	// openDaemon is swapped out by tests.
	openDaemon func(ctx context.Context, cfg Config) (*Daemon, error)
}

func NewCLI(out io.Writer) *CLI {
	return &CLI{out: out, openDaemon: NewDaemon}
}

// Run dispatches args[0] to its command. Each command parses its own flags.
func (c *CLI) Run(args []string) error {
	if len(args) == 0 {
		c.cmdHelp(nil)
		return nil
	}
	name, rest := normalizeCommand(args[0]), args[1:]
	switch name {
	case "help":
		c.cmdHelp(rest)
		return nil
	case "version":
		c.cmdVersion()
		return nil
	case "":
		return fmt.Errorf("unknown command %q (try 'help')", args[0])
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(c.out)
	fs.Usage = func() { c.cmdHelp([]string{name}) }

	var (
		strict           bool
		since            int64
		prodID, prodName string
		prodPlace        string
	)
	switch name {
	case "verify":
		fs.BoolVar(&strict, "strict", false, "Also re-check proof of work for every block")
	case "events":
		fs.Int64Var(&since, "since", -1, "Only list events after this block index")
	case "product":
		fs.StringVar(&prodID, "id", "", "Product id (generated when empty)")
		fs.StringVar(&prodName, "name", "", "Product name")
		fs.StringVar(&prodPlace, "location", "", "Initial location (default "+DefaultProductPlace+")")
	}

	cfg, err := loadConfig(fs, rest, name == "serve")
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return nil
		}
		return err
	}
	c.setColor(cfg.NoColor)

	if name == "serve" {
		return c.cmdServe(cfg)
	}

	ctx := context.Background()
	d, err := c.openDaemon(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() {
		if err := d.Stop(); err != nil {
			pterm.Warning.WithWriter(c.out).Printfln("shutdown: %v", err)
		}
	}()

	switch name {
	case "append":
		return c.cmdAppend(ctx, d, fs.Args())
	case "product":
		return c.cmdProduct(ctx, d, prodID, prodName, prodPlace)
	case "chain":
		return c.cmdChain(d)
	case "events":
		return c.cmdEvents(d, since)
	case "verify":
		return c.cmdVerify(d, strict)
	case "receipt":
		return c.cmdReceipt(d, fs.Args())
	case "status":
		return c.cmdStatus(d)
	}
	return fmt.Errorf("unknown command %q", name)
}

// setColor turns colors off for --nocolor or when stdout is not a terminal.
func (c *CLI) setColor(noColor bool) {
	c.noColor = noColor || !term.IsTerminal(int(os.Stdout.Fd()))
	if c.noColor {
		pterm.DisableColor()
	} else {
		pterm.EnableColor()
	}
}

func (c *CLI) cmdServe(cfg Config) error {
	ctx := context.Background()
	d, err := c.openDaemon(ctx, cfg)
	if err != nil {
		return err
	}

	var api *APIServer
	if cfg.APIAddr != "" {
		api = NewAPIServer(d, cfg.DataDir)
		if err := api.Start(cfg.APIAddr); err != nil {
			_ = d.Stop()
			return fmt.Errorf("failed to start API: %w", err)
		}
	}

	var explorer *Explorer
	if cfg.ExplorerAddr != "" {
		pub := api
		if pub == nil {
			pub = NewAPIServer(d, cfg.DataDir)
		}
		explorer = NewExplorer(d, pub)
		if err := explorer.Start(cfg.ExplorerAddr); err != nil {
			if api != nil {
				api.Stop()
			}
			_ = d.Stop()
			return fmt.Errorf("failed to start explorer: %w", err)
		}
	}

	c.printServeBanner(d, cfg)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	<-sigChan

	fmt.Fprintln(c.out, "\nShutting down...")
	if explorer != nil {
		explorer.Stop()
	}
	if api != nil {
		api.Stop()
	}
	return d.Stop()
}

func (c *CLI) printServeBanner(d *Daemon, cfg Config) {
	st := d.Stats()
	apiAddr, explorerAddr, nats := cfg.APIAddr, cfg.ExplorerAddr, cfg.NATSURL
	if apiAddr == "" {
		apiAddr = "disabled"
	}
	if explorerAddr == "" {
		explorerAddr = "disabled"
	}
	if nats == "" {
		nats = "disabled"
	}
	body := fmt.Sprintf("Height:     %d\nTip:        %s\nDifficulty: %d\nHash:       %s\nBackend:    %s (%s)\nAPI:        %s\nExplorer:   %s\nNATS:       %s",
		st.Height, st.TipHash, st.Difficulty, st.HashFunc, st.Backend, cfg.DataDir,
		apiAddr, explorerAddr, nats)
	box := pterm.DefaultBox.WithTitle(fmt.Sprintf("%s v%s", params.LedgerID, Version)).WithTitleTopLeft()
	fmt.Fprintln(c.out, box.Sprint(body))
	fmt.Fprintln(c.out, "Press Ctrl+C to stop")
}

func (c *CLI) cmdAppend(ctx context.Context, d *Daemon, args []string) error {
	payload, err := parseAssignments(args)
	if err != nil {
		return err
	}
	b, err := d.Append(ctx, payload)
	if err != nil {
		return err
	}
	return c.printAppended(b)
}

func (c *CLI) cmdProduct(ctx context.Context, d *Daemon, id, name, location string) error {
	b, err := d.Append(ctx, productPayload(id, name, location))
	if err != nil {
		return err
	}
	return c.printAppended(b)
}

func (c *CLI) printAppended(b ledger.Block) error {
	receipt, err := encodeReceipt(b.Index, b.Digest)
	if err != nil {
		return err
	}
	pterm.Success.WithWriter(c.out).Printfln("appended block %d", b.Index)
	rows := [][]string{
		{"hash", b.Digest},
		{"previous", b.PreviousDigest},
		{"nonce", strconv.FormatUint(b.Nonce, 10)},
		{"difficulty", strconv.Itoa(b.Difficulty)},
		{"receipt", receipt},
	}
	for _, k := range b.Payload.Keys() {
		rows = append(rows, []string{"data." + k, b.Payload[k].Text()})
	}
	return c.renderTable(nil, rows)
}

func (c *CLI) cmdChain(d *Daemon) error {
	l := d.Ledger()
	blocks := l.Blocks()
	rows := make([][]string, 0, len(blocks))
	for _, b := range blocks {
		rows = append(rows, []string{
			strconv.FormatUint(b.Index, 10),
			b.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			shortHash(b.Digest),
			shortHash(b.PreviousDigest),
			strconv.FormatUint(b.Nonce, 10),
			strconv.Itoa(b.Difficulty),
			payloadSummary(b.Payload),
		})
	}
	if err := c.renderTable([]string{"Index", "Time", "Hash", "Previous", "Nonce", "Diff", "Data"}, rows); err != nil {
		return err
	}
	if l.IsValid() {
		pterm.Success.WithWriter(c.out).Printfln("%d blocks, chain valid", len(blocks))
	} else {
		pterm.Error.WithWriter(c.out).Printfln("%d blocks, chain INVALID (run 'verify')", len(blocks))
	}
	return nil
}

func (c *CLI) cmdEvents(d *Daemon, since int64) error {
	var events []ledger.Event
	if since >= 0 {
		events = d.Ledger().EventsSince(uint64(since))
	} else {
		events = d.Ledger().Events()
	}
	if len(events) == 0 {
		pterm.Info.WithWriter(c.out).Println("no events")
		return nil
	}
	rows := make([][]string, 0, len(events))
	for _, ev := range events {
		rows = append(rows, []string{
			strconv.FormatUint(ev.Index, 10),
			ev.Timestamp.UTC().Format("2006-01-02 15:04:05"),
			shortHash(ev.Digest),
			payloadText(ev.Payload),
		})
	}
	return c.renderTable([]string{"Index", "Time", "Hash", "Data"}, rows)
}

func (c *CLI) cmdVerify(d *Daemon, strict bool) error {
	l := d.Ledger()
	violations := l.Violations(ledger.VerifyOptions{CheckWork: strict})
	mode := "linkage and digests"
	if strict {
		mode += " and proof of work"
	}
	if len(violations) == 0 {
		pterm.Success.WithWriter(c.out).Printfln("%d blocks verified (%s)", l.Len(), mode)
		return nil
	}
	rows := make([][]string, 0, len(violations))
	for _, v := range violations {
		rows = append(rows, []string{strconv.FormatUint(v.Index, 10), v.Reason})
	}
	pterm.Error.WithWriter(c.out).Printfln("%d problem(s) found checking %s", len(violations), mode)
	if err := c.renderTable([]string{"Block", "Problem"}, rows); err != nil {
		return err
	}
	return errChainInvalid
}

func (c *CLI) cmdReceipt(d *Daemon, args []string) error {
	if len(args) != 1 {
		return errors.New("usage: receipt <code>")
	}
	st, err := resolveReceipt(d.Ledger(), args[0])
	if err != nil {
		return err
	}
	if !st.Confirmed {
		pterm.Error.WithWriter(c.out).Printfln("receipt not confirmed: %s", st.Reason)
		return errors.New("receipt not confirmed")
	}
	pterm.Success.WithWriter(c.out).Printfln("block %d is on the chain with hash %s", st.Index, st.Digest)
	return nil
}

func (c *CLI) cmdStatus(d *Daemon) error {
	st := d.Stats()
	return c.renderTable(nil, [][]string{
		{"ledger", st.LedgerID},
		{"height", strconv.FormatUint(st.Height, 10)},
		{"events", strconv.Itoa(st.Events)},
		{"tip", st.TipHash},
		{"difficulty", strconv.Itoa(st.Difficulty)},
		{"hash", st.HashFunc},
		{"backend", st.Backend},
		{"valid", strconv.FormatBool(st.Valid)},
	})
}

func (c *CLI) cmdVersion() {
	fmt.Fprintf(c.out, "%s v%s\n", params.LedgerID, Version)
}

func (c *CLI) renderTable(header []string, rows [][]string) error {
	table := pterm.DefaultTable.WithBoxed(!c.noColor)
	data := rows
	if header != nil {
		table = table.WithHasHeader()
		data = append([][]string{header}, rows...)
	}
	s, err := table.WithData(data).Srender()
	if err != nil {
		return err
	}
	fmt.Fprintln(c.out, s)
	return nil
}

func shortHash(h string) string {
	if len(h) > 16 {
		return h[:16]
	}
	return h
}

func payloadText(p ledger.Payload) string {
	parts := make([]string, 0, len(p))
	for _, k := range p.Keys() {
		parts = append(parts, k+"="+p[k].Text())
	}
	return strings.Join(parts, " ")
}

// jsonNumber matches the JSON number grammar.
var jsonNumber = regexp.MustCompile(`^-?(0|[1-9][0-9]*)(\.[0-9]+)?([eE][+-]?[0-9]+)?$`)

// parseAssignments turns key=value arguments into a payload. Values that
// look like JSON numbers or booleans are typed accordingly; wrap a value in
// double quotes to force a string.
func parseAssignments(args []string) (ledger.Payload, error) {
	if len(args) == 0 {
		return nil, fmt.Errorf("%w: at least one key=value pair is required", ledger.ErrValidation)
	}
	p := make(ledger.Payload, len(args))
	for _, arg := range args {
		k, v, ok := strings.Cut(arg, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("%w: expected key=value, got %q", ledger.ErrValidation, arg)
		}
		if _, dup := p[k]; dup {
			return nil, fmt.Errorf("%w: duplicate key %q", ledger.ErrValidation, k)
		}
		p[k] = inferValue(v)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func inferValue(s string) ledger.Value {
	if len(s) >= 2 && strings.HasPrefix(s, `"`) && strings.HasSuffix(s, `"`) {
		return ledger.String(s[1 : len(s)-1])
	}
	switch s {
	case "true":
		return ledger.Bool(true)
	case "false":
		return ledger.Bool(false)
	}
	if jsonNumber.MatchString(s) {
		if d, err := decimal.NewFromString(s); err == nil {
			return ledger.Number(d)
		}
	}
	return ledger.String(s)
}
