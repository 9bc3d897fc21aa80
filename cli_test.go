package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"supplyledger/ledger"
)

func TestParseAssignmentsInfersTypes(t *testing.T) {
	p, err := parseAssignments([]string{
		"product_id=P1",
		"transit_time_hours=12.5",
		"skipped_stage=0",
		"is_duplicate=false",
		`batch="007"`,
		"serial=007",
		"note=shipped = late",
		"empty=",
	})
	require.NoError(t, err)

	assert.Equal(t, ledger.String("P1"), p["product_id"])
	n, ok := p["transit_time_hours"].AsNumber()
	require.True(t, ok)
	assert.True(t, n.Equal(decimal.RequireFromString("12.5")))
	assert.Equal(t, ledger.KindNumber, p["skipped_stage"].Kind())
	assert.Equal(t, ledger.Bool(false), p["is_duplicate"])
	assert.Equal(t, ledger.String("007"), p["batch"])
	assert.Equal(t, ledger.String("007"), p["serial"], "leading zeros are not a JSON number")
	assert.Equal(t, ledger.String("shipped = late"), p["note"])
	assert.Equal(t, ledger.String(""), p["empty"])
}

func TestParseAssignmentsErrors(t *testing.T) {
	for name, args := range map[string][]string{
		"no pairs":  nil,
		"no equals": {"stage"},
		"empty key": {"=Created"},
		"duplicate": {"stage=Created", "stage=Shipped"},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := parseAssignments(args)
			assert.ErrorIs(t, err, ledger.ErrValidation)
		})
	}
}

func TestNormalizeCommand(t *testing.T) {
	assert.Equal(t, "append", normalizeCommand("add"))
	assert.Equal(t, "serve", normalizeCommand("daemon"))
	assert.Equal(t, "help", normalizeCommand("--help"))
	assert.Equal(t, "verify", normalizeCommand("CHECK"))
	assert.Equal(t, "", normalizeCommand("mine"))

	for _, name := range helpCommandOrder {
		_, ok := helpCommandDetails()[name]
		assert.True(t, ok, "help entry for %s", name)
		assert.Equal(t, name, normalizeCommand(name))
	}
}

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := NewCLI(&out).Run(args)
	return out.String(), err
}

func TestCLIAppendChainEventsVerify(t *testing.T) {
	dir := t.TempDir()
	base := []string{"--data", dir, "--difficulty", "1", "--nocolor"}

	out, err := runCLI(t, append(append([]string{"append"}, base...), "product_id=P1", "stage=Created")...)
	require.NoError(t, err)
	assert.Contains(t, out, "appended block 1")
	assert.Contains(t, out, "data.stage")

	out, err = runCLI(t, append(append([]string{"append"}, base...), "product_id=P1", "stage=Shipped", "transit_time_hours=30")...)
	require.NoError(t, err)
	assert.Contains(t, out, "appended block 2")

	out, err = runCLI(t, append([]string{"chain"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "3 blocks, chain valid")
	assert.Contains(t, out, "GENESIS")

	out, err = runCLI(t, append([]string{"events", "--since", "1"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "stage=Shipped")
	assert.NotContains(t, out, "stage=Created")

	out, err = runCLI(t, append([]string{"verify", "--strict"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "3 blocks verified")

	out, err = runCLI(t, append([]string{"status"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "height")
}

func TestCLIVerifyReportsTampering(t *testing.T) {
	dir := t.TempDir()
	base := []string{"--data", dir, "--difficulty", "0"}
	_, err := runCLI(t, append(append([]string{"append"}, base...), "product_id=P1", "stage=Created")...)
	require.NoError(t, err)
	_, err = runCLI(t, append(append([]string{"append"}, base...), "product_id=P1", "stage=Shipped")...)
	require.NoError(t, err)

	path := filepath.Join(dir, ledger.DefaultChainFile)
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, bytes.Replace(raw, []byte("Created"), []byte("Damaged"), 1), 0o644))

	out, err := runCLI(t, append([]string{"verify"}, base...)...)
	assert.ErrorIs(t, err, errChainInvalid)
	assert.Contains(t, out, "problem(s) found")

	out, err = runCLI(t, append([]string{"chain"}, base...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "INVALID")
}

func TestCLIProductAndReceipt(t *testing.T) {
	d, _ := mustTestDaemon(t, testDaemonOpts{difficulty: 0})
	var out bytes.Buffer
	c := NewCLI(&out)
	c.openDaemon = func(context.Context, Config) (*Daemon, error) { return d, nil }

	require.NoError(t, c.Run([]string{"product", "--name", "Widget", "--id", "P5"}))
	assert.Contains(t, out.String(), "appended block 1")

	b, ok := d.Ledger().Block(1)
	require.True(t, ok)
	v, _ := b.Payload.Get("location")
	assert.Equal(t, DefaultProductPlace, v.Text())

	d2, _ := mustTestDaemon(t, testDaemonOpts{difficulty: 0})
	c.openDaemon = func(context.Context, Config) (*Daemon, error) { return d2, nil }
	require.NoError(t, c.Run([]string{"product", "--id", "P6"}))
	b, ok = d2.Ledger().Block(1)
	require.True(t, ok)
	v, _ = b.Payload.Get("name")
	assert.Equal(t, "Product P6", v.Text())
}

func TestCLIReceipt(t *testing.T) {
	dir := t.TempDir()
	base := []string{"--data", dir, "--difficulty", "0"}
	_, err := runCLI(t, append(append([]string{"append"}, base...), "product_id=P1")...)
	require.NoError(t, err)

	cfg := DefaultConfig()
	cfg.DataDir = dir
	cfg.Difficulty = 0
	d, err := NewDaemon(context.Background(), cfg)
	require.NoError(t, err)
	tip := d.Ledger().Tip()
	require.NoError(t, d.Stop())
	code, err := encodeReceipt(tip.Index, tip.Digest)
	require.NoError(t, err)

	out, err := runCLI(t, append([]string{"receipt"}, append(base, code)...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "block 1 is on the chain")

	_, err = runCLI(t, append([]string{"receipt"}, append(base, "garbage")...)...)
	assert.ErrorIs(t, err, errBadReceipt)

	_, err = runCLI(t, append([]string{"receipt"}, base...)...)
	assert.Error(t, err)
}

func TestCLIHelpAndVersion(t *testing.T) {
	out, err := runCLI(t)
	require.NoError(t, err)
	assert.Contains(t, out, "Usage: supplyledger <command>")
	assert.Contains(t, out, "append")

	out, err = runCLI(t, "help", "add")
	require.NoError(t, err)
	assert.Contains(t, out, "Help: append")
	assert.Contains(t, out, "key=value")

	out, err = runCLI(t, "version")
	require.NoError(t, err)
	assert.Equal(t, "supplyledger v"+Version+"\n", out)

	_, err = runCLI(t, "mine")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unknown command"))

	_, err = runCLI(t, "chain", "--backend", "redis")
	assert.Error(t, err)
}
