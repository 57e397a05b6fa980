package main

import (
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/danmuck/cidgate/internal/protocol/cid"
	"github.com/danmuck/cidgate/internal/protocol/record"
)

const usage = `usage: cidctl <command> [flags]

commands:
  gen    generate connection ids
  show   render a hex connection id
  parse  decode a hex DTLS record header`

var errUsage = errors.New(usage)

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "cidctl: %v\n", err)
		os.Exit(2)
	}
}

func run(args []string, out io.Writer) error {
	if len(args) == 0 {
		return errUsage
	}
	switch args[0] {
	case "gen":
		return runGen(args[1:], out)
	case "show":
		return runShow(args[1:], out)
	case "parse":
		return runParse(args[1:], out)
	default:
		return fmt.Errorf("unknown command %q\n%w", args[0], errUsage)
	}
}

func runGen(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("gen", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	length := fs.Int("len", 6, "connection id length in bytes (0-255)")
	count := fs.Int("n", 1, "number of ids")
	node := fs.Int("node", -1, "node id carried in the first byte (-1 for none)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	var gen cid.Generator
	var err error
	switch {
	case *node < -1 || *node > 0xFF:
		return fmt.Errorf("node must be between 0 and 255")
	case *node >= 0:
		gen, err = cid.NewNodeGenerator(byte(*node), *length)
	default:
		gen, err = cid.NewRandomGenerator(*length)
	}
	if err != nil {
		return err
	}
	for i := 0; i < *count; i++ {
		id, err := gen.Generate()
		if err != nil {
			return err
		}
		fmt.Fprintln(out, id.Hex())
	}
	return nil
}

func runShow(args []string, out io.Writer) error {
	if len(args) != 1 {
		return fmt.Errorf("show takes exactly one hex connection id")
	}
	id, err := cid.ParseHex(strings.TrimSpace(args[0]))
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "%s len=%d hash=%08x empty=%v\n", id, id.Len(), id.Hash(), id.IsEmpty())
	return nil
}

func runParse(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("parse", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	cidLen := fs.Int("cid-len", 6, "negotiated connection id length")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("parse takes exactly one hex datagram")
	}
	raw, err := hex.DecodeString(strings.TrimSpace(fs.Arg(0)))
	if err != nil {
		return fmt.Errorf("invalid hex datagram: %w", err)
	}
	records, err := record.DecodeAll(raw, *cidLen, record.DefaultLimits())
	for i, r := range records {
		h := r.Header
		fmt.Fprintf(out, "record[%d] type=%s version=%04x epoch=%d seq=%d %s length=%d\n",
			i, h.Type, h.Version, h.Epoch, h.Sequence, h.CID, h.Length)
	}
	return err
}
