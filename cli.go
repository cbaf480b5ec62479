package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/richardartoul/storetrace/config"
	"github.com/richardartoul/storetrace/instrument"
	"github.com/richardartoul/storetrace/memo"
	"github.com/richardartoul/storetrace/record"
)

// CmdDemo and CmdServe only exist on the command line.
const (
	CmdDemo  = Cmd("demo")
	CmdServe = Cmd("serve")
)

const usageText = `usage: storetrace [-config file.yaml] [-verbose] [-metrics] <command> [args]

commands:
  store [-type text|int|float] <value>...  store each value and print its key
  get [-as raw|text|int|float] <key>       print the value stored under key
  replay [identity]                        print the call transcript (default Cache.Store)
  fetch <url>...                           fetch through the memoizer
  demo                                     clear the store and run the reference scenario
  serve                                    answer JSON requests on stdin
`

// errAbsent is returned by get when the key does not exist.
var errAbsent = errors.New("key not found")

// app holds the streams and the fetcher a command runs with.
type app struct {
	stdin   io.Reader
	stdout  io.Writer
	stderr  io.Writer
	fetcher memo.Fetcher
}

// run parses the global flags, opens the configured store and dispatches
// one command.
func (a *app) run(ctx context.Context, args []string) (err error) {
	fs := flag.NewFlagSet("storetrace", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	fs.Usage = func() { fmt.Fprint(a.stderr, usageText) }
	configPath := fs.String("config", "", "path to the YAML configuration file")
	verbose := fs.Bool("verbose", false, "log at debug level and print store latency statistics")
	showMetrics := fs.Bool("metrics", false, "print memoizer metrics on exit")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return errors.New("missing command")
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	level, err := cfg.LogLevel()
	if err != nil {
		return err
	}
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))

	fetcher := a.fetcher
	if fetcher == nil {
		fetcher = memo.NewHTTPFetcher(nil)
	}
	svc, err := openServices(ctx, cfg, fetcher, logger)
	if err != nil {
		return err
	}
	defer func() {
		if *verbose {
			svc.printLatencyStats(a.stderr)
		}
		if *showMetrics {
			if merr := svc.printMetrics(a.stderr); merr != nil && err == nil {
				err = merr
			}
		}
		if cerr := svc.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	cmd, cmdArgs := Cmd(fs.Arg(0)), fs.Args()[1:]
	switch cmd {
	case CmdStore:
		return a.store(ctx, svc, cmdArgs)
	case CmdGet:
		return a.get(ctx, svc, cmdArgs)
	case CmdReplay:
		return a.replay(ctx, svc, cmdArgs)
	case CmdFetch:
		return a.fetch(ctx, svc, cmdArgs)
	case CmdDemo:
		return a.demo(ctx, svc)
	case CmdServe:
		return NewServer(svc.store, svc.cache, svc.memoizer, a.stdin, a.stdout).Run(ctx)
	default:
		fs.Usage()
		return fmt.Errorf("unknown command: %s", cmd)
	}
}

func (a *app) store(ctx context.Context, svc *services, args []string) error {
	fs := flag.NewFlagSet("store", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	valueType := fs.String("type", AsText, "how to interpret the values: text, int or float")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("store: no values given")
	}

	for _, arg := range fs.Args() {
		value, err := parseValue(arg, *valueType)
		if err != nil {
			return err
		}
		key, err := svc.cache.Store(ctx, value)
		if err != nil {
			return err
		}
		fmt.Fprintln(a.stdout, key)
	}
	return nil
}

func parseValue(arg, valueType string) (any, error) {
	switch valueType {
	case AsText:
		return arg, nil
	case AsInt:
		return strconv.ParseInt(arg, 10, 64)
	case AsFloat:
		return strconv.ParseFloat(arg, 64)
	default:
		return nil, fmt.Errorf("unknown value type %q", valueType)
	}
}

func (a *app) get(ctx context.Context, svc *services, args []string) error {
	fs := flag.NewFlagSet("get", flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	as := fs.String("as", AsRaw, "decoder: raw, text, int or float")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("get: no key given")
	}
	key := record.Key(fs.Arg(0))
	// Allow "get <key> -as int".
	if err := fs.Parse(fs.Args()[1:]); err != nil {
		return err
	}

	var (
		value any
		found bool
		err   error
	)
	switch *as {
	case AsRaw:
		var raw []byte
		raw, found, err = svc.cache.Retrieve(ctx, key)
		value = string(raw)
	case AsText:
		value, found, err = svc.cache.RetrieveString(ctx, key)
	case AsInt:
		value, found, err = svc.cache.RetrieveInt(ctx, key)
	case AsFloat:
		value, found, err = svc.cache.RetrieveFloat(ctx, key)
	default:
		return fmt.Errorf("unknown decoder %q", *as)
	}
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", errAbsent, key)
	}
	fmt.Fprintln(a.stdout, value)
	return nil
}

func (a *app) replay(ctx context.Context, svc *services, args []string) error {
	if len(args) == 0 {
		args = []string{record.StoreIdentity}
	}
	for _, identity := range args {
		transcript, err := instrument.Replay(ctx, svc.store, identity)
		if err != nil {
			return err
		}
		if _, err := transcript.WriteTo(a.stdout); err != nil {
			return err
		}
	}
	return nil
}

func (a *app) fetch(ctx context.Context, svc *services, args []string) error {
	if len(args) == 0 {
		return errors.New("fetch: no resources given")
	}
	for _, resource := range args {
		content, err := svc.memoizer.Fetch(ctx, resource)
		if err != nil {
			return err
		}
		count, err := svc.memoizer.AccessCount(ctx, resource)
		if err != nil {
			return err
		}
		fmt.Fprintf(a.stdout, "%s: %d bytes, accessed %d times\n", resource, len(content), count)
	}
	return nil
}

// demo clears the store and walks through storing, retrieving, decoding and
// replaying.
func (a *app) demo(ctx context.Context, svc *services) error {
	if err := svc.store.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear store: %w", err)
	}

	k1, err := svc.cache.Store(ctx, "foo")
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "stored %q as %s\n", "foo", k1)

	text, _, err := svc.cache.RetrieveString(ctx, k1)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "retrieve %s as text: %s\n", k1, text)

	if _, _, err := svc.cache.RetrieveInt(ctx, k1); err != nil {
		fmt.Fprintf(a.stdout, "retrieve %s as int: %v\n", k1, err)
	}

	k2, err := svc.cache.Store(ctx, 42)
	if err != nil {
		return err
	}
	n, _, err := svc.cache.RetrieveInt(ctx, k2)
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "stored 42 as %s\nretrieve %s as int: %d\n", k2, k2, n)

	k3, err := svc.cache.Store(ctx, []byte("bar"))
	if err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "stored b\"bar\" as %s\n\n", k3)

	transcript, err := svc.cache.Replay(ctx)
	if err != nil {
		return err
	}
	_, err = transcript.WriteTo(a.stdout)
	return err
}
