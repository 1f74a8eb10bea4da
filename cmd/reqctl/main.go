package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/PaesslerAG/jsonpath"

	"github.com/reqdesk/reqdesk/internal/app"
	"github.com/reqdesk/reqdesk/internal/cli"
	"github.com/reqdesk/reqdesk/internal/config"
	"github.com/reqdesk/reqdesk/internal/errors"
)

const usage = `usage: reqctl [flags] <command> [args]

commands:
  whoami
  list <kind> [-status s] [-priority n] [-assignee id] [-parent id] [-search q] [-limit n] [-offset n]
  get <kind> <id>
  create <kind> <json>
  status <kind> <id> <status>
  priority <kind> <id> <1-4>
  assign <kind> <id> <user-id|"">
  delete <kind> <id>
  history <kind> <id>
  recent [-limit n]
  watch
  completion <bash|fish>

kinds: epic, user_story, requirement, acceptance_criteria, steering_document

flags:
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	os.Exit(run(ctx, os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("reqctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", os.Getenv("REQDESK_CONFIG"), "YAML config file")
	jsonPath := fs.String("jsonpath", "", "JSONPath expression applied to the output, e.g. $[*].reference_id")
	timeout := fs.Duration("timeout", time.Minute, "timeout for non-watch commands")
	fs.Usage = func() {
		fmt.Fprint(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return 2
	}

	if fs.Arg(0) == "completion" {
		if fs.NArg() != 2 {
			fmt.Fprintln(stderr, "usage: reqctl completion <bash|fish>")
			return 2
		}
		if err := cli.GenerateCompletion(stdout, fs.Arg(1)); err != nil {
			fmt.Fprintf(stderr, "completion: %v\n", err)
			return 2
		}
		return 0
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "load config: %v\n", err)
		return 1
	}

	command, rest := fs.Arg(0), fs.Args()[1:]
	if command != "watch" {
		cfg.Realtime.Enabled = false
		cfg.Refresh.Enabled = false
		cfg.Metrics.Addr = ""
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	application, err := app.New(ctx, *cfg)
	if err != nil {
		fmt.Fprintf(stderr, "init: %v\n", err)
		return 1
	}
	defer application.Close()

	if _, err := application.LoginFromConfig(ctx); err != nil {
		fmt.Fprintf(stderr, "login: %s\n", errors.Message(err))
		return 1
	}
	ctx = application.Context(ctx)

	c := &commander{app: application, out: stdout, errOut: stderr, jsonPath: *jsonPath}
	out, err := c.dispatch(ctx, command, rest)
	if err != nil {
		fmt.Fprintf(stderr, "%s: %s\n", command, errors.Message(err))
		if errors.IsValidation(err) || errors.IsForbidden(err) {
			return 2
		}
		return 1
	}
	if out == nil {
		return 0
	}
	if err := c.print(out); err != nil {
		fmt.Fprintf(stderr, "output: %v\n", err)
		return 1
	}
	return 0
}

// print writes v as indented JSON, optionally narrowed by the -jsonpath flag.
func (c *commander) print(v interface{}) error {
	if c.jsonPath != "" {
		raw, err := json.Marshal(v)
		if err != nil {
			return err
		}
		var doc interface{}
		if err := json.Unmarshal(raw, &doc); err != nil {
			return err
		}
		v, err = jsonpath.Get(c.jsonPath, doc)
		if err != nil {
			return fmt.Errorf("jsonpath %q: %w", c.jsonPath, err)
		}
	}
	enc := json.NewEncoder(c.out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
