// Command migrate applies or rolls back the optexec PostgreSQL schema.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/optexec/internal/infra/persistence/migrations"
)

const (
	dsnEnv         = "OPTEXEC_DATABASE_URL"
	defaultTimeout = 30 * time.Second
)

// command is a parsed invocation.
type command struct {
	dsn     string
	dir     string
	timeout time.Duration
	quiet   bool
	action  string
	steps   int
}

func main() {
	cmd, err := parse(os.Args[1:], os.Getenv(dsnEnv), os.Stderr)
	if err == nil {
		err = execute(cmd, os.Stdout)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func parse(args []string, envDSN string, usage io.Writer) (command, error) {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(usage)
	cmd := command{}
	fs.StringVar(&cmd.dsn, "database", envDSN, "PostgreSQL DSN (default: $"+dsnEnv+")")
	fs.StringVar(&cmd.dir, "path", migrations.Embedded, "Directory containing SQL migrations (default: migrations embedded in the binary)")
	fs.DurationVar(&cmd.timeout, "timeout", defaultTimeout, "Maximum time to wait for database connectivity")
	fs.BoolVar(&cmd.quiet, "quiet", false, "Suppress informational logs")
	if err := fs.Parse(args); err != nil {
		return command{}, err
	}

	cmd.dsn = strings.TrimSpace(cmd.dsn)
	if cmd.dsn == "" {
		return command{}, errors.New("-database flag or " + dsnEnv + " is required")
	}

	rest := fs.Args()
	if len(rest) == 0 {
		return command{}, errors.New("command required (up|down [steps])")
	}
	cmd.action = rest[0]
	switch cmd.action {
	case "up":
		if len(rest) > 1 {
			return command{}, fmt.Errorf("up takes no arguments, got %q", rest[1:])
		}
	case "down":
		cmd.steps = 1
		if len(rest) > 1 {
			n, err := strconv.Atoi(rest[1])
			if err != nil {
				return command{}, fmt.Errorf("invalid down steps %q: %w", rest[1], err)
			}
			if n <= 0 {
				return command{}, fmt.Errorf("down steps must be positive, got %d", n)
			}
			cmd.steps = n
		}
	default:
		return command{}, fmt.Errorf("unknown command %q (expected up or down)", cmd.action)
	}
	return cmd, nil
}

func execute(cmd command, out io.Writer) error {
	var logger *log.Logger
	if !cmd.quiet {
		logger = log.New(out, "optexec-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cmd.timeout)
	defer cancel()

	if cmd.action == "down" {
		return migrations.Rollback(ctx, cmd.dsn, cmd.dir, cmd.steps, logger)
	}
	return migrations.Apply(ctx, cmd.dsn, cmd.dir, logger)
}
