// Command migrate manages the networked event store schema.
//
//	migrate [-config file] [-database uri] up
//	migrate [-config file] [-database uri] down [steps]
//	migrate [-config file] [-database uri] status
//
// The database is taken from -database, then $DATABASE_URI, then the
// store.uri of the yapperd configuration named by -config.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/coachpo/yapper/internal/infra/config"
	"github.com/coachpo/yapper/internal/infra/persistence/migrations"
	"github.com/coachpo/yapper/internal/observability"
)

const (
	migrateLoggerPrefix = "yapper-migrate "
	defaultTimeout      = 30 * time.Second
)

// target is what every subcommand operates on.
type target struct {
	dsn    string
	dir    string
	logger *log.Logger
	out    io.Writer
}

type command struct {
	usage string
	run   func(ctx context.Context, tgt target, args []string) error
}

var commands = map[string]command{
	"up": {
		usage: "apply every pending migration",
		run: func(ctx context.Context, tgt target, _ []string) error {
			return migrations.Apply(ctx, tgt.dsn, tgt.dir, tgt.logger)
		},
	},
	"down": {
		usage: "roll back [steps] migrations (default 1)",
		run: func(ctx context.Context, tgt target, args []string) error {
			steps, err := parseSteps(args)
			if err != nil {
				return err
			}
			return migrations.Rollback(ctx, tgt.dsn, tgt.dir, steps, tgt.logger)
		},
	},
	"status": {
		usage: "print the applied schema version",
		run: func(ctx context.Context, tgt target, _ []string) error {
			version, dirty, err := migrations.Version(ctx, tgt.dsn, tgt.dir, tgt.logger)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(tgt.out, "version=%d dirty=%t\n", version, dirty)
			return err
		},
	},
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := run(ctx, os.Args[1:], os.Stdout, os.LookupEnv); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdout io.Writer, lookup func(string) (string, bool)) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(stdout)
	var (
		cfgPath = fs.String("config", "", "yapperd configuration whose store.uri is migrated")
		dsn     = fs.String("database", "", "PostgreSQL URI (default: $"+config.EnvVarDatabaseURI+")")
		dir     = fs.String("path", migrations.Embedded, "Directory of SQL migrations (default: bundled set)")
		timeout = fs.Duration("timeout", defaultTimeout, "Upper bound for the whole run")
		quiet   = fs.Bool("quiet", false, "Suppress informational logs")
	)
	fs.Usage = func() { usage(fs) }
	if err := fs.Parse(args); err != nil {
		return err
	}

	rest := fs.Args()
	if len(rest) == 0 {
		usage(fs)
		return errors.New("command required")
	}
	cmd, ok := commands[rest[0]]
	if !ok {
		return fmt.Errorf("unknown command %q (expected %s)", rest[0], strings.Join(commandNames(), ", "))
	}

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	uri, err := resolveDSN(ctx, *dsn, *cfgPath, lookup)
	if err != nil {
		return err
	}
	tgt := target{dsn: uri, dir: *dir, out: stdout}
	if !*quiet {
		tgt.logger = observability.NewStdLogger(stdout, migrateLoggerPrefix, false).Std()
	}
	return cmd.run(ctx, tgt, rest[1:])
}

func resolveDSN(ctx context.Context, flagValue, cfgPath string, lookup func(string) (string, bool)) (string, error) {
	if v := strings.TrimSpace(flagValue); v != "" {
		return v, nil
	}
	if v, ok := lookup(config.EnvVarDatabaseURI); ok && strings.TrimSpace(v) != "" {
		return strings.TrimSpace(v), nil
	}
	if cfgPath != "" {
		cfg, err := config.Load(ctx, cfgPath)
		if err != nil {
			return "", fmt.Errorf("load config: %w", err)
		}
		if cfg.Store.URI != "" {
			return cfg.Store.URI, nil
		}
	}
	return "", fmt.Errorf("database uri required: pass -database, set %s, or name a -config with store.uri", config.EnvVarDatabaseURI)
}

func parseSteps(args []string) (int, error) {
	if len(args) == 0 {
		return 1, nil
	}
	n, err := strconv.Atoi(args[0])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid down steps %q: want a positive integer", args[0])
	}
	return n, nil
}

func commandNames() []string {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func usage(fs *flag.FlagSet) {
	out := fs.Output()
	fmt.Fprintln(out, "usage: migrate [flags] <command> [args]")
	fmt.Fprintln(out, "commands:")
	for _, name := range commandNames() {
		fmt.Fprintf(out, "  %-7s %s\n", name, commands[name].usage)
	}
	fmt.Fprintln(out, "flags:")
	fs.PrintDefaults()
}
