package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/mmcdole/semvid/internal/app"
	"github.com/mmcdole/semvid/internal/config"
	"github.com/mmcdole/semvid/internal/log"
)

// Version is set at build time via -ldflags
var Version = "dev"

// command is one semvid subcommand
type command struct {
	usage string
	run   func(ctx context.Context, env *env, args []string) error
	// standalone commands run without building the app
	standalone bool
}

var commands = map[string]command{
	"add-host": {"add a host to the config: add-host -name N -url U [-type T] [-user U]", runAddHost, true},
	"refresh":  {"rebuild the video list from disk", runRefresh, false},
	"sync":     {"sync with every configured host", runSync, false},
	"list":     {"list videos [-genre name]", runList, false},
	"search":   {"fuzzy search titles: search <query>", runSearch, false},
	"show":     {"show one video: show <id>", runShow, false},
	"new":      {"create a video: new -title T -genre G [-creator C] [-tag T] [-lat N -lon N]", runNew, false},
	"annotate": {"add an annotation: annotate <id> -text T -at 1m30s [-x 0.5 -y 0.5]", runAnnotate, false},
	"upload":   {"upload a video: upload <id> [-video file.mp4] [-thumbnail file.jpg]", runUpload, false},
	"delete":   {"delete a video everywhere: delete <id>", runDelete, false},
	"export":   {"write a sharing bundle: export <id> -o out.zip [-video f] [-thumbnail f]", runExport, false},
	"import":   {"import a sharing bundle: import <file.zip>", runImport, false},
	"status":   {"show hosts and sync failures", runStatus, false},
	"serve":    {"run a file share host [-addr host:port] [-dir path]", runServe, true},
	"version":  {"print version", nil, true},
}

// env is what every command gets: configuration, output and the app
type env struct {
	cfg        *config.Config
	configPath string
	logger     *slog.Logger
	out        *printer
	app        *app.App
}

func main() {
	var (
		showVersion bool
		configPath  string
	)
	flag.BoolVar(&showVersion, "v", false, "print version")
	flag.BoolVar(&showVersion, "version", false, "print version")
	flag.StringVar(&configPath, "config", "", "config file (default ~/.config/semvid/config.yaml)")
	flag.Usage = usage
	flag.Parse()

	if showVersion || flag.Arg(0) == "version" {
		fmt.Printf("semvid %s\n", Version)
		return
	}
	if flag.NArg() == 0 {
		usage()
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, configPath, flag.Arg(0), flag.Args()[1:])
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: semvid [-config file] <command> [args]\n\ncommands:\n")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(os.Stderr, "  %-9s %s\n", name, commands[name].usage)
	}
	fmt.Fprintln(os.Stderr)
	flag.PrintDefaults()
}

func run(ctx context.Context, configPath, name string, args []string) error {
	cmd, ok := commands[name]
	if !ok || cmd.run == nil {
		usage()
		return fmt.Errorf("unknown command %q", name)
	}

	// Load configuration
	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Setup logger
	logger, err := log.SetupLogger(&cfg.Logging)
	if err != nil {
		// Fall back to null logger if file logging fails
		logger = log.NullLogger()
	}
	slog.SetDefault(logger)
	logger.Info("starting semvid", "version", Version, "command", name)

	e := &env{cfg: cfg, configPath: configPath, logger: logger, out: newPrinter(os.Stdout)}
	if !cmd.standalone {
		if err := promptPasswords(cfg); err != nil {
			return err
		}
		a, err := app.New(ctx, cfg, logger, app.Options{Observer: progressObserver(e.out, name == "sync")})
		if err != nil {
			return err
		}
		defer a.Close()
		e.app = a
	}

	err = cmd.run(ctx, e, args)
	if errors.Is(err, flag.ErrHelp) {
		return nil
	}
	return err
}
