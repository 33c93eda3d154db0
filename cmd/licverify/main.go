// Command licverify validates signed license files and serves the license
// API.
//
//	licverify validate -file license.xml [-name NAME] [-user GUID]
//	licverify install -file license.xml [-name NAME]
//	licverify fingerprint [-components]
//	licverify time
//	licverify serve
//
// Exit status is 0 for a valid license, 1 when validation fails and 2 for
// usage or configuration errors.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/google/uuid"

	"licverify/internal/app"
	"licverify/internal/config"
	"licverify/internal/files"
	"licverify/internal/fingerprint"
	"licverify/internal/infrastructure"
	"licverify/internal/trustedtime"
)

const (
	exitValid   = 0
	exitInvalid = 1
	exitUsage   = 2
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// command is one subcommand
type command struct {
	name    string
	summary string
	run     func(ctx context.Context, args []string, stdout, stderr io.Writer) int
}

var commands = []command{
	{"validate", "validate a license file", runValidate},
	{"install", "validate a license for this machine and install it", runInstall},
	{"fingerprint", "print this machine's fingerprint", runFingerprint},
	{"time", "print trusted time and its origin", runTime},
	{"serve", "serve the license API", runServe},
}

func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return exitUsage
	}

	i := slices.IndexFunc(commands, func(c command) bool { return c.name == args[0] })
	if i < 0 {
		fmt.Fprintf(stderr, "unknown command %q\n", args[0])
		usage(stderr)
		return exitUsage
	}
	return commands[i].run(ctx, args[1:], stdout, stderr)
}

func usage(w io.Writer) {
	fmt.Fprintln(w, "usage: licverify <command> [flags]")
	fmt.Fprintln(w)
	for _, c := range commands {
		fmt.Fprintf(w, "  %-12s %s\n", c.name, c.summary)
	}
}

// commonFlags are accepted by every command
type commonFlags struct {
	configFile string
	verbose    bool
}

func newFlagSet(name string, stderr io.Writer) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	common := &commonFlags{}
	fs.StringVar(&common.configFile, "config", os.Getenv(config.EnvConfigFile), "configuration file")
	fs.BoolVar(&common.verbose, "v", false, "verbose logging")
	return fs, common
}

// load reads the configuration and builds a logger writing to stderr
func (c *commonFlags) load(stderr io.Writer) (*config.Config, *slog.Logger, error) {
	paths, err := config.GetPaths()
	if err != nil {
		return nil, nil, err
	}
	cfg, err := config.LoadFrom(paths, c.configFile)
	if err != nil {
		return nil, nil, err
	}
	level := "warn"
	if c.verbose {
		level = "debug"
	}
	return cfg, infrastructure.WithComponent(infrastructure.NewLogger(stderr, level), "cli"), nil
}

func runValidate(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("validate", stderr)
	file := fs.String("file", "", "license file (defaults to the configured license file)")
	name := fs.String("name", "", "expected license holder name")
	user := fs.String("user", "", "expected user id; defaults to this machine's fingerprint")
	asJSON := fs.Bool("json", false, "print the outcome as JSON")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, logger, err := common.load(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitUsage
	}

	path := cfg.License.File
	if *file != "" {
		path = *file
	}
	expectedName := cfg.ExpectedName()
	if *name != "" {
		expectedName = name
	}

	components, err := app.NewComponents(cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitUsage
	}

	userID := components.Validator.Fingerprint(ctx).UUID()
	if *user != "" {
		userID, err = uuid.Parse(*user)
		if err != nil {
			fmt.Fprintf(stderr, "invalid -user: %v\n", err)
			return exitUsage
		}
	}

	document, err := files.ReadLicense(path)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		if errors.Is(err, os.ErrNotExist) {
			return exitUsage
		}
		return exitInvalid
	}

	ctx = infrastructure.EnsureTraceID(ctx)
	outcome := components.Validator.AssertValid(ctx, document, userID, expectedName)

	if *asJSON {
		result := map[string]any{"outcome": outcome.Kind.String(), "file": path}
		if !outcome.ExpiredAt.IsZero() {
			result["expired_at"] = outcome.ExpiredAt
		}
		if outcome.Reason != "" {
			result["reason"] = outcome.Reason
		}
		writeJSON(stdout, result)
	} else {
		fmt.Fprintln(stdout, outcome)
	}

	if !outcome.Valid() {
		return exitInvalid
	}
	return exitValid
}

func runInstall(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("install", stderr)
	file := fs.String("file", "", "license file to install")
	name := fs.String("name", "", "expected license holder name")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if *file == "" {
		fmt.Fprintln(stderr, "install requires -file")
		return exitUsage
	}

	cfg, logger, err := common.load(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitUsage
	}
	expectedName := cfg.ExpectedName()
	if *name != "" {
		expectedName = name
	}

	components, err := app.NewComponents(cfg, logger)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitUsage
	}

	document, err := files.ReadLicense(*file)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitUsage
	}

	// only a license valid for this machine replaces the installed one
	outcome := components.Validator.ValidateMachine(infrastructure.EnsureTraceID(ctx), document, expectedName)
	if !outcome.Valid() {
		fmt.Fprintf(stderr, "not installed: %s\n", outcome)
		return exitInvalid
	}

	paths, err := config.GetPaths()
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitUsage
	}
	manager := files.NewManager(paths.ExecutableDir)
	if err := manager.Save(cfg.License.File, document); err != nil {
		fmt.Fprintf(stderr, "failed to install license: %v\n", err)
		return exitInvalid
	}

	fmt.Fprintf(stdout, "license installed at %s\n", manager.Resolve(cfg.License.File))
	return exitValid
}

func runFingerprint(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("fingerprint", stderr)
	components := fs.Bool("components", false, "also print the identifying components")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	level := "warn"
	if common.verbose {
		level = "debug"
	}
	generator := fingerprint.NewGenerator(fingerprint.NewHostSource(), infrastructure.NewLogger(stderr, level))

	fmt.Fprintln(stdout, generator.Generate(ctx))
	if *components {
		writeJSON(stdout, generator.Components(ctx))
	}
	return exitValid
}

func runTime(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("time", stderr)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, logger, err := common.load(stderr)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitUsage
	}

	source := trustedtime.NewSource(
		trustedtime.NewClient(cfg.NTP.Server, cfg.NTP.Timeout),
		trustedtime.WithRequireNetwork(cfg.License.RequireNetworkTime),
		trustedtime.WithLogger(logger),
	)
	reading, err := source.Read(ctx)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitInvalid
	}

	fmt.Fprintf(stdout, "%s %s\n", reading.Time.Format("2006-01-02T15:04:05.000Z07:00"), reading.Origin)
	return exitValid
}

func runServe(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs, common := newFlagSet("serve", stderr)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	paths, err := config.GetPaths()
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitUsage
	}
	cfg, err := config.LoadFrom(paths, common.configFile)
	if err != nil {
		fmt.Fprintf(stderr, "configuration error: %v\n", err)
		return exitUsage
	}
	if common.verbose {
		cfg.Logging.Level = "debug"
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		fmt.Fprintf(stderr, "failed to initialize logger: %v\n", err)
		return exitUsage
	}
	defer infrastructure.CloseLogFile()

	if cfg.Logging.Output != "console" {
		if err := paths.EnsureDirectories(); err != nil {
			logger.Warn("failed to create directories", slog.String("error", err.Error()))
		}
	}
	paths.LogPathResolution(logger)

	providers, err := infrastructure.InitializeOTel(infrastructure.OTelConfigFrom(cfg.Metrics), logger)
	if err != nil {
		logger.Error("failed to initialize OpenTelemetry", slog.String("error", err.Error()))
		return exitUsage
	}

	application, err := app.NewApplication(cfg, logger, providers)
	if err != nil {
		logger.Error("failed to initialize application", slog.String("error", err.Error()))
		return exitUsage
	}

	if err := application.Run(ctx); err != nil {
		logger.Error("application error", slog.String("error", err.Error()))
		return exitInvalid
	}
	return exitValid
}

func writeJSON(w io.Writer, v any) {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
