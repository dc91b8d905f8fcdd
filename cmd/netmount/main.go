package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/kriansa/netmount/internal/auth"
	"github.com/kriansa/netmount/internal/config"
	"github.com/kriansa/netmount/internal/gvfs"
	"github.com/kriansa/netmount/internal/log"
	"github.com/kriansa/netmount/internal/manifest"
	"github.com/kriansa/netmount/internal/mount"
	"github.com/kriansa/netmount/internal/output"
	"github.com/kriansa/netmount/internal/version"
)

// Process exit codes
const (
	exitOK         = 0
	exitMountError = 1
	exitParseError = 2
	exitUsage      = 3
	exitSetup      = 4
)

var (
	errUsage = errors.New("expected exactly one MOUNTS_FILE argument")
	errSetup = errors.New("setup failed")
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newCommand(os.Stdout).Run(ctx, os.Args)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
	}
	os.Exit(exitCode(err))
}

// exitCode maps the result of a run to the process exit status
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, mount.ErrParse):
		return exitParseError
	case errors.Is(err, mount.ErrMount):
		return exitMountError
	case errors.Is(err, errSetup):
		return exitSetup
	default:
		// Anything else comes from argument parsing
		return exitUsage
	}
}

// rootFlags are persistent: list accepts them too
func rootFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Aliases: []string{"c"},
			Usage:   "Configuration file path",
			Value:   config.DefaultPath(),
		},
		&cli.StringFlag{
			Name:    "backend",
			Aliases: []string{"b"},
			Usage:   "Mount provider backend: dbus or cli",
		},
		&cli.StringFlag{
			Name:  "gio",
			Usage: "gio binary used by the cli backend",
		},
		&cli.BoolFlag{
			Name:    "verbose",
			Aliases: []string{"v"},
			Usage:   "Enable debug logging",
		},
		&cli.BoolFlag{
			Name:    "version",
			Aliases: []string{"V"},
			Usage:   "Print version information",
			Local:   true,
		},
	}
}

func newCommand(stdout io.Writer) *cli.Command {
	return &cli.Command{
		Name:      "netmount",
		Usage:     "Mount the network locations listed in a session manifest",
		ArgsUsage: "MOUNTS_FILE",
		Writer:    stdout,
		Flags:     rootFlags(),
		Action:    run,
		Commands: []*cli.Command{
			{
				Name:      "list",
				Usage:     "Print the entries of a manifest without mounting them",
				ArgsUsage: "MOUNTS_FILE",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "output",
						Aliases: []string{"o"},
						Usage:   "Output format: table, json or yaml",
						Value:   string(output.FormatTable),
					},
					&cli.BoolFlag{
						Name:  "normalize",
						Usage: "Rewrite the manifest without blank or duplicate lines",
					},
				},
				Action: list,
			},
		},
	}
}

// manifestArg returns the single positional argument, printing the usage
// when it is missing or when there are extra ones
func manifestArg(cmd *cli.Command) (string, error) {
	if cmd.Args().Len() != 1 {
		_ = cli.ShowSubcommandHelp(cmd)
		return "", errUsage
	}
	return cmd.Args().First(), nil
}

// loadConfig reads the config file and applies CLI flags on top of it
func loadConfig(cmd *cli.Command) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("config"))
	if err != nil {
		return nil, fmt.Errorf("%w: load config: %w", errSetup, err)
	}

	cfg.Merge(cmd.String("backend"), cmd.String("gio"), cmd.Bool("verbose"))
	cfg.ApplyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%w: invalid config: %w", errSetup, err)
	}

	return cfg, nil
}

func run(ctx context.Context, cmd *cli.Command) error {
	// Handle version flag
	if cmd.Bool("version") {
		fmt.Fprintln(cmd.Root().Writer, version.String())
		return nil
	}

	path, err := manifestArg(cmd)
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	// Setup logging
	log.Setup(cfg.Verbose)
	log.Debug("starting", "version", version.Version, "backend", cfg.Backend, "validate_ticket", cfg.ValidateTicket)

	// The manifest is read before connecting to the provider: a bad manifest
	// is a parse failure and an empty one needs no session bus.
	reqs, err := mount.Load(path)
	if err != nil {
		log.Error("failed to parse mounts file", "path", path, "error", err)
		return err
	}
	if len(reqs) == 0 {
		log.Debug("no locations to mount", "path", path)
		return nil
	}

	mounter, err := gvfs.NewMounter(cfg.Backend, gvfs.Options{GioPath: cfg.GioPath, Logger: log.Default()})
	if err != nil {
		return fmt.Errorf("%w: create mount provider: %w", errSetup, err)
	}
	defer func() {
		if err := mounter.Close(); err != nil {
			log.Warn("failed to close mount provider", "error", err)
		}
	}()

	policy := auth.NewPolicy(ticketSource(cfg), log.Default())
	return mount.NewOrchestrator(mounter, policy, log.Default()).Mount(ctx, reqs)
}

// ticketSource picks how Kerberos tickets are detected
func ticketSource(cfg *config.Config) auth.TicketSource {
	if cfg.ValidateTicket {
		return auth.CCacheTicket{Logger: log.Default()}
	}
	return auth.EnvTicket{}
}

func list(_ context.Context, cmd *cli.Command) error {
	path, err := manifestArg(cmd)
	if err != nil {
		return err
	}

	format, err := output.ParseFormat(cmd.String("output"))
	if err != nil {
		return err
	}

	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	log.Setup(cfg.Verbose)

	reqs, err := mount.Load(path)
	if err != nil {
		return err
	}

	if cmd.Bool("normalize") {
		reqs = manifest.Normalize(reqs)
		if err := manifest.Write(path, reqs); err != nil {
			return fmt.Errorf("%w: rewrite manifest: %w", errSetup, err)
		}
		log.Debug("manifest normalized", "path", path, "entries", len(reqs))
	}

	return output.Print(cmd.Root().Writer, format, output.NewEntries(reqs))
}
