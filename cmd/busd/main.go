// Command busd is the broker's process entry point: flag parsing,
// binding the configured address, and running until a shutdown signal
// arrives. Grounded on original_source/src/bin/busd.rs for flag shape
// and shutdown sequencing, and on cmd/dbus/main.go for the
// creachadair/command + creachadair/flax CLI idiom this repo's other
// binary already uses.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"go.uber.org/zap"

	"github.com/dbus2/busd-sub000/internal/busserver"
	"github.com/dbus2/busd-sub000/internal/config"
)

var args struct {
	Address      string `flag:"address,Address to listen on (overrides any configuration file)"`
	ConfigPath   string `flag:"config,Use the given configuration file"`
	PrintAddress bool   `flag:"print-address,Print the address of the message bus to standard output"`
	ReadyFD      int    `flag:"ready-fd,default=-1,File descriptor to write a readiness notification to before closing it"`
	Session      bool   `flag:"session,Use session bus defaults (the default; accepted for compatibility)"`
	System       bool   `flag:"system,Use system bus defaults"`
	Verbose      bool   `flag:"v,Enable debug-level logging"`
}

func main() {
	root := &command.C{
		Name:     "busd",
		Usage:    "busd [flags]",
		Help:     "A D-Bus message bus broker.",
		SetFlags: command.Flags(flax.MustBind, &args),
		Run:      command.Adapt(run),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	env := root.NewEnv(nil).SetContext(ctx)
	command.RunOrFail(env, os.Args[1:])
}

func run(env *command.Env) error {
	log, err := newLogger(args.Verbose)
	if err != nil {
		return fmt.Errorf("initializing logger: %w", err)
	}
	defer log.Sync()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	bus, err := busserver.New(cfg, log)
	if err != nil {
		return fmt.Errorf("starting bus: %w", err)
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Warnw("failed to clean up listener", "error", err)
		}
	}()

	if args.PrintAddress {
		fmt.Println(bus.Address())
	}

	if args.ReadyFD >= 0 {
		if err := signalReady(args.ReadyFD); err != nil {
			log.Warnw("failed to signal readiness", "fd", args.ReadyFD, "error", err)
		}
	}

	if err := bus.Run(env.Context()); err != nil {
		log.Errorw("bus stopped with an error", "error", err)
		return err
	}
	log.Infow("bus stopped, shutting down")
	return nil
}

// loadConfig builds the typed Config the core consumes. --config and
// --system both require a real XML configuration loader, which
// spec.md §1 places out of scope for this repo; they fail closed
// rather than silently ignoring the request.
func loadConfig() (config.Config, error) {
	if args.ConfigPath != "" {
		return config.Config{}, fmt.Errorf("reading configuration file %q: XML configuration loading is not implemented by this broker core", args.ConfigPath)
	}
	if args.System {
		return config.Config{}, fmt.Errorf("--system requires a configuration loader to supply /usr/share/dbus-1/system.conf; none is wired into this broker core")
	}

	cfg := config.Default()
	if args.Address != "" {
		cfg.Listen = args.Address
	}
	return cfg, nil
}

// signalReady writes "READY=1\n" to fd and closes it, the readiness
// protocol spec.md §6 documents (compatible with systemd and s6).
func signalReady(fd int) error {
	f := os.NewFile(uintptr(fd), "ready-fd-"+strconv.Itoa(fd))
	if f == nil {
		return fmt.Errorf("invalid file descriptor %d", fd)
	}
	defer f.Close()
	_, err := f.Write([]byte("READY=1\n"))
	return err
}

func newLogger(verbose bool) (*zap.SugaredLogger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	logger, err := cfg.Build()
	if err != nil {
		return nil, err
	}
	return logger.Sugar(), nil
}
