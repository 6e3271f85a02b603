// Command fixsession runs one FIX session, as initiator or acceptor, with
// an admin HTTP server alongside.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/risa-org/fixsession/admin"
	"github.com/risa-org/fixsession/config"
	"github.com/risa-org/fixsession/logger"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "fixsession: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flags := flag.NewFlagSet("fixsession", flag.ContinueOnError)
	configPath := flags.String("config", "", "path to a .toml or .yaml config file")
	envFile := flags.String("env", ".env", "dotenv file with FIXSESSION_* overrides; a missing file is ignored")
	if err := flags.Parse(args); err != nil {
		return err
	}

	cfg, err := loadConfig(*configPath, *envFile)
	if err != nil {
		return err
	}

	log := logger.NewConsole(os.Stdout, "fixsession", logger.ParseLevel(cfg.LogLevel))
	log = log.With(logger.Field{Key: "role", Value: string(cfg.Role)})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, release, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := release(context.Background()); err != nil {
			log.Warn("release store", logger.Err(err))
		}
	}()

	adm := admin.New(cfg.AdminAddr, log.With(logger.Field{Key: "component", Value: "admin"}))
	r, err := newRunner(cfg, st, adm, log)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.Run(ctx) })
	if cfg.AdminAddr != "" {
		g.Go(func() error { return adm.Run(ctx) })
	}
	return g.Wait()
}

// loadConfig layers the config file, the dotenv file and the process
// environment, in that order, then validates.
func loadConfig(path, envFile string) (config.Config, error) {
	cfg := config.Default()
	if path != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}
	if envFile != "" {
		// godotenv never overrides variables already set in the environment
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return config.Config{}, fmt.Errorf("load %s: %w", envFile, err)
		}
	}
	if err := config.ApplyEnv(&cfg, os.LookupEnv); err != nil {
		return config.Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
