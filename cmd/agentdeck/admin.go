package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"syscall"

	"golang.org/x/term"

	"github.com/Strob0t/AgentDeck/internal/adapter/postgres"
	"github.com/Strob0t/AgentDeck/internal/config"
	"github.com/Strob0t/AgentDeck/internal/middleware"
)

// runHashKey prints the bcrypt hash of an API key for auth.api_key_hash.
func runHashKey(args []string) error {
	fs := flag.NewFlagSet("hash-key", flag.ContinueOnError)
	key := fs.String("key", "", "API key to hash (prompted if omitted)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *key == "" {
		k, err := promptPassword("API key: ")
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		confirm, err := promptPassword("Confirm API key: ")
		if err != nil {
			return fmt.Errorf("read key: %w", err)
		}
		if k != confirm {
			return errors.New("keys do not match")
		}
		*key = k
	}

	hash, err := middleware.HashKey(*key)
	if err != nil {
		return err
	}
	fmt.Println(hash)
	return nil
}

// runMigrate applies, rolls back or reports the task registry schema.
func runMigrate(args []string) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	down := fs.Int("down", 0, "roll back this many migrations")
	status := fs.Bool("status", false, "print the current schema version")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	ctx := context.Background()
	dsn := cfg.Postgres.DSN

	switch {
	case *status:
		v, err := postgres.MigrationVersion(ctx, dsn)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "schema version: %d\n", v)
	case *down > 0:
		if err := postgres.RollbackMigrations(ctx, dsn, *down); err != nil {
			return err
		}
		fmt.Fprintf(os.Stderr, "rolled back %d migration(s)\n", *down)
	default:
		if err := postgres.RunMigrations(ctx, dsn); err != nil {
			return err
		}
		fmt.Fprintln(os.Stderr, "migrations applied")
	}
	return nil
}

func promptPassword(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(int(syscall.Stdin)) //nolint:unconvert // int conversion needed on some platforms
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
