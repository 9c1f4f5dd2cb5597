package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/bhandras/delight/hub/internal/database"
	"github.com/bhandras/delight/hub/internal/store"
	"github.com/bhandras/delight/hub/internal/syncengine"
	"github.com/spf13/pflag"
)

func purgeCommand(args []string) error {
	var (
		flags     configFlags
		namespace string
	)
	fs := pflag.NewFlagSet("purge", pflag.ContinueOnError)
	flags.register(fs)
	fs.StringVar(&namespace, "namespace", "", "namespace to delete")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if namespace == "" {
		return errors.New("--namespace is required")
	}

	cfg, err := flags.load(fs)
	if err != nil {
		return err
	}
	db, err := database.Open(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	engine := syncengine.New(store.NewSQLStore(db.DB))
	removed, err := engine.PurgeNamespace(context.Background(), namespace)
	if err != nil {
		return err
	}
	fmt.Printf("purged namespace %s (%d sessions)\n", namespace, len(removed))
	return nil
}
