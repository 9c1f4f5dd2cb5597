// Command delight-hub runs the Delight session hub: the sync engine, its
// HTTP and websocket surfaces, and permission/ready notifications.
//
// Usage:
//
//	delight-hub [serve] [flags]
//	delight-hub token --namespace NS [--subject ID] [--ttl 24h] [--qr]
//	delight-hub purge --namespace NS
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/bhandras/delight/hub/internal/config"
	"github.com/bhandras/delight/hub/pkg/logger"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cmd := "serve"
	if len(args) > 0 && len(args[0]) > 0 && args[0][0] != '-' {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		return serveCommand(args)
	case "token":
		return tokenCommand(args)
	case "purge":
		return purgeCommand(args)
	case "help":
		printUsage()
		return nil
	default:
		printUsage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func printUsage() {
	fmt.Fprint(os.Stderr, `delight-hub - session sync hub

Commands:
  serve   run the hub (default)
  token   mint a namespace token
  purge   delete every entity of a namespace

Run "delight-hub <command> --help" for flags.
`)
}

// configFlags are the flags shared by every command that loads the
// configuration.
type configFlags struct {
	configFile   string
	addr         string
	databasePath string
	masterSecret string
	logLevel     string
	debug        bool
}

func (f *configFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.configFile, "config", "", "YAML config file (env: DELIGHT_CONFIG_FILE)")
	fs.StringVar(&f.addr, "addr", "", "listen address, e.g. :3005 (env: PORT)")
	fs.StringVar(&f.databasePath, "db", "", "SQLite database path (env: DATABASE_PATH)")
	fs.StringVar(&f.masterSecret, "master-secret", "", "token signing secret (env: DELIGHT_MASTER_SECRET)")
	fs.StringVar(&f.logLevel, "log-level", "", "trace|debug|info|warn|error (env: LOG_LEVEL)")
	fs.BoolVar(&f.debug, "debug", false, "enable debug mode (env: DEBUG)")
}

// load turns the flags the user actually set into overrides and loads the
// configuration.
func (f *configFlags) load(fs *pflag.FlagSet) (*config.Config, error) {
	var o config.Overrides
	if fs.Changed("config") {
		o.ConfigFile = &f.configFile
	}
	if fs.Changed("addr") {
		o.Addr = &f.addr
	}
	if fs.Changed("db") {
		o.DatabasePath = &f.databasePath
	}
	if fs.Changed("master-secret") {
		o.MasterSecret = &f.masterSecret
	}
	if fs.Changed("log-level") {
		o.LogLevel = &f.logLevel
	}
	if fs.Changed("debug") {
		o.Debug = &f.debug
	}

	cfg, err := config.Load(o)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger.SetLevel(cfg.LogLevel)
	return cfg, nil
}
