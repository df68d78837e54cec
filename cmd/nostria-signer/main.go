package main

import (
	"fmt"
	"log"
	"os"

	"github.com/nostria/signer/activation"
	"github.com/nostria/signer/activity"
	"github.com/nostria/signer/bunker"
	"github.com/nostria/signer/config"
	"github.com/nostria/signer/connection"
	"github.com/nostria/signer/dispatch"
	"github.com/nostria/signer/identity"
	"github.com/nostria/signer/keystore"
	"github.com/nostria/signer/kvstore"
	"github.com/nostria/signer/state"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
)

var flagConfig = &cli.StringFlag{
	Name:    "config",
	Aliases: []string{"c"},
	Usage:   "path to config.yaml (default: <data-dir>/config.yaml)",
}

var flagDataDir = &cli.StringFlag{
	Name:    "data-dir",
	Aliases: []string{"d"},
	Usage:   "data directory (default: $" + config.DataDirEnv + " or ~/.nostria-signer)",
}

var flagStorage = &cli.StringFlag{
	Name:  "storage",
	Usage: "key-value backend: badger, lmdb or memory (overrides the config file)",
}

var flagDebug = &cli.BoolFlag{
	Name:  "debug",
	Usage: "log debug messages",
}

func main() {
	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:           "nostria-signer",
		Usage:          "NIP-46 remote signer",
		DefaultCommand: "run",
		Flags:          []cli.Flag{flagConfig, flagDataDir, flagStorage, flagDebug},
		Before: func(cCtx *cli.Context) error {
			setupLogging(cCtx.Bool(flagDebug.Name))
			return nil
		},
		Commands: []*cli.Command{
			runCommand,
			initCommand,
			importSignerCommand,
			identityCommand,
			activationCommand,
			urlCommand,
			relaysCommand,
			logsCommand,
			resetCommand,
		},
	}
}

func setupLogging(debug bool) {
	for _, l := range []*log.Logger{
		state.InfoLogger,
		keystore.InfoLogger,
		identity.InfoLogger,
		activation.InfoLogger,
		activity.InfoLogger,
		dispatch.InfoLogger,
		connection.InfoLogger,
		bunker.InfoLogger,
	} {
		l.SetOutput(os.Stderr)
	}
	if debug {
		keystore.DebugLogger.SetOutput(os.Stderr)
		dispatch.DebugLogger.SetOutput(os.Stderr)
		connection.DebugLogger.SetOutput(os.Stderr)
	}
}

type env struct {
	configPath string
	cfg        config.Config
	bunker     *bunker.Bunker
}

// resolveConfig finds and loads the config file. Flags win over the file.
func resolveConfig(cCtx *cli.Context) (string, config.Config, error) {
	dataDir := cCtx.String(flagDataDir.Name)
	if dataDir == "" {
		dataDir = config.DefaultDataDir()
	}

	path := cCtx.String(flagConfig.Name)
	if path == "" {
		path = config.Path(dataDir)
	}

	cfg, err := config.Load(path)
	if err != nil {
		return path, cfg, err
	}

	if d := cCtx.String(flagDataDir.Name); d != "" || cfg.DataDir == "" {
		cfg.DataDir = dataDir
	}
	if cfg.DataDir == "" {
		return path, cfg, fmt.Errorf("could not determine data directory, use --%s", flagDataDir.Name)
	}
	if s := cCtx.String(flagStorage.Name); s != "" {
		if _, err := kvstore.ParseKind(s); err != nil {
			return path, cfg, err
		}
		cfg.Storage = s
	}
	return path, cfg, nil
}

func openEnv(cCtx *cli.Context, reg prometheus.Registerer) (*env, error) {
	path, cfg, err := resolveConfig(cCtx)
	if err != nil {
		return nil, err
	}

	kind, err := kvstore.ParseKind(cfg.Storage)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(cfg.DataDir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	b, err := bunker.New(bunker.Options{
		DataDir:           cfg.DataDir,
		Storage:           kind,
		Keychain:          cfg.SecureStorage,
		Registerer:        reg,
		HealthInterval:    cfg.HealthInterval,
		ReconnectDelay:    cfg.ReconnectDelay,
		ReconnectCooldown: cfg.ReconnectCooldown,
		PublishTimeout:    cfg.PublishTimeout,
	})
	if err != nil {
		return nil, err
	}

	if len(cfg.Relays) > 0 {
		if err := b.Connection.UpdateRelays(cfg.Relays); err != nil {
			b.Close()
			return nil, err
		}
	}

	return &env{configPath: path, cfg: cfg, bunker: b}, nil
}

// withBunker runs fn against an opened bunker and closes it afterwards.
func withBunker(fn func(cCtx *cli.Context, b *bunker.Bunker) error) cli.ActionFunc {
	return func(cCtx *cli.Context) error {
		e, err := openEnv(cCtx, nil)
		if err != nil {
			return err
		}
		defer e.bunker.Close()
		return fn(cCtx, e.bunker)
	}
}
