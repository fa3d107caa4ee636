package main

import (
	"context"
	"fmt"
	"log"

	"github.com/spf13/cobra"
	jww "github.com/spf13/jwalterweatherman"
	"gitlab.com/elixxir/ekv"

	"github.com/wavemsg/wave/internal/config"
	"github.com/wavemsg/wave/internal/session"
	"github.com/wavemsg/wave/internal/store"
	"github.com/wavemsg/wave/internal/store/memstore"
	"github.com/wavemsg/wave/internal/store/pgstore"
)

var configFile string

var rootCmd = &cobra.Command{
	Use:   "wave",
	Short: "Wave direct-messaging client",
	Long: "Wave is a direct-messaging client backed by a realtime document " +
		"store. Register an account, then chat.",
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"path to config file (optional; WAVE_* env vars always apply)")
	rootCmd.AddCommand(registerCmd, loginCmd, chatCmd)
}

// env assembles everything a command needs: config, store backend, local
// storage and the session manager. close releases all of it.
type env struct {
	cfg     *config.Config
	store   store.Store
	manager *session.Manager
	close   func()
}

func setup() (*env, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}

	if cfg.Verbose {
		jww.SetStdoutThreshold(jww.LevelDebug)
	} else {
		jww.SetStdoutThreshold(jww.LevelWarn)
	}
	jww.SetFlags(log.LstdFlags)

	var (
		st      store.Store
		closeFn func()
	)
	switch cfg.StoreBackend {
	case config.BackendPostgres:
		pg, err := pgstore.Connect(context.Background(), cfg.DSN())
		if err != nil {
			return nil, fmt.Errorf("connecting to store: %w", err)
		}
		st, closeFn = pg, pg.Close
	default:
		// The in-memory backend only sees this process; useful for a
		// scratch session or tests, not for talking to anyone.
		mem := memstore.New()
		st, closeFn = mem, mem.Close
	}

	kv, err := ekv.NewFilestore(cfg.DataDir, cfg.LocalPassword)
	if err != nil {
		closeFn()
		return nil, fmt.Errorf("opening local storage: %w", err)
	}

	return &env{
		cfg:     cfg,
		store:   st,
		manager: session.NewManager(st, kv, cfg.SessionSecret),
		close:   closeFn,
	}, nil
}
