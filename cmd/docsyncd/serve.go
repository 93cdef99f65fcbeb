package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"docsync/internal/config"
	"docsync/internal/logging"
	"docsync/internal/server"
	"docsync/internal/session"
	"docsync/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the sync server",
	Long: `Start the websocket sync server.

Endpoints:
  ws://HOST/ws/{document}        sync a document (or /ws?location={document})
  GET  /api/documents            list documents
  POST /api/documents            create a document: {"id": "notes"}
  GET  /api/documents/{id}/text  current text
  GET  /api/documents/{id}/stats live session counters
  GET  /health                   store reachability

Example usage:
  docsyncd serve                                  # in-memory store on :8080
  docsyncd serve --store sqlite --addr :9000      # persistent single node`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(v)
		if err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return serve(ctx, cfg)
	},
}

func init() {
	serveCmd.Flags().String("addr", ":8080", "listen address")
	serveCmd.Flags().String("token", "", "shared token required on websocket upgrades")
	bindFlag(serveCmd.Flags().Lookup("addr"), "server.addr")
	bindFlag(serveCmd.Flags().Lookup("token"), "server.auth_token")

	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *config.Config) error {
	out, closer := logging.Output(cfg.Log)
	defer closer.Close()
	logger := logging.New(out, "docsyncd")

	st, err := store.Open(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.Store.Backend, err)
	}
	defer st.Close()

	cfg.Session.Logger = logging.New(out, "session")
	reg := session.NewRegistry(st, cfg.Session)
	srv := server.New(cfg.Server, reg, st, logging.New(out, "server"))

	logger.Printf("serving on %s with the %s store", cfg.Server.Addr, cfg.Store.Backend)
	if err := srv.Run(ctx); err != nil {
		return err
	}
	logger.Printf("stopped")
	return nil
}

func bindFlag(f *pflag.Flag, key string) {
	if err := v.BindPFlag(key, f); err != nil {
		panic(fmt.Sprintf("bind %s: %v", key, err))
	}
}
