package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"docsync/internal/config"
	"docsync/internal/store"
)

var docsCmd = &cobra.Command{
	Use:   "docs",
	Short: "Manage documents in the configured store",
	Long: `Inspect and create documents directly in the store.

A websocket client can only open a document that already exists.`,
}

var docsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every document",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		ids, err := st.ListDocuments(cmd.Context())
		if err != nil {
			return err
		}
		for _, id := range ids {
			fmt.Fprintln(cmd.OutOrStdout(), id)
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "%d documents\n", len(ids))
		return nil
	},
}

var docsCreateCmd = &cobra.Command{
	Use:   "create <id>...",
	Short: "Create empty documents",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore(cmd)
		if err != nil {
			return err
		}
		defer st.Close()

		for _, id := range args {
			err := st.CreateDocument(cmd.Context(), id)
			switch {
			case errors.Is(err, store.ErrDocumentExists):
				fmt.Fprintf(cmd.ErrOrStderr(), "%s already exists\n", id)
			case err != nil:
				return fmt.Errorf("create %s: %w", id, err)
			default:
				fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", id)
			}
		}
		return nil
	},
}

func init() {
	docsCmd.AddCommand(docsListCmd)
	docsCmd.AddCommand(docsCreateCmd)
	rootCmd.AddCommand(docsCmd)
}

func openStore(cmd *cobra.Command) (store.Store, error) {
	cfg, err := config.Load(v)
	if err != nil {
		return nil, err
	}
	if cfg.Store.Backend == store.BackendMemory {
		fmt.Fprintln(cmd.ErrOrStderr(), "Warning: the memory store does not outlive this command")
	}
	return store.Open(cmd.Context(), cfg.Store)
}
