// Command docsyncd runs the real-time document sync service and its
// operator tooling.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"docsync/internal/config"
)

var (
	cfgFile string
	v       = config.New()
)

var rootCmd = &cobra.Command{
	Use:   "docsyncd",
	Short: "Real-time document sync service",
	Long: `docsyncd keeps shared text documents in sync between websocket clients.

Each document is served by one in-memory session that merges edits from every
connected client, relays them to the others and persists them to the
configured store.

Configuration is read from defaults, an optional --config file, DOCSYNC_*
environment variables (e.g. DOCSYNC_STORE_BACKEND=sqlite) and flags.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return config.ReadFile(v, cfgFile)
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (yaml, toml or json)")
	flags.String("store", "memory", "storage backend (memory, sqlite, redis, mongo)")
	flags.String("sqlite-path", "docsync.db", "sqlite database file")
	flags.String("redis-addr", "localhost:6379", "redis address")
	flags.String("mongo-uri", "mongodb://localhost:27017", "mongodb connection URI")
	flags.BoolP("verbose", "v", false, "log every frame")

	bindFlag(flags.Lookup("store"), "store.backend")
	bindFlag(flags.Lookup("sqlite-path"), "store.sqlite_path")
	bindFlag(flags.Lookup("redis-addr"), "store.redis_addr")
	bindFlag(flags.Lookup("mongo-uri"), "store.mongo_uri")
	bindFlag(flags.Lookup("verbose"), "log.verbose")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
