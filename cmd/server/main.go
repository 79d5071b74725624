package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"safetypatrol/internal/config"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	root := &cobra.Command{
		Use:          "safetypatrol",
		Short:        "Safety patrol inspection and corrective action service",
		SilenceUsage: true,
	}

	flags := root.PersistentFlags()
	flags.String("store-driver", "", "record store: postgres, sqlite or memory (STORE_DRIVER)")
	flags.String("database-url", "", "postgres connection string (DATABASE_URL)")
	flags.String("sqlite-path", "", "sqlite database file (SQLITE_PATH)")
	flags.String("log-level", "", "log level (LOG_LEVEL)")
	flags.String("log-format", "", "text or json (LOG_FORMAT)")
	for key, name := range map[string]string{
		config.KeyStoreDriver: "store-driver",
		config.KeyDatabaseURL: "database-url",
		config.KeySQLitePath:  "sqlite-path",
		config.KeyLogLevel:    "log-level",
		config.KeyLogFormat:   "log-format",
	} {
		_ = v.BindPFlag(key, flags.Lookup(name))
	}

	serve := newServeCmd(v)
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())
	root.AddCommand(serve, newMigrateCmd(v))
	return root
}
