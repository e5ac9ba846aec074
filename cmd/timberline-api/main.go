package main

import (
	"errors"
	"io/fs"
	"os"

	"github.com/MarcoPoloResearchLab/timberline/internal/config"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	cfgFile string
	envFile string
)

func main() {
	rootCmd := newRootCommand()
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "timberline-api",
		Short: "Timberline field data sync server",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
		SilenceUsage: true,
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the websocket sync server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(newTenantsCommand())
	rootCmd.AddCommand(newKeysCommand())
	return rootCmd
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	flags := cmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Path to configuration file")
	flags.StringVar(&envFile, "env-file", ".env", "Path to a dotenv file loaded when present")
	flags.String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	flags.StringSlice("allowed-origins", defaults.GetStringSlice("http.allowed_origins"), "Allowed browser origins")
	flags.String("database-dir", defaults.GetString("database.dir"), "Directory holding one SQLite file per tenant")
	flags.Bool("create-missing-tenants", defaults.GetBool("database.create_missing"), "Create tenant stores on first use")
	flags.String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	flags.String("log-file", defaults.GetString("log.file"), "Optional rotating log file")
	flags.String("signing-secret", "", "API key signing secret (overrides env)")
	flags.Bool("allow-legacy-keys", defaults.GetBool("auth.allow_legacy_keys"), "Accept tenant-userId keys")
	flags.Int("page-size", defaults.GetInt("sync.page_size"), "Change log page size for catch-up")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "http.allowed_origins", "allowed-origins")
	bindFlag(cmd, "database.dir", "database-dir")
	bindFlag(cmd, "database.create_missing", "create-missing-tenants")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "auth.allow_legacy_keys", "allow-legacy-keys")
	bindFlag(cmd, "sync.page_size", "page-size")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}
