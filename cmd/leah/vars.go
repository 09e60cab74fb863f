package cli

import (
	"github.com/spf13/cobra"

	"github.com/jamessanders/leah-public/internal/config"
	"github.com/jamessanders/leah-public/internal/logging"
)

// Shared CLI flags
var (
	cfgFile string
	verbose bool
)

// ServerConfig holds the loaded configuration (set by main, replaced when
// --config is given)
var ServerConfig *config.Config

// SetupRootCmd configures the root command with all subcommands and flags
func SetupRootCmd(c *config.Config) *cobra.Command {
	ServerConfig = c

	rootCmd := &cobra.Command{
		Use:   "leah",
		Short: "Leah - persona messaging hub",
		Long: `Leah runs the messaging substrate personas talk over: channels with
durable history, subscriptions, inboxes, the task scheduler and the system relay.

Just type 'leah' to start serving. The inspection commands open the store
directly and cannot run while a server holds it.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cfgFile != "" {
				loaded, err := config.LoadFrom(cfgFile)
				if err != nil {
					return err
				}
				ServerConfig = loaded
			}
			level := ServerConfig.LogLevel
			if verbose {
				level = "debug"
			}
			return logging.Init(level, ServerConfig.LogSink)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: platform data directory)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	// Add commands
	rootCmd.AddCommand(ServeCmd())
	rootCmd.AddCommand(HistoryCmd())
	rootCmd.AddCommand(ArchivesCmd())
	rootCmd.AddCommand(ChannelsCmd())
	rootCmd.AddCommand(SubsCmd())
	rootCmd.AddCommand(SubscribeCmd())
	rootCmd.AddCommand(UnsubscribeCmd())
	rootCmd.AddCommand(TasksCmd())

	return rootCmd
}
