package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/manglemix/hypermangle"
	"github.com/spf13/cobra"
)

var version = "dev"

var (
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:           "hypermangle",
	Short:         "TLS gateway with automatic certificates and hot-reloadable routing rules",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := hypermangle.LoadConfig(configPath)
		if err != nil {
			return err
		}
		if verbose {
			cfg.Logging.Level = "debug"
		}

		logger, closer, err := hypermangle.NewLogger(cfg.Logging)
		if err != nil {
			return err
		}
		defer func() { _ = closer.Close() }()
		slog.SetDefault(logger)

		// Refuse to start over a live instance instead of stealing its socket.
		client := hypermangle.NewControlClient(cfg.Control.Socket, cfg.Control.Token)
		idCtx, cancel := context.WithTimeout(cmd.Context(), 2*time.Second)
		pid, err := client.ID(idCtx)
		cancel()
		if err == nil {
			return fmt.Errorf("another instance is already running (pid %d)", pid)
		}

		gw, err := hypermangle.New(*cfg, logger)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := gw.Run(ctx); err != nil {
			logger.Error("gateway stopped", "error", err)
			return err
		}
		logger.Info("gateway stopped")
		return nil
	},
}

var reloadFile string

var reloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Reload routing rules in the running gateway",
	Long: `Ask the running gateway to re-read its rule file. With --file the
given rule table is sent over the control socket, validated, applied and
written to the configured rule file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		var payload []byte
		if reloadFile != "" {
			if payload, err = os.ReadFile(reloadFile); err != nil {
				return err
			}
		}
		st, err := client.Reload(cmd.Context(), payload)
		if err != nil {
			return err
		}
		if st.Unchanged {
			fmt.Printf("rules unchanged (version %d)\n", st.Version)
			return nil
		}
		fmt.Printf("rules reloaded: version %d, %d rules\n", st.Version, st.RuleCount)
		return nil
	},
}

var renewCmd = &cobra.Command{
	Use:   "renew <hostname>",
	Short: "Force certificate renewal for a hostname",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		st, err := client.Renew(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("%s: %s\n", st.Hostname, st.State)
		return nil
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the running gateway's status as JSON",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		st, err := client.Status(cmd.Context())
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(st)
	},
}

var idCmd = &cobra.Command{
	Use:   "id",
	Short: "Print the PID of the running gateway",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newClient()
		if err != nil {
			return err
		}
		pid, err := client.ID(cmd.Context())
		if err != nil {
			return err
		}
		fmt.Println(pid)
		return nil
	},
}

var genConfigCmd = &cobra.Command{
	Use:   "gen-config [path]",
	Short: "Write an example configuration file",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "hypermangle.toml"
		if len(args) == 1 {
			path = args[0]
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
		if err := hypermangle.WriteExampleConfig(path); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", path)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version)
	},
}

func newClient() (*hypermangle.ControlClient, error) {
	cfg, err := hypermangle.LoadConfig(configPath)
	if err != nil {
		return nil, err
	}
	return hypermangle.NewControlClient(cfg.Control.Socket, cfg.Control.Token), nil
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default: search ./hypermangle.toml, ~/.hypermangle, /etc/hypermangle)")
	serveCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	reloadCmd.Flags().StringVarP(&reloadFile, "file", "f", "", "rule table to apply instead of re-reading the configured file")

	rootCmd.AddCommand(serveCmd, reloadCmd, renewCmd, statusCmd, idCmd, genConfigCmd, versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		if errors.Is(err, hypermangle.ErrUnauthorized) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
