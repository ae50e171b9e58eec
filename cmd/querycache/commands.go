package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/agentuity/go-querycache/config"
	"github.com/agentuity/go-querycache/logger"
	"github.com/agentuity/go-querycache/persist"
	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/xhit/go-str2duration/v2"
)

const envConfig = "QUERYCACHE_CONFIG"

// flagOrEnv returns the flag value, else the environment value, else def.
func flagOrEnv(cmd *cobra.Command, flagName, envName, def string) string {
	if v, _ := cmd.Flags().GetString(flagName); v != "" {
		return v
	}
	if v, ok := os.LookupEnv(envName); ok {
		return v
	}
	return def
}

func createShutdownChannel() chan os.Signal {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	return done
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "querycache",
		Short:         "Inspect and maintain a persisted query cache",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", "", "path to the YAML config (env "+envConfig+")")
	root.PersistentFlags().String("log-level", "", "log level, overrides the config file")
	root.AddCommand(newKeysCmd(), newGetCmd(), newSetCmd(), newDeleteCmd(), newSweepCmd())
	return root
}

// openApp loads the configuration and builds the caches. The janitor is left
// to the sweep command.
func openApp(cmd *cobra.Command) (*config.App, error) {
	cfg := config.Default()
	if path := flagOrEnv(cmd, "config", envConfig, ""); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return nil, err
		}
		cfg = *loaded
	}
	level := cfg.Level()
	if v, _ := cmd.Flags().GetString("log-level"); v != "" {
		level = logger.ParseLevel(v, level)
	}
	log := logger.NewWriterLogger(cmd.ErrOrStderr(), level)
	return config.Build(cmd.Context(), &cfg, log, config.WithoutJanitor())
}

func newKeysCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keys",
		Short: "List live keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			ctx := cmd.Context()
			keys, err := app.Persisted.Keys(ctx)
			if err != nil {
				return err
			}
			sort.Strings(keys)
			for _, k := range keys {
				if app.Persisted.Has(ctx, k) {
					fmt.Fprintln(cmd.OutOrStdout(), k)
				}
			}
			return nil
		},
	}
}

func newGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get KEY",
		Short: "Print the value for KEY as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			val, ok := app.Persisted.Get(cmd.Context(), args[0])
			if !ok {
				return errors.Newf("%q not found", args[0])
			}
			buf, err := json.MarshalIndent(val, "", "  ")
			if err != nil {
				return errors.Wrapf(err, "cannot print %q as JSON", args[0])
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(buf))
			return nil
		},
	}
}

func newSetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "set KEY JSON",
		Short: "Store a JSON value under KEY",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			var val any
			if err := json.Unmarshal([]byte(args[1]), &val); err != nil {
				return errors.Wrap(err, "value must be JSON")
			}
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			app.Persisted.Set(cmd.Context(), args[0], val)
			return nil
		},
	}
}

func newDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete KEY...",
		Short: "Remove keys",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()
			for _, k := range args {
				app.Persisted.Delete(cmd.Context(), k)
			}
			return nil
		},
	}
}

func newSweepCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove expired and corrupt entries",
		Long:  "Remove expired and corrupt entries once, or with --every keep sweeping on that interval until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			app, err := openApp(cmd)
			if err != nil {
				return err
			}
			defer app.Close()

			every, _ := cmd.Flags().GetString("every")
			if every == "" {
				removed, err := app.Persisted.Cleanup(cmd.Context())
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", removed)
				return nil
			}
			interval, err := str2duration.ParseDuration(every)
			if err != nil {
				return errors.Wrapf(err, "bad --every %q", every)
			}
			if interval <= 0 {
				return errors.Newf("--every must be positive, got %q", every)
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			janitor := persist.StartJanitor(ctx, app.Persisted, interval, app.Logger)
			defer janitor.Stop()
			app.Logger.Info("sweeping every %s", str2duration.String(interval))

			done := createShutdownChannel()
			defer signal.Stop(done)
			select {
			case <-done:
			case <-ctx.Done():
			}
			app.Logger.Info("stopping")
			return nil
		},
	}
	cmd.Flags().String("every", "", "keep sweeping on this interval, e.g. 1h or 1d")
	return cmd
}
