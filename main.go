package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/petervdpas/peermentor/internal/app"
	"github.com/petervdpas/peermentor/internal/config"
	"github.com/petervdpas/peermentor/internal/directory"
)

const cfgName = "peermentor.json"

// appVersion is set at build time via -ldflags "-X main.appVersion=x.y.z"
var appVersion = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "peermentor",
		Short:         "Request mentors and hold WebRTC mentoring calls",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(
		newRunCmd(),
		newInitCmd(),
		newHubCmd(),
		newMentorsCmd(),
		newVersionCmd(),
	)
	return root
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

// nodeDir resolves and checks the node folder argument.
func nodeDir(arg string) (string, error) {
	abs, err := filepath.Abs(arg)
	if err != nil {
		return "", fmt.Errorf("invalid node directory: %w", err)
	}
	if st, err := os.Stat(abs); err != nil || !st.IsDir() {
		return "", fmt.Errorf("node directory does not exist: %s", abs)
	}
	return abs, nil
}

func loadEnv(dir string) {
	// a missing .env is fine
	_ = config.LoadDotEnv(filepath.Join(dir, ".env"), ".env")
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run <node-dir>",
		Short: "Run a learner or mentor node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := nodeDir(args[0])
			if err != nil {
				return err
			}
			loadEnv(dir)

			cfgPath := config.ConfigPathFromEnv(filepath.Join(dir, cfgName))
			cfg, created, err := config.Ensure(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if created {
				fmt.Fprintf(cmd.ErrOrStderr(), "created default config %s\n", cfgPath)
			}

			ctx, cancel := signalContext()
			defer cancel()
			return app.Run(ctx, app.Options{Dir: dir, CfgPath: cfgPath, Cfg: cfg})
		},
	}
}

func newInitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init <node-dir>",
		Short: "Create a node folder and answer a few setup questions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			if err := os.MkdirAll(dir, 0755); err != nil {
				return err
			}
			cfgPath := filepath.Join(dir, cfgName)
			cfg := config.Default()
			if existing, err := config.LoadPartial(cfgPath); err == nil {
				cfg = existing
			}
			cfg = app.PromptInteractive(cmd.InOrStdin(), cmd.OutOrStdout(), dir, cfgPath, cfg)
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", cfgPath)
			return nil
		},
	}
}

func newHubCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Run the WebSocket signaling hub",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			loadEnv(".")
			cfg := config.Default()
			config.ApplyEnv(&cfg)
			if !cmd.Flags().Changed("addr") {
				addr = cfg.Signaling.HubAddr
			}
			ctx, cancel := signalContext()
			defer cancel()
			return app.RunHub(ctx, addr, cfg.Logging)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", config.Default().Signaling.HubAddr, "listen address")
	return cmd
}

func newMentorsCmd() *cobra.Command {
	mentors := &cobra.Command{
		Use:   "mentors",
		Short: "Mentor directory tools",
	}
	mentors.AddCommand(&cobra.Command{
		Use:   "validate <file>",
		Short: "Check a mentor directory file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := directory.LoadFile(args[0])
			if err != nil {
				return err
			}
			online := 0
			for _, m := range list {
				if m.Online() {
					online++
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d mentors (%d online)\n", args[0], len(list), online)
			return nil
		},
	})
	return mentors
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "peermentor v%s\n", appVersion)
		},
	}
}
