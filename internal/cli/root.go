// Package cli implements the researchmail command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/hupe1980/researchmail"
	"github.com/hupe1980/researchmail/config"
)

type runtime struct {
	configPath string
	agent      string
	verbose    bool
}

// Execute runs the root command and returns the process exit code.
func Execute(version string) int {
	root := NewRootCmd(version)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}

	return 0
}

// NewRootCmd constructs the Cobra root command.
func NewRootCmd(version string) *cobra.Command {
	rt := &runtime{}

	rootCmd := &cobra.Command{
		Use:           "researchmail",
		Short:         "Research the web and draft emails with cooperating agents.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
	}

	rootCmd.PersistentFlags().StringVarP(&rt.configPath, "config", "c", "", "path to a YAML config file")
	rootCmd.PersistentFlags().StringVarP(&rt.agent, "agent", "a", "research", "agent for new conversations (research or email)")
	rootCmd.PersistentFlags().BoolVarP(&rt.verbose, "verbose", "v", false, "print tool and delegation progress")

	rootCmd.CompletionOptions.HiddenDefaultCmd = true

	// Commands.
	rootCmd.AddCommand(newAskCmd(rt))
	rootCmd.AddCommand(newChatCmd(rt))
	rootCmd.AddCommand(newServeCmd(rt))
	rootCmd.AddCommand(newInfoCmd(rt))
	rootCmd.AddCommand(newRunsCmd(rt))

	return rootCmd
}

// signalContext cancels on interrupt so that a running request is cancelled
// and its stream ends with an error event.
func signalContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
}

func (rt *runtime) loadConfig() (config.Config, error) {
	return config.Load(rt.configPath)
}

func (rt *runtime) newApp() (*researchmail.App, error) {
	cfg, err := rt.loadConfig()
	if err != nil {
		return nil, err
	}

	return researchmail.New(cfg)
}

func closeApp(ctx context.Context, app *researchmail.App) {
	if err := app.Close(context.WithoutCancel(ctx)); err != nil {
		fmt.Fprintln(os.Stderr, "warning:", err)
	}
}
