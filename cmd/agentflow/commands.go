package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"agentflow/internal/app"
	"agentflow/internal/planner"

	"github.com/spf13/cobra"
)

const defaultConfigPath = "./config.yaml"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "agentflow",
		Short:         "Plan user requests into agent tasks and run them",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("config", "c", defaultConfigPath, "path to config (json or yaml)")
	root.AddCommand(newServeCmd(), newPlanCmd())
	return root
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, executor and scheduler",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			return serve(cmd.Context(), cfgPath)
		},
	}
}

func serve(parent context.Context, cfgPath string) error {
	if parent == nil {
		parent = context.Background()
	}
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigs)

	if err := a.Start(parent); err != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = a.Stop(ctx, app.StopFatalError)
		return err
	}

	reason := app.StopUnknown
	select {
	case sig := <-sigs:
		reason = app.StopSIGINT
		if sig == syscall.SIGTERM {
			reason = app.StopSIGTERM
		}
	case <-a.Done():
		reason = app.StopFatalError
	case <-parent.Done():
		reason = app.StopAppStop
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	stopErr := a.Stop(ctx, reason)
	if reason == app.StopFatalError {
		return errors.Join(a.Err(), stopErr)
	}
	return stopErr
}

func newPlanCmd() *cobra.Command {
	var (
		agentName      string
		conversationID string
		threadID       string
		userID         string
		dryRun         bool
	)
	cmd := &cobra.Command{
		Use:   "plan [query]",
		Short: "Plan a request and print the decision as JSON without dispatching",
		Long: "plan runs the planner against the configured oracle and agent directory. " +
			"With --conversation, confirmation state is read from and written to the configured storage, " +
			"so a recurring request can be confirmed by a second invocation. " +
			"--dry-run reads that state but leaves it unchanged.",
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath, _ := cmd.Flags().GetString("config")
			a, err := app.New(cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			d, err := a.Planner().Plan(cmd.Context(), planner.Request{
				TargetAgent:    agentName,
				Query:          strings.Join(args, " "),
				ConversationID: conversationID,
				ThreadID:       threadID,
				UserID:         userID,
				DryRun:         dryRun,
			})
			if err != nil {
				return fmt.Errorf("plan: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(d)
		},
	}
	cmd.Flags().StringVarP(&agentName, "agent", "a", "", "target agent name (skips agent selection)")
	cmd.Flags().StringVar(&conversationID, "conversation", "", "conversation id")
	cmd.Flags().StringVar(&threadID, "thread", "", "thread id")
	cmd.Flags().StringVar(&userID, "user", "", "user id")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "do not record confirmation state")
	return cmd
}
