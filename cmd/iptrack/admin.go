package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dobrevit/iptrack/config"
	"github.com/dobrevit/iptrack/pkg/auth"
	"github.com/dobrevit/iptrack/pkg/detector"
	"github.com/dobrevit/iptrack/pkg/storage"
)

func (a *app) openStore() (storage.Store, error) {
	store, err := storage.Open(a.config.Storage, a.logger)
	if err != nil {
		return nil, fmt.Errorf("could not open storage: %w", err)
	}
	return store, nil
}

func (a *app) detectCommand() *cobra.Command {
	var prune bool

	cmd := &cobra.Command{
		Use:   "detect",
		Short: "Runs the anomaly detector once over the last window and records the flags",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			var opts []detector.SchedulerOption
			if prune {
				opts = append(opts, detector.WithRetention(store, a.config.Storage.Retention))
			}
			scheduler := detector.NewScheduler(detector.New(a.config.Detector, store, store, a.logger), opts...)

			flags := scheduler.RunOnce(cmd.Context())
			return printFlags(cmd, flags)
		},
	}
	cmd.Flags().BoolVar(&prune, "prune", false, "Prune request logs older than the retention period afterwards")
	return cmd
}

func (a *app) blockCommand() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "block IP...",
		Short: "Adds IPs to the blocklist",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			for _, ip := range args {
				entry := storage.BlockedIP{IP: ip, Reason: reason, CreatedAt: time.Now().UTC()}
				if err := store.Block(cmd.Context(), entry); err != nil {
					return fmt.Errorf("could not block %s: %w", ip, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "blocked %s\n", ip)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "r", "", "Reason recorded with the block")
	return cmd
}

func (a *app) unblockCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "unblock IP...",
		Short: "Removes IPs from the blocklist",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			for _, ip := range args {
				err := store.Unblock(cmd.Context(), ip)
				if errors.Is(err, storage.ErrNotFound) {
					fmt.Fprintf(cmd.OutOrStdout(), "%s was not blocked\n", ip)
					continue
				}
				if err != nil {
					return fmt.Errorf("could not unblock %s: %w", ip, err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unblocked %s\n", ip)
			}
			return nil
		},
	}
}

func (a *app) listBlockedCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "blocked",
		Short: "Lists the blocklist",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			blocked, err := store.ListBlocked(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "IP\tSINCE\tREASON")
			for _, b := range blocked {
				fmt.Fprintf(w, "%s\t%s\t%s\n", b.IP, b.CreatedAt.Format(time.RFC3339), b.Reason)
			}
			return w.Flush()
		},
	}
}

func (a *app) flagsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "flags [IP]",
		Short: "Lists suspicious-IP flags, optionally for one IP",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore()
			if err != nil {
				return err
			}
			defer store.Close()

			var ip string
			if len(args) == 1 {
				ip = args[0]
			}
			flags, err := store.ListFlags(cmd.Context(), ip)
			if err != nil {
				return err
			}
			return printFlags(cmd, flags)
		},
	}
}

func printFlags(cmd *cobra.Command, flags []storage.SuspiciousIP) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "IP\tTIME\tREASON")
	for _, f := range flags {
		fmt.Fprintf(w, "%s\t%s\t%s\n", f.IP, f.Timestamp.Format(time.RFC3339), f.Reason)
	}
	return w.Flush()
}

func (a *app) tokenCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "token SUBJECT",
		Short: "Issues a bearer token that marks requests as authenticated",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			token, err := auth.New(a.config.Auth, a.logger).IssueToken(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
}

func (a *app) configCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "config FILE",
		Short: "Writes the effective configuration to FILE",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return config.SaveConfig(a.config, args[0])
		},
	}
}
