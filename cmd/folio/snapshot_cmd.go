package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foliant-labs/folio/internal/cli"
	"github.com/foliant-labs/folio/internal/publish"
)

func snapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Capture, list, and restore workspace snapshots",
	}
	cmd.AddCommand(snapshotCreateCmd())
	cmd.AddCommand(snapshotListCmd())
	cmd.AddCommand(snapshotRestoreCmd())
	cmd.AddCommand(snapshotDeleteCmd())
	return cmd
}

func snapshotCreateCmd() *cobra.Command {
	var description string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Capture the current workspace state",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStack()
			if err != nil {
				return err
			}
			defer st.Close()
			coord := publish.New(st.store, st.log)
			snap, err := coord.CreateSnapshot(context.Background(), "", description)
			if err != nil {
				return err
			}
			fmt.Printf("\n  Snapshot %s%s%s captured\n\n", cli.Bold, snap.ID, cli.Reset)
			return nil
		},
	}
	cmd.Flags().StringVarP(&description, "description", "d", "", "What this snapshot marks")
	return cmd
}

func snapshotListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List snapshots in creation order",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStack()
			if err != nil {
				return err
			}
			defer st.Close()
			snaps, err := st.store.ListSnapshots(context.Background())
			if err != nil {
				return err
			}
			if len(snaps) == 0 {
				fmt.Printf("\n  %sno snapshots%s\n\n", cli.Dim, cli.Reset)
				return nil
			}
			fmt.Println()
			for _, s := range snaps {
				desc := s.Description
				if desc == "" {
					desc = "-"
				}
				fmt.Printf("  %s  %s%s%s  %s\n", s.ID, cli.Dim,
					s.CreatedAt.Format("2006-01-02 15:04"), cli.Reset, desc)
			}
			fmt.Println()
			return nil
		},
	}
}

func snapshotRestoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore <snapshot-id>",
		Short: "Restore the workspace to a snapshot",
		Long: `Replaces notes, drafts, versions, collections, and memberships with the
snapshot's state, then republishes the restored heads so search
converges. Sessions and other snapshots are untouched.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStack()
			if err != nil {
				return err
			}
			defer st.Close()
			coord := publish.New(st.store, st.log)
			if err := coord.RestoreSnapshot(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("\n  Restored %s%s%s\n", cli.Bold, args[0], cli.Reset)
			fmt.Printf("  %srun folio serve (or wait for it) to re-sync search%s\n\n", cli.Dim, cli.Reset)
			return nil
		},
	}
}

func snapshotDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <snapshot-id>",
		Short: "Delete a snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStack()
			if err != nil {
				return err
			}
			defer st.Close()
			if err := st.store.DeleteSnapshot(context.Background(), args[0]); err != nil {
				return err
			}
			fmt.Printf("\n  Deleted %s\n\n", args[0])
			return nil
		},
	}
}
