package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/variantgroup/variant-analytics/internal/config"
	"github.com/variantgroup/variant-analytics/internal/objectstore"
	"github.com/variantgroup/variant-analytics/internal/userstore"
)

// usersCmd manages the object-store-backed user table from the command
// line, for bootstrap and break-glass edits without a running server.
func usersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage the user table",
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List all users",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := setupUserStore(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			records, err := store.List(ctx)
			if err != nil {
				return fmt.Errorf("failed to list users: %w", err)
			}
			for _, r := range records {
				fmt.Printf("%-20s %-12s %s\n", r.Username, r.Role, strings.Join(r.Dashboards, ","))
			}
			return nil
		},
	}

	upsertCmd := &cobra.Command{
		Use:   "upsert <username>",
		Short: "Create or update a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := setupUserStore(cmd)
			if err != nil {
				return err
			}
			password, _ := cmd.Flags().GetString("password")
			role, _ := cmd.Flags().GetString("role")
			name, _ := cmd.Flags().GetString("name")
			dashboards, _ := cmd.Flags().GetStringSlice("dashboards")

			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			record := userstore.UserRecord{
				Username:   args[0],
				Password:   password,
				Role:       role,
				Name:       name,
				Dashboards: dashboards,
			}
			if err := store.Upsert(ctx, record); err != nil {
				return fmt.Errorf("failed to upsert user: %w", err)
			}
			fmt.Printf("User %s saved\n", args[0])
			return nil
		},
	}
	upsertCmd.Flags().String("password", "", "password (empty keeps the stored one)")
	upsertCmd.Flags().String("role", userstore.RoleReadOnly, "role (admin, readonly)")
	upsertCmd.Flags().String("name", "", "display name")
	upsertCmd.Flags().StringSlice("dashboards", nil, "dashboard grants")

	deleteCmd := &cobra.Command{
		Use:   "delete <username>",
		Short: "Delete a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := setupUserStore(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			if err := store.Delete(ctx, args[0]); err != nil {
				return fmt.Errorf("failed to delete user: %w", err)
			}
			fmt.Printf("User %s deleted\n", args[0])
			return nil
		},
	}

	cmd.AddCommand(listCmd, upsertCmd, deleteCmd)
	return cmd
}

func setupUserStore(cmd *cobra.Command) (*userstore.Store, error) {
	configFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	store, err := objectstore.New(cfg.Storage)
	if err != nil {
		return nil, fmt.Errorf("failed to create object store: %w", err)
	}
	return userstore.New(store, cfg.Users), nil
}
