package main

import (
	"context"
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/MarcoPoloResearchLab/timberline/internal/config"
	"github.com/MarcoPoloResearchLab/timberline/internal/keys"
	"github.com/MarcoPoloResearchLab/timberline/internal/records"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var errDeletedUser = errors.New("user is deleted")

func withRuntime(run func(ctx context.Context, rt *runtime, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		appConfig, err := config.Load(viper.GetViper())
		if err != nil {
			return err
		}
		rt, err := openRuntime(appConfig)
		if err != nil {
			return err
		}
		defer rt.Close()
		return run(cmd.Context(), rt, args)
	}
}

func newTenantsCommand() *cobra.Command {
	tenantsCmd := &cobra.Command{Use: "tenants", Short: "Manage tenant stores"}

	var adminID, adminName string
	createCmd := &cobra.Command{
		Use:   "create <tenant>",
		Short: "Create a tenant store and its first admin user",
		Args:  cobra.ExactArgs(1),
	}
	createCmd.Flags().StringVar(&adminID, "admin-id", "admin", "Identifier of the initial admin user")
	createCmd.Flags().StringVar(&adminName, "admin-name", "Administrator", "Display name of the initial admin user")
	createCmd.RunE = withRuntime(func(ctx context.Context, rt *runtime, args []string) error {
		tenantID := args[0]
		if _, err := rt.registry.Create(ctx, tenantID); err != nil {
			return err
		}
		repository, err := rt.directory.Repository(ctx, tenantID)
		if err != nil {
			return err
		}
		outcome, err := repository.Upsert(ctx, records.Mutation{
			Author: records.Author{UserID: adminID, Role: records.RoleAdmin},
			Entity: &records.User{
				Envelope: records.Envelope{ID: adminID, LastEdit: time.Now().UnixMilli()},
				Name:     adminName,
				Role:     records.RoleAdmin,
			},
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(createCmd.OutOrStdout(), "tenant %s ready, admin %s (%s)\n", tenantID, adminID, outcome.Verdict.Decision)
		return nil
	})

	tenantsCmd.AddCommand(createCmd)
	return tenantsCmd
}

func newKeysCommand() *cobra.Command {
	keysCmd := &cobra.Command{Use: "keys", Short: "Issue and revoke API keys"}

	var label string
	issueCmd := &cobra.Command{
		Use:   "issue <tenant> <user>",
		Short: "Issue an API key for a tenant user",
		Args:  cobra.ExactArgs(2),
	}
	issueCmd.Flags().StringVar(&label, "label", "", "Free-form note stored with the key")
	issueCmd.RunE = withRuntime(func(ctx context.Context, rt *runtime, args []string) error {
		tenantID, userID := args[0], args[1]
		user, err := rt.directory.LookupUser(ctx, tenantID, userID)
		if err != nil {
			return err
		}
		if bool(user.Deleted) {
			return fmt.Errorf("%w: %s", errDeletedUser, userID)
		}
		issued, err := rt.issuer.Issue(ctx, tenantID, userID)
		if err != nil {
			return err
		}
		if err := rt.keys.Register(ctx, keys.APIKey{
			KeyID:    issued.KeyID,
			TenantID: issued.TenantID,
			UserID:   issued.UserID,
			Label:    label,
		}); err != nil {
			return err
		}
		fmt.Fprintln(issueCmd.OutOrStdout(), issued.Token)
		return nil
	})

	revokeCmd := &cobra.Command{
		Use:   "revoke <key-id>",
		Short: "Revoke an issued API key",
		Args:  cobra.ExactArgs(1),
	}
	revokeCmd.RunE = withRuntime(func(ctx context.Context, rt *runtime, args []string) error {
		keyID := args[0]
		if err := rt.keys.Revoke(ctx, keyID); err != nil {
			return err
		}
		fmt.Fprintf(revokeCmd.OutOrStdout(), "revoked %s\n", keyID)
		return nil
	})

	listCmd := &cobra.Command{
		Use:   "list <tenant>",
		Short: "List the keys issued for a tenant",
		Args:  cobra.ExactArgs(1),
	}
	listCmd.RunE = withRuntime(func(ctx context.Context, rt *runtime, args []string) error {
		issued, err := rt.keys.List(ctx, args[0])
		if err != nil {
			return err
		}
		writer := tabwriter.NewWriter(listCmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "KEY ID\tUSER\tLABEL\tCREATED\tSTATUS")
		for _, key := range issued {
			status := "active"
			if key.Revoked() {
				status = "revoked"
			}
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
				key.KeyID, key.UserID, key.Label, key.CreatedAt.Format(time.RFC3339), status)
		}
		return writer.Flush()
	})

	keysCmd.AddCommand(issueCmd, revokeCmd, listCmd)
	return keysCmd
}
