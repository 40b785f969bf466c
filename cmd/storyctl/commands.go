package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"kidstel-story-agent/internal/auth"
	"kidstel-story-agent/internal/config"
	"kidstel-story-agent/internal/database"
	"kidstel-story-agent/internal/policy"

	"cloud.google.com/go/firestore"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"google.golang.org/api/option"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "storyctl",
		Short:         "Operational tools for the KidsTel story agent",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("env", ".env", "path to .env file")

	policyCmd := &cobra.Command{
		Use:   "policy",
		Short: "Inspect runtime policy documents",
	}
	policyCmd.AddCommand(newPolicyCheckCmd(), newPolicyShowCmd())

	migrateCmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the PostgreSQL schema",
	}
	migrateCmd.AddCommand(newMigrateUpCmd())

	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Development tokens for AUTH_PROVIDER=jwt",
	}
	tokenCmd.AddCommand(newTokenMintCmd())

	root.AddCommand(policyCmd, migrateCmd, tokenCmd)
	return root
}

// --- policy ---

func newPolicyCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check <file|->",
		Short: "Validate a policy document and print the effective policy",
		Long: `Validate a policy document with the same rules the agent applies.

Examples:
  storyctl policy check ./policy.json
  cat policy.json | storyctl policy check -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := readInput(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}
			p, err := policy.Parse(data)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
}

func newPolicyShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Load the policy from the configured source and print it",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			var source policy.Source
			if cfg.PolicyMode == config.PolicyModeStatic {
				source = policy.StaticSource{JSON: cfg.PolicyStaticJSON}
			} else {
				var opts []option.ClientOption
				if cfg.CredentialsFile != "" {
					opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
				}
				client, err := firestore.NewClientWithDatabase(ctx, cfg.ProjectID(), cfg.FirestoreDatabaseID, opts...)
				if err != nil {
					return fmt.Errorf("firestore client: %w", err)
				}
				defer client.Close()
				source = policy.FirestoreSource{Client: client}
			}

			p, err := policy.NewLoader(source, cfg.PolicyTTL, zap.NewNop()).GetPolicy(ctx)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), p)
		},
	}
}

// --- migrate ---

func newMigrateUpCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations (STORE_BACKEND=postgres)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.StoreBackend != config.StoreBackendPostgres {
				return fmt.Errorf("migrations apply only to STORE_BACKEND=postgres, got %q", cfg.StoreBackend)
			}
			state, err := database.MigrateStorySchema(cfg.GetDSN())
			if err != nil {
				return err
			}
			if state.Changed {
				fmt.Fprintf(cmd.OutOrStdout(), "story schema migrated to version %d\n", state.Version)
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "story schema already at version %d\n", state.Version)
			}
			return nil
		},
	}
}

// --- token ---

func newTokenMintCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Sign an HS256 ID token for a test user",
		Long: `Sign an HS256 ID token accepted by the agent when AUTH_PROVIDER=jwt.

Examples:
  storyctl token mint --uid tester_1
  storyctl token mint --uid tester_1 --ttl 24h --secret "$JWT_SECRET"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, _ := cmd.Flags().GetString("uid")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			secret, _ := cmd.Flags().GetString("secret")
			if secret == "" {
				secret = config.ReadOptionalSecret("jwt_secret")
			}
			token, err := auth.IssueToken(secret, uid, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("uid", "", "subject of the token")
	cmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	cmd.Flags().String("secret", "", "signing secret (defaults to the jwt_secret secret)")
	_ = cmd.MarkFlagRequired("uid")
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	envPath, _ := cmd.Flags().GetString("env")
	return config.LoadConfig(envPath)
}

func readInput(stdin io.Reader, arg string) ([]byte, error) {
	if arg == "-" {
		return io.ReadAll(stdin)
	}
	data, err := os.ReadFile(arg)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", arg, err)
	}
	return data, nil
}

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
