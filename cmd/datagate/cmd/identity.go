package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/datagate-labs/datagate/internal/adapter/outbound/store"
	"github.com/datagate-labs/datagate/internal/config"
	"github.com/datagate-labs/datagate/internal/domain/identity"
	"github.com/datagate-labs/datagate/internal/service"
)

var identityCmd = &cobra.Command{
	Use:   "identity",
	Short: "Manage caller identities",
	Long: `Manage the server-side identity records callers resolve to.

Role and region are always taken from these records, never from the
request envelope.`,
}

var identityAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Register or replace an identity",
	Long: `Register a caller identity, or replace an existing one with
the same external user ID.

Examples:
  datagate identity add --user U006ANALYST --role data_analyst --name "Dana Analyst"
  datagate identity add --user U003SALES --role sales --region NA`,
	RunE: runIdentityAdd,
}

var (
	identityUser   string
	identityName   string
	identityRole   string
	identityRegion string
)

func init() {
	identityAddCmd.Flags().StringVar(&identityUser, "user", "", "external user ID (required)")
	identityAddCmd.Flags().StringVar(&identityName, "name", "", "display name, shown in approval prompts")
	identityAddCmd.Flags().StringVar(&identityRole, "role", "", "role: intern, marketing, sales, data_analyst, admin (required)")
	identityAddCmd.Flags().StringVar(&identityRegion, "region", "", "region: NA, EMEA, APAC, LATAM (required for sales)")
	_ = identityAddCmd.MarkFlagRequired("user")
	_ = identityAddCmd.MarkFlagRequired("role")

	identityCmd.AddCommand(identityAddCmd)
	rootCmd.AddCommand(identityCmd)
}

func runIdentityAdd(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	ctx := context.Background()
	db, err := store.Open(cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := db.Migrate(ctx); err != nil {
		return err
	}

	id := &identity.Identity{
		ExternalUserID: identityUser,
		DisplayName:    identityName,
		Role:           identity.Role(identityRole),
		Region:         identity.Region(identityRegion),
	}
	if err := id.Validate(); err != nil {
		return err
	}

	identities := service.NewIdentityService(store.NewIdentityStore(db), newLogger(cfg))
	if err := identities.Register(ctx, id); err != nil {
		return err
	}
	fmt.Printf("registered %s (%s", id.ExternalUserID, id.Role)
	if id.Region != "" {
		fmt.Printf(", %s", id.Region)
	}
	fmt.Println(")")
	return nil
}
