package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/lantern-network/lantern/internal/api"
)

func init() {
	rootCmd.AddCommand(tokenCmd)

	tokenCmd.Flags().Bool("admin", false, "issue an admin token instead of a service token")
	tokenCmd.Flags().String("account", "", "account ID to bind the token to")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")
}

var tokenCmd = &cobra.Command{
	Use:   "token SUBJECT",
	Short: "Issue an API bearer token",
	Long: `Sign a bearer token for the HTTP API. Service tokens run charges and
reads; admin tokens additionally mint credits, approve payouts and change
distribution rules.`,
	Args: cobra.ExactArgs(1),
	RunE: runToken,
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	auth, err := api.NewAuth(api.AuthConfig{
		ServiceSecret: []byte(cfg.Auth.ServiceSecret),
		AdminSecret:   []byte(cfg.Auth.AdminSecret),
		Issuer:        cfg.Auth.Issuer,
	})
	if err != nil {
		return err
	}

	admin, _ := cmd.Flags().GetBool("admin")
	account, _ := cmd.Flags().GetString("account")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	audience := api.AudienceService
	if admin {
		audience = api.AudienceAdmin
	}
	token, err := auth.MintToken(args[0], account, audience, ttl)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, token)
	return nil
}
