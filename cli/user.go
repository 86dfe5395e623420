package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orbital-hq/orbital/api"
	"github.com/orbital-hq/orbital/db"
)

var userRole string

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage user accounts",
}

var userAddCmd = &cobra.Command{
	Use:   "add <username> <password>",
	Short: "Create or update a user account",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx := context.Background()
		database, err := db.New(ctx, cfg.Database)
		if err != nil {
			return err
		}
		defer database.Close()

		if err := database.Bootstrap(ctx); err != nil {
			return err
		}

		users := api.NewUserStore(database)
		if err := users.Ensure(ctx, args[0], args[1], userRole); err != nil {
			return err
		}
		fmt.Printf("user %s saved with role %s\n", args[0], userRole)
		return nil
	},
}

func init() {
	userAddCmd.Flags().StringVar(&userRole, "role", "user", "account role (user or admin)")
	userCmd.AddCommand(userAddCmd)
}
