package cmd

import (
	"fmt"

	"github.com/signalix/stepup/internal/auth"
	"github.com/signalix/stepup/internal/config"
	"github.com/spf13/cobra"
)

var newUser auth.NewUser

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage users",
}

var userCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create an active user and print its TOTP provisioning URI",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()
		if a.cfg.StoreDriver == config.StoreMemory {
			return fmt.Errorf("user create needs a persistent store; set STORE_DRIVER")
		}

		engine, err := a.totp()
		if err != nil {
			return err
		}
		// Creating a user touches neither the cache nor tokens
		stepUp := auth.NewStepUp(nil, a.users, nil, engine, nil, nil, auth.StepUpConfig{
			TOTPIssuer: a.cfg.TOTPIssuer,
			Logger:     a.logger,
		})
		service := auth.NewAuthService(a.users, nil, stepUp, a.logger)

		user, uri, err := service.CreateUser(cmd.Context(), newUser)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "id:  %s\nuri: %s\n", user.ID, uri)
		return nil
	},
}

func init() {
	f := userCreateCmd.Flags()
	f.StringVar(&newUser.Username, "username", "", "login name (required)")
	f.StringVar(&newUser.Email, "email", "", "email address (required)")
	f.StringVar(&newUser.PhoneNumber, "phone", "", "phone number")
	f.StringVar(&newUser.FullName, "name", "", "full name")
	f.StringVar(&newUser.Password, "password", "", "password, at least 8 characters (required)")
	_ = userCreateCmd.MarkFlagRequired("username")
	_ = userCreateCmd.MarkFlagRequired("email")
	_ = userCreateCmd.MarkFlagRequired("password")

	userCmd.AddCommand(userCreateCmd)
	rootCmd.AddCommand(userCmd)
}
