package cmd

import (
	"fmt"

	"github.com/signalix/stepup/internal/auth"
	"github.com/spf13/cobra"
)

var otpCmd = &cobra.Command{
	Use:   "otp",
	Short: "One-time password tooling",
}

var otpURICmd = &cobra.Command{
	Use:   "uri <username|email|phone>",
	Short: "Print the provisioning URI for a user's current TOTP secret",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(cmd.Context())
		if err != nil {
			return err
		}
		defer a.Close()

		user, err := a.users.GetByCredential(cmd.Context(), args[0])
		if err != nil {
			return fmt.Errorf("failed to load user %q: %w", args[0], err)
		}
		engine, err := a.totp()
		if err != nil {
			return err
		}
		stepUp := auth.NewStepUp(nil, a.users, nil, engine, nil, nil, auth.StepUpConfig{
			TOTPIssuer: a.cfg.TOTPIssuer,
			Logger:     a.logger,
		})
		fmt.Fprintln(cmd.OutOrStdout(), stepUp.ProvisioningURI(user))
		return nil
	},
}

func init() {
	otpCmd.AddCommand(otpURICmd)
	rootCmd.AddCommand(otpCmd)
}
