package cmd

import (
	"encoding/base64"
	"fmt"

	"github.com/signalix/stepup/internal/auth"
	"github.com/spf13/cobra"
)

var keysCmd = &cobra.Command{
	Use:   "keys",
	Short: "Token signing key tooling",
}

var keysGenerateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate an Ed25519 key pair as JWT_PRIVATE_KEY / JWT_PUBLIC_KEY lines",
	RunE: func(cmd *cobra.Command, args []string) error {
		privatePEM, publicPEM, err := auth.GenerateKeyPairPEM()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "JWT_PRIVATE_KEY=%s\n", base64.StdEncoding.EncodeToString(privatePEM))
		fmt.Fprintf(out, "JWT_PUBLIC_KEY=%s\n", base64.StdEncoding.EncodeToString(publicPEM))
		return nil
	},
}

func init() {
	keysCmd.AddCommand(keysGenerateCmd)
	rootCmd.AddCommand(keysCmd)
}
