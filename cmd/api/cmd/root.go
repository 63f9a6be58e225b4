package cmd

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "stepup",
	Short: "Step-up authentication service",
	Long: `Session-based login with a TOTP second factor that elevates a session
for sensitive operations. Runs the HTTP API by default.`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// .env is optional; real environment variables win
		_ = godotenv.Load(".env")
	},
	RunE: runServe,
}

// Execute runs the command tree and exits non-zero on failure
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
