package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"shipyard/cli/style"
)

var secretsCmd = &cobra.Command{
	Use:   "secrets <service>",
	Short: "List secret names injected into a service",
	Args:  cobra.ExactArgs(1),
	RunE:  runSecrets,
}

func init() {
	rootCmd.AddCommand(secretsCmd)
}

func runSecrets(cmd *cobra.Command, args []string) error {
	service := args[0]

	secrets, err := client.ListSecrets(service)
	if err != nil {
		return fmt.Errorf("failed to fetch secrets: %w", err)
	}

	if len(secrets) == 0 {
		fmt.Println(style.DimText.Render("No secrets configured for " + service))
		return nil
	}

	fmt.Println(style.Banner.Render("🔑 SECRETS") + "  " + style.Bold.Render(service))

	for _, name := range secrets {
		fmt.Printf("  %s  %s\n", style.DotDim, style.Val.Render(name))
	}

	fmt.Println()
	fmt.Println(style.DimText.Render(fmt.Sprintf("  %d secret(s), decrypted with sops at deploy time", len(secrets))))
	return nil
}
