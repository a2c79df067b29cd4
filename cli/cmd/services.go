package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"shipyard/cli/style"
)

var servicesCmd = &cobra.Command{
	Use:     "services",
	Short:   "List deployable services",
	Aliases: []string{"ls"},
	RunE:    runServices,
}

func init() {
	rootCmd.AddCommand(servicesCmd)
}

func runServices(cmd *cobra.Command, args []string) error {
	services, err := client.ListServices()
	if err != nil {
		return fmt.Errorf("failed to fetch services: %w", err)
	}

	if len(services) == 0 {
		fmt.Println(style.DimText.Render("No services discovered. Add a deployspec.yaml with deploy: true to a service directory."))
		return nil
	}

	fmt.Println(style.Banner.Render("⚡ SHIPYARD") + style.DimText.Render(fmt.Sprintf("  %d service(s)", len(services))))

	header := fmt.Sprintf("  %-2s %-20s %-14s %-20s %s", "", "SERVICE", "CLUSTER", "FAMILY", "REPOSITORY")
	fmt.Println(style.TableHeader.Render(header))
	for _, s := range services {
		dot := style.DotHealthy
		if !s.Buildable {
			dot = style.DotDim
		}
		fmt.Printf("  %s  %s %s %s %s\n",
			dot,
			style.Bold.Render(padRight(s.Service, 20)),
			style.Val.Render(padRight(s.Cluster, 14)),
			style.Val.Render(padRight(s.Family, 20)),
			style.DimText.Render(s.Repository),
		)
	}
	fmt.Println()
	return nil
}
