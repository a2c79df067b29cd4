package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"shipyard/cli/style"
)

var healthCmd = &cobra.Command{
	Use:     "health",
	Short:   "Check the services a deploy depends on",
	Aliases: []string{"doctor"},
	RunE:    runHealth,
}

func init() {
	rootCmd.AddCommand(healthCmd)
}

var serviceNames = map[string]string{
	"postgres": "PostgreSQL",
	"nomad":    "Nomad",
	"consul":   "Consul",
	"ecs":      "ECS",
	"docker":   "Docker",
	"s3":       "S3",
}

func runHealth(cmd *cobra.Command, args []string) error {
	h, err := client.Health()
	if err != nil {
		fmt.Println(style.ErrorBox.Render("Cannot reach Shipyard API at " + apiURL))
		return err
	}

	fmt.Println(style.Banner.Render("⚡ SHIPYARD HEALTH"))

	for _, svc := range h.Services {
		name := serviceNames[svc.Name]
		if name == "" {
			name = svc.Name
		}

		label := style.Warning.Render(svc.Status)
		switch svc.Status {
		case "up":
			label = style.Healthy.Render("up")
		case "down":
			label = style.Unhealthy.Render("down")
		}
		detail := ""
		if svc.Details != "" {
			detail = "  " + style.DimText.Render(svc.Details)
		}
		fmt.Printf("  %s  %s %s%s\n", style.ServiceDot(svc.Status), style.Bold.Render(padRight(name, 12)), label, detail)
	}
	fmt.Println()

	if h.Status == "healthy" {
		fmt.Println(style.SuccessBox.Render("All services healthy"))
	} else {
		fmt.Println(style.ErrorBox.Render("Some services are down; deploys may fail"))
	}
	return nil
}
