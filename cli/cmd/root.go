package cmd

import (
	"os"
	"strings"

	"github.com/spf13/cobra"

	"shipyard/cli/api"
)

var (
	apiURL   string
	apiToken string
	apiUser  string
	client   *api.Client
)

var rootCmd = &cobra.Command{
	Use:   "shipyard",
	Short: "Build, deploy and verify services",
	Long: `Shipyard builds a service image, registers a task definition revision,
rolls it out and waits until the scheduler reports the rollout complete.

Deploy through the API server, or run the whole pipeline in-process from CI.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		client = api.New(apiURL, apiToken, apiUser)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	defaultURL := os.Getenv("SHIPYARD_URL")
	if defaultURL == "" {
		defaultURL = "http://localhost:8810"
	}
	defaultUser := os.Getenv("SHIPYARD_USER")
	if defaultUser == "" {
		defaultUser = os.Getenv("USER")
	}
	rootCmd.PersistentFlags().StringVar(&apiURL, "api", defaultURL, "Shipyard API URL")
	rootCmd.PersistentFlags().StringVar(&apiToken, "token", os.Getenv("SHIPYARD_API_TOKEN"), "API bearer token")
	rootCmd.PersistentFlags().StringVar(&apiUser, "user", defaultUser, "name recorded as the run's trigger")
}

func padRight(s string, n int) string {
	if len(s) >= n {
		return s
	}
	return s + strings.Repeat(" ", n-len(s))
}
