package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"shipyard/api/config"
	"shipyard/api/model"
	"shipyard/cli/style"
)

var validateFile string

var validateCmd = &cobra.Command{
	Use:     "validate [service]",
	Short:   "Validate deployment descriptors for all services or one service",
	Aliases: []string{"check", "lint"},
	Args:    cobra.MaximumNArgs(1),
	RunE:    runValidate,
}

func init() {
	validateCmd.Flags().StringVarP(&validateFile, "file", "f", "", "validate a local descriptor instead of asking the API")
	rootCmd.AddCommand(validateCmd)
}

var errValidation = errors.New("validation failed")

func runValidate(cmd *cobra.Command, args []string) error {
	if validateFile != "" {
		return validateLocal(validateFile)
	}
	if len(args) == 1 {
		return validateOne(args[0])
	}
	return validateAll()
}

func validateLocal(path string) error {
	desc, err := model.LoadDescriptor(path)
	if err != nil {
		return err
	}
	result := model.ValidateDescriptor(desc.WithDefaults(config.Load().Defaults()))

	fmt.Println(style.Banner.Render("⚡ SHIPYARD VALIDATE"))
	printResultRow(*result)
	fmt.Println()
	if result.Errors > 0 {
		return errValidation
	}
	return nil
}

func validateAll() error {
	results, err := client.ValidateAll()
	if err != nil {
		return fmt.Errorf("failed to validate: %w", err)
	}

	if len(results) == 0 {
		fmt.Println(style.DimText.Render("No services discovered."))
		return nil
	}

	fmt.Println(style.Banner.Render("⚡ SHIPYARD VALIDATE"))

	totalErrors, totalWarnings := 0, 0
	for _, r := range results {
		printResultRow(r)
		totalErrors += r.Errors
		totalWarnings += r.Warnings
	}
	fmt.Println()

	if totalErrors > 0 {
		fmt.Println(style.ErrorBox.Render(fmt.Sprintf("  %d error(s), %d warning(s) across %d service(s)  ", totalErrors, totalWarnings, len(results))))
		return errValidation
	}

	fmt.Println(style.SuccessBox.Render(fmt.Sprintf("  All %d service(s) passed validation  ", len(results))))
	return nil
}

func validateOne(service string) error {
	result, err := client.ValidateService(service)
	if err != nil {
		return fmt.Errorf("failed to validate %s: %w", service, err)
	}

	fmt.Println(style.Banner.Render("⚡ SHIPYARD VALIDATE"))
	printResultRow(*result)
	fmt.Println()

	if result.Errors > 0 {
		return errValidation
	}
	return nil
}

func printResultRow(r model.ValidationResult) {
	name := style.Bold.Render(padRight(r.Service, 24))

	if r.Errors == 0 && r.Warnings == 0 {
		fmt.Printf("  %s %s\n", name, style.Healthy.Render("PASS"))
		return
	}

	var parts []string
	if r.Errors > 0 {
		parts = append(parts, style.Unhealthy.Render(fmt.Sprintf("FAIL  %d error(s)", r.Errors)))
	}
	if r.Warnings > 0 {
		parts = append(parts, style.Warning.Render(fmt.Sprintf("%d warning(s)", r.Warnings)))
	}
	fmt.Printf("  %s %s\n", name, strings.Join(parts, "  "))

	for _, f := range r.Findings {
		dot := style.DotDim
		switch f.Severity {
		case model.SeverityError:
			dot = style.DotUnhealthy
		case model.SeverityWarning:
			dot = style.DotWarning
		}

		tag := ""
		if f.Field != "" {
			tag = " " + style.DimText.Render("["+f.Field+"]")
		}
		fmt.Printf("    %s %s%s\n", dot, f.Message, tag)
	}
}
