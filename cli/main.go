package main

import (
	"errors"
	"fmt"
	"os"
	"os/exec"

	"shipyard/cli/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		// harness workloads report their own exit status
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.ExitCode())
		}
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
