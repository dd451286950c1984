package cli

import (
	"fmt"
	"os"
	"sync"
)

var cliInit sync.Once

// InitCLI initializes the CLI framework with all commands. Subcommands
// register themselves in their init functions.
func InitCLI() {
	cliInit.Do(InitRoot)
}

// Execute runs the root command with the given arguments
func Execute(args []string) error {
	InitCLI()
	RootCmd.SetArgs(args)

	if err := RootCmd.Execute(); err != nil {
		return fmt.Errorf("command execution failed: %w", err)
	}
	return nil
}

// ExecuteWithErrorCode runs the root command and returns the exit code
func ExecuteWithErrorCode(args []string) int {
	if err := Execute(args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}
