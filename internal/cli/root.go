package cli

import (
	"fmt"
	"io"
	"os"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/Martian-dev/invoice-ingest/internal/config"
)

// GlobalFlags contains global flags available for all commands
type GlobalFlags struct {
	Config  string
	Verbose bool
	JSON    bool
	NoColor bool
}

// RootCmd represents the base command when called without any subcommands
var RootCmd = &cobra.Command{
	Use:   "invoice-ingest",
	Short: "Invoice Ingest - email invoice ingestion and synchronization",
	Long: `Invoice Ingest sweeps connected Gmail and Outlook mailboxes for PDF
invoices sent by allow-listed suppliers, stores them, and requests their
analysis downstream.

Usage:
  invoice-ingest [command] [flags]

Available Commands:
  serve      Start the HTTP triggers, scheduler and outbox dispatcher
  sync       Run one sweep and print the report
  version    Print version information

Flags:
  --config string   Path to configuration file (default "config.yaml")
  --verbose         Enable verbose output
  --json            Output in JSON format
  --no-color        Disable colored output

Use "invoice-ingest [command] --help" for more information about a command.`,
	SilenceUsage: true,
}

var globalFlags GlobalFlags

// InitRoot initializes the root command with global flags
func InitRoot() {
	configPath := os.Getenv(config.EnvConfigPath)
	if configPath == "" {
		configPath = "config.yaml"
	}

	RootCmd.PersistentFlags().StringVar(&globalFlags.Config, "config", configPath, "Path to configuration file")
	RootCmd.PersistentFlags().BoolVarP(&globalFlags.Verbose, "verbose", "v", false, "Enable verbose output")
	RootCmd.PersistentFlags().BoolVar(&globalFlags.JSON, "json", false, "Output in JSON format")
	RootCmd.PersistentFlags().BoolVar(&globalFlags.NoColor, "no-color", false, "Disable colored output")

	RootCmd.AddCommand(versionCmd)
}

// GetGlobalFlags returns the global flags
func GetGlobalFlags() GlobalFlags {
	return globalFlags
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number of Invoice Ingest",
	Run: func(cmd *cobra.Command, args []string) {
		printVersion(cmd.OutOrStdout())
	},
}

func printVersion(w io.Writer) {
	info := GetVersionInfo()
	fmt.Fprintln(w, "Invoice Ingest Version:", info.Version)
	fmt.Fprintln(w, "Go Version:", info.GoVersion)
	fmt.Fprintln(w, "OS/Arch:", info.OS+"/"+info.Arch)
	fmt.Fprintln(w, "Build Date:", info.BuildDate)
}

// Version and BuildDate are set at link time
var (
	Version   = "0.1.0"
	BuildDate = "unknown"
)

// VersionInfo contains version information
type VersionInfo struct {
	Version   string
	GoVersion string
	OS        string
	Arch      string
	BuildDate string
}

// GetVersionInfo returns version information
func GetVersionInfo() VersionInfo {
	return VersionInfo{
		Version:   Version,
		GoVersion: runtime.Version(),
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		BuildDate: BuildDate,
	}
}
