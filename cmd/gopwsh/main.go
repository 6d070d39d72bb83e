package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/gopwsh/gopwsh/config"
	"github.com/gopwsh/gopwsh/logger"
	"github.com/gopwsh/gopwsh/manager"
	"github.com/gopwsh/gopwsh/paths"
	"github.com/gopwsh/gopwsh/pwsh"
)

// Build-time variables - can be set via ldflags
var (
	Version = "dev"
)

// Global flags
var (
	configPath string
	debug      bool
	timeoutStr string
	asJSON     bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "gopwsh",
	Short: "Run commands in a persistent PowerShell session",
	Long: `gopwsh keeps a single PowerShell process alive and runs commands in it,
so state ($variables, loaded modules, working directory) carries over
between commands instead of paying process startup for every call.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		logger.SetDebug(debug)
		return nil
	},
}

var execCmd = &cobra.Command{
	Use:   "exec <command>",
	Short: "Execute one PowerShell command",
	Long: `Execute one PowerShell command in the managed session and print its
output. With --json the command output is forced through ConvertTo-Json
and printed as decoded JSON.`,
	Args: cobra.ExactArgs(1),
	RunE: execCommand,
}

var scriptCmd = &cobra.Command{
	Use:   "script <file>",
	Short: "Run a PowerShell script file line by line",
	Long: `Run the lines of a script file as a single command in the managed
session. Use "-" to read the script from stdin.`,
	Args: cobra.ExactArgs(1),
	RunE: scriptCommand,
}

var testCmd = &cobra.Command{
	Use:   "test",
	Short: "Verify a PowerShell session can be started",
	RunE:  testCommand,
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and manage gopwsh configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	RunE:  configShowCommand,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	RunE:  configInitCommand,
}

var configSchemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Print the JSON schema of the config file",
	RunE:  configSchemaCommand,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("gopwsh %s\n", Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to config file (default: standard config location)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	execCmd.Flags().StringVarP(&timeoutStr, "timeout", "t", "", "Per-command timeout (e.g. 45s, 2m)")
	execCmd.Flags().BoolVar(&asJSON, "json", false, "Force JSON output via ConvertTo-Json")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configSchemaCmd)

	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(scriptCmd)
	rootCmd.AddCommand(testCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadSettings resolves the config flag to effective settings.
func loadSettings() (*config.Settings, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.LoadDefault()
}

// newController builds a controller and a signal-aware context.
func newController() (*manager.Controller, context.Context, context.CancelFunc, error) {
	cfg, err := loadSettings()
	if err != nil {
		return nil, nil, nil, err
	}
	if debug {
		cfg.Debug = true
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return manager.NewController(cfg), ctx, cancel, nil
}

func execCommand(cmd *cobra.Command, args []string) error {
	ctrl, ctx, cancel, err := newController()
	if err != nil {
		return err
	}
	defer cancel()
	defer ctrl.Close()

	command := args[0]

	if asJSON {
		value, err := ctrl.GetJSON(ctx, command)
		if err != nil {
			return err
		}
		return printJSON(value)
	}

	var result *pwsh.CommandResult
	if timeoutStr != "" {
		timeout, err := time.ParseDuration(timeoutStr)
		if err != nil {
			return fmt.Errorf("invalid timeout %q: %w", timeoutStr, err)
		}
		result, err = ctrl.ExecuteWithTimeout(ctx, command, timeout)
		if err != nil {
			return err
		}
	} else {
		result, err = ctrl.Execute(ctx, command)
		if err != nil {
			return err
		}
	}

	if result.Output != "" {
		fmt.Println(result.Output)
	}
	return nil
}

func scriptCommand(cmd *cobra.Command, args []string) error {
	lines, err := readScript(args[0])
	if err != nil {
		return err
	}

	ctrl, ctx, cancel, err := newController()
	if err != nil {
		return err
	}
	defer cancel()
	defer ctrl.Close()

	result, err := ctrl.ExecuteScript(ctx, lines)
	if err != nil {
		return err
	}
	if result.Output != "" {
		fmt.Println(result.Output)
	}
	return nil
}

func readScript(path string) ([]string, error) {
	var scanner *bufio.Scanner
	if path == "-" {
		scanner = bufio.NewScanner(os.Stdin)
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("error reading script %s: %w", path, err)
		}
		defer f.Close()
		scanner = bufio.NewScanner(f)
	}

	var lines []string
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("error reading script: %w", err)
	}
	return lines, nil
}

func testCommand(cmd *cobra.Command, args []string) error {
	ctrl, ctx, cancel, err := newController()
	if err != nil {
		return err
	}
	defer cancel()
	defer ctrl.Close()

	if !ctrl.TestConnection(ctx) {
		return fmt.Errorf("PowerShell session did not answer")
	}
	fmt.Println("OK")
	return nil
}

func configShowCommand(cmd *cobra.Command, args []string) error {
	cfg, err := loadSettings()
	if err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	fmt.Print(string(data))
	return nil
}

func configInitCommand(cmd *cobra.Command, args []string) error {
	path := configPath
	if path == "" {
		var err error
		path, err = paths.ConfigFilePath()
		if err != nil {
			return err
		}
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file already exists: %s", path)
	}
	if err := config.Default().Save(path); err != nil {
		return err
	}
	fmt.Println("Wrote", path)
	return nil
}

func configSchemaCommand(cmd *cobra.Command, args []string) error {
	schema, err := config.Schema()
	if err != nil {
		return err
	}
	fmt.Println(string(schema))
	return nil
}

func printJSON(value any) error {
	data, err := json.MarshalIndent(value, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
