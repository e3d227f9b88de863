package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/asmyshlyaev177/test-proxy-recorder/internal/config"
	"github.com/asmyshlyaev177/test-proxy-recorder/internal/logger"
	"github.com/asmyshlyaev177/test-proxy-recorder/internal/server"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

var rootCmd = &cobra.Command{
	Use:   "proxy <target-url> [target-url...]",
	Short: "Record/replay HTTP and WebSocket proxy for deterministic end-to-end tests",
	Long: `test-proxy-recorder sits between a client application and its backends.
It can pass traffic through unchanged, capture every exchange to a
per-session recording file, or answer from a previous recording without
contacting any backend. Tests flip modes over the /__control endpoint.
`,
	Args: cobra.ArbitraryArgs,
	RunE: runServer,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("test-proxy-recorder version %s\n", version)
		fmt.Printf("Commit: %s\n", commit)
		fmt.Printf("Built: %s\n", buildDate)
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration helpers",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a default config.yaml",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "config.yaml"
		if len(args) == 1 {
			path = args[0]
		}
		data, err := yaml.Marshal(config.Default())
		if err != nil {
			return err
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return err
		}
		fmt.Printf("Wrote %s\n", path)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().IntP("port", "p", 0, "Listen port (1025-65535)")
	rootCmd.PersistentFlags().String("recordings-dir", "", "Directory for recording files")
	rootCmd.PersistentFlags().String("dir", "", "Alias for --recordings-dir")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (trace, debug, info, warn, error)")
	rootCmd.PersistentFlags().String("log-format", "", "Log format (console, json)")
	rootCmd.PersistentFlags().Bool("silent", false, "Disable the console exchange printer")
	rootCmd.PersistentFlags().Bool("metrics", true, "Serve Prometheus metrics on /__metrics")

	viper.BindPFlag("server.port", rootCmd.PersistentFlags().Lookup("port"))
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("log.format", rootCmd.PersistentFlags().Lookup("log-format"))
	viper.BindPFlag("output.silent", rootCmd.PersistentFlags().Lookup("silent"))

	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(versionCmd, configCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(configPath, viper.GetViper())
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// Command line wins over file and environment.
	if len(args) > 0 {
		cfg.Targets = args
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Server.Port = port
	}
	if dir, _ := cmd.Flags().GetString("recordings-dir"); dir != "" {
		cfg.Recordings.Dir = dir
	} else if dir, _ := cmd.Flags().GetString("dir"); dir != "" {
		cfg.Recordings.Dir = dir
	}
	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Log.Level = level
	}
	if format, _ := cmd.Flags().GetString("log-format"); format != "" {
		cfg.Log.Format = format
	}
	if cmd.Flags().Changed("silent") {
		cfg.Output.Silent, _ = cmd.Flags().GetBool("silent")
	}
	if cmd.Flags().Changed("metrics") {
		cfg.Metrics.Enable, _ = cmd.Flags().GetBool("metrics")
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := logger.New(&cfg.Log)
	printBanner(cfg)

	srv, err := server.New(cfg, log)
	if err != nil {
		return err
	}
	return srv.Start()
}

func printBanner(cfg *config.Config) {
	title := color.New(color.FgCyan, color.Bold)
	dim := color.New(color.FgHiBlack)

	lines := []string{
		fmt.Sprintf("test-proxy-recorder v%s", version),
		"",
		fmt.Sprintf("Listening:   http://0.0.0.0:%d", cfg.Server.Port),
		fmt.Sprintf("Recordings:  %s", cfg.Recordings.Dir),
		"Control:     POST /__control",
	}
	for _, target := range cfg.Targets {
		lines = append(lines, fmt.Sprintf("Target:      %s", target))
	}
	lines = append(lines, "", "(Press Ctrl+C to stop)")

	width := 0
	for _, line := range lines {
		if w := runewidth.StringWidth(line); w > width {
			width = w
		}
	}
	width += 4

	fmt.Println()
	fmt.Printf("┌%s┐\n", strings.Repeat("─", width))
	for i, line := range lines {
		pad := width - 2 - runewidth.StringWidth(line)
		text := line
		if i == 0 {
			text = title.Sprint(line)
		} else if line == "(Press Ctrl+C to stop)" {
			text = dim.Sprint(line)
		}
		fmt.Printf("│ %s%s │\n", text, strings.Repeat(" ", pad))
	}
	fmt.Printf("└%s┘\n", strings.Repeat("─", width))
	fmt.Println()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
