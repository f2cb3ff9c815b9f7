// DotAgent - Ultra-lightweight personal AI agent
// Inspired by and based on nanobot: https://github.com/HKUDS/nanobot
// License: MIT
//
// Copyright (c) 2026 DotAgent contributors

package main

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	_ "time/tzdata"

	"github.com/joho/godotenv"

	"github.com/dotsetgreg/dottask/pkg/config"
	"github.com/dotsetgreg/dottask/pkg/logger"
)

var (
	version   = "dev"
	gitCommit string
	buildTime string
	goVersion string
)

const appName = "dottask"

// formatVersion returns the version string with optional git commit
func formatVersion() string {
	v := version
	if gitCommit != "" {
		v += fmt.Sprintf(" (git: %s)", gitCommit)
	}
	return v
}

// formatBuildInfo returns build time and go version info
func formatBuildInfo() (build string, goVer string) {
	if buildTime != "" {
		build = buildTime
	}
	goVer = goVersion
	if goVer == "" {
		goVer = runtime.Version()
	}
	return
}

func printVersion() {
	fmt.Printf("%s %s\n", appName, formatVersion())
	build, goVer := formatBuildInfo()
	if build != "" {
		fmt.Printf("  Build: %s\n", build)
	}
	if goVer != "" {
		fmt.Printf("  Go: %s\n", goVer)
	}
}

func main() {
	// A .env next to the binary is optional.
	_ = godotenv.Load()

	err := executeCLI()
	logger.Sync()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// configPath resolves the config file: --config, then DOTTASK_CONFIG, then
// ~/.dottask/config.json.
func configPath(flagValue string) string {
	if p := strings.TrimSpace(flagValue); p != "" {
		return config.ExpandHome(p)
	}
	if p := strings.TrimSpace(os.Getenv("DOTTASK_CONFIG")); p != "" {
		return config.ExpandHome(p)
	}
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".dottask", "config.json")
}

func onboard(path string) error {
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Config already exists at %s\n", path)
		fmt.Print("Overwrite? (y/n): ")
		reader := bufio.NewReader(os.Stdin)
		response, readErr := reader.ReadString('\n')
		if readErr != nil {
			fmt.Println("Aborted.")
			return fmt.Errorf("read input: %w", readErr)
		}
		response = strings.ToLower(strings.TrimSpace(response))
		if response != "y" && response != "yes" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	cfg := config.DefaultConfig()
	if err := config.SaveConfig(path, cfg); err != nil {
		return fmt.Errorf("save config: %w", err)
	}
	workspace := cfg.WorkspacePath()
	if err := os.MkdirAll(filepath.Join(workspace, "state"), 0o755); err != nil {
		return fmt.Errorf("create workspace: %w", err)
	}

	fmt.Printf("%s is ready!\n", appName)
	fmt.Println("\nNext steps:")
	fmt.Println("  1. Add your API key to", path)
	fmt.Println("     Get one at: https://openrouter.ai/keys")
	fmt.Println("  2. Optionally enable Gmail (mail.gmail) and Discord (channels.discord)")
	fmt.Println("  3. Start the agent: dottask serve")
	return nil
}

func statusCmd(path string) error {
	cfg, err := config.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	fmt.Printf("%s Status\n", appName)
	fmt.Printf("Version: %s\n", formatVersion())
	if build, _ := formatBuildInfo(); build != "" {
		fmt.Printf("Build: %s\n", build)
	}
	fmt.Println()

	mark := func(p string) string {
		if _, err := os.Stat(p); err == nil {
			return "✓"
		}
		return "✗"
	}
	fmt.Println("Config:", path, mark(path))
	fmt.Println("Workspace:", cfg.WorkspacePath(), mark(cfg.WorkspacePath()))
	fmt.Println("State DB:", cfg.StatePath(), mark(cfg.StatePath()))

	ready := func(ok bool) string {
		if ok {
			return "✓"
		}
		return "not set"
	}
	fmt.Printf("Provider: %s (%s)\n", cfg.Providers.Provider, cfg.Providers.Model)
	fmt.Printf("Timezone: %s\n", cfg.Agent.Timezone)
	fmt.Printf("Gateway: http://%s:%d\n", cfg.Gateway.Host, cfg.Gateway.Port)
	fmt.Println("Gmail:", ready(cfg.Mail.Gmail.Enabled && cfg.Mail.Gmail.CredentialsFile != ""))
	fmt.Println("Discord:", ready(cfg.Channels.Discord.Enabled && cfg.Channels.Discord.Token != ""))
	if err := cfg.Validate(); err != nil {
		fmt.Println("Ready: ✗")
		for _, line := range strings.Split(err.Error(), "\n") {
			fmt.Println("  -", line)
		}
		return nil
	}
	fmt.Println("Ready: ✓")
	return nil
}
