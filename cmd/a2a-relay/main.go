// ABOUTME: Entry point for the a2a-relay server and its operator commands
// ABOUTME: Dispatches serve, init, health, agents and sessions subcommands

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/a2a-relay/internal/config"
	"github.com/2389/a2a-relay/internal/gateway"
)

// Version is set at build time.
var version = "dev"

const banner = `
         ___                           _
  __ _  |_  )  __ _   ___   _ _   ___ | |  __ _   _  _
 / _' |  / /  / _' | |___| | '_| / -_)| | / _' | | || |
 \__,_| /___| \__,_|       |_|   \___||_| \__,_|  \_, |
                                                  |__/
`

// getConfigPath returns the path to the relay config file.
// Priority: A2A_CONFIG env var > XDG_CONFIG_HOME/a2a-relay/relay.yaml > ~/.config/a2a-relay/relay.yaml
func getConfigPath() string {
	if envPath := os.Getenv("A2A_CONFIG"); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "relay.yaml" // fallback
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, "a2a-relay", "relay.yaml")
}

// getDataPath returns the path to the relay data directory.
// Priority: XDG_DATA_HOME/a2a-relay > ~/.local/share/a2a-relay
func getDataPath() string {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "data" // fallback
		}
		dataDir = filepath.Join(homeDir, ".local", "share")
	}

	return filepath.Join(dataDir, "a2a-relay")
}

func usage() {
	fmt.Println("Usage: a2a-relay <command>")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                  Start the relay server")
	fmt.Println("  init                   Create a new config file interactively")
	fmt.Println("  health                 Check relay health")
	fmt.Println("  agents [--all] [id]    List online (or all) agents, or show one agent")
	fmt.Println("  sessions               List active sessions")
	fmt.Println("  sessions end <id>      End a session")
	fmt.Println("  version                Print the version")
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	args := os.Args[2:]
	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runHealth(ctx, args)
	case "agents":
		err = runAgents(ctx, args)
	case "sessions":
		err = runSessions(ctx, args)
	case "version":
		fmt.Println(version)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	configPath := getConfigPath()

	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s\n", configPath)
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	if cfg.Server.GRPCAddr != "" {
		green.Print("    ▶ ")
		fmt.Printf("gRPC:      %s (health)\n", cfg.Server.GRPCAddr)
	}
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	green.Print("    ▶ ")
	fmt.Printf("AI agent:  %s ", cfg.Relay.AIAgentID)
	if cfg.Responder.Provider == "disabled" || cfg.Responder.APIKey == "" {
		yellow.Println("[voice disabled]")
	} else {
		gray.Printf("(%s)\n", cfg.Responder.Provider)
	}
	if cfg.Redis.URL != "" {
		green.Print("    ▶ ")
		fmt.Printf("Redis:     %s\n", cfg.Redis.KeyPrefix)
	}

	if cfg.Tailscale.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Tailscale: ")
		cyan.Print(cfg.Tailscale.Hostname)
		if cfg.Tailscale.Funnel {
			yellow.Print(" [funnel]")
		}
		if cfg.Tailscale.Ephemeral {
			gray.Print(" (ephemeral)")
		}
		fmt.Println()
	}

	fmt.Println()

	logger.Info("starting a2a-relay",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"grpc_addr", cfg.Server.GRPCAddr,
		"duplicate_policy", cfg.Relay.DuplicatePolicy,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}
