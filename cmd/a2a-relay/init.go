// ABOUTME: Interactive generator for relay.yaml
// ABOUTME: Prompts for listener, storage, responder and logging settings and writes the file

package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// initAnswers holds everything runInit asks for.
type initAnswers struct {
	HTTPAddr string
	GRPCAddr string
	DBPath   string
	RedisURL string

	DuplicatePolicy string
	IdleTimeout     string

	Provider string
	Voice    string

	TailscaleEnabled bool
	TSHostname       string
	TSAuthKey        string
	TSEphemeral      bool
	TSFunnel         bool

	LogLevel  string
	LogFormat string
	Metrics   bool
}

func runInit() error {
	return runInitWith(os.Stdin, os.Stdout)
}

func runInitWith(in io.Reader, out io.Writer) error {
	reader := bufio.NewReader(in)
	ask := func(question, defaultVal string) string {
		return prompt(reader, out, question, defaultVal)
	}

	fmt.Fprintln(out, "a2a-relay configuration setup")
	fmt.Fprintln(out, "=============================")
	fmt.Fprintln(out)

	outputFile := ask("Config file path", getConfigPath())
	if _, err := os.Stat(outputFile); err == nil {
		if !yes(ask("File exists. Overwrite?", "no")) {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	var a initAnswers

	fmt.Fprintln(out, "\n--- Server Configuration ---")
	a.HTTPAddr = ask("HTTP address", "localhost:8080")
	a.GRPCAddr = ask("gRPC health address (empty to disable)", "")

	fmt.Fprintln(out, "\n--- Storage Configuration ---")
	a.DBPath = ask("SQLite database path", filepath.Join(getDataPath(), "relay.db"))
	a.RedisURL = ask("Redis URL for presence mirror (empty to disable)", "")

	fmt.Fprintln(out, "\n--- Relay Configuration ---")
	a.DuplicatePolicy = ask("Duplicate connection policy (supersede/reject)", "supersede")
	a.IdleTimeout = ask("Session idle timeout (0 disables)", "5m")

	fmt.Fprintln(out, "\n--- AI Agent Configuration ---")
	a.Provider = ask("Responder provider (openai/disabled)", "openai")
	if a.Provider == "openai" {
		a.Voice = ask("Speech voice", "alloy")
		fmt.Fprintln(out, "  The API key is read from OPENAI_API_KEY at startup.")
	}

	fmt.Fprintln(out, "\n--- Tailscale Configuration ---")
	a.TailscaleEnabled = yes(ask("Enable Tailscale?", "no"))
	if a.TailscaleEnabled {
		a.TSHostname = ask("Tailscale hostname", "a2a-relay")
		a.TSAuthKey = ask("Tailscale auth key (empty to read TS_AUTHKEY)", "")
		a.TSEphemeral = yes(ask("Ephemeral node?", "no"))
		a.TSFunnel = yes(ask("Enable Funnel (public HTTPS)?", "no"))
	}

	fmt.Fprintln(out, "\n--- Logging Configuration ---")
	a.LogLevel = ask("Log level (debug/info/warn/error)", "info")
	a.LogFormat = ask("Log format (text/json)", "text")
	a.Metrics = yes(ask("Expose Prometheus metrics?", "yes"))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(renderConfig(a)), 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	dataDir := filepath.Dir(a.DBPath)
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", outputFile)
	fmt.Fprintf(out, "Data directory: %s\n", dataDir)
	fmt.Fprintln(out, "\nTo start the server:")
	fmt.Fprintln(out, "  a2a-relay serve")

	return nil
}

// renderConfig produces relay.yaml contents from the answers.
func renderConfig(a initAnswers) string {
	var cfg strings.Builder
	cfg.WriteString("# a2a-relay configuration\n")
	cfg.WriteString("# Generated by a2a-relay init\n\n")

	cfg.WriteString("server:\n")
	fmt.Fprintf(&cfg, "  http_addr: %q\n", a.HTTPAddr)
	if a.GRPCAddr != "" {
		fmt.Fprintf(&cfg, "  grpc_addr: %q\n", a.GRPCAddr)
	}
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	fmt.Fprintf(&cfg, "  path: %q\n", a.DBPath)
	cfg.WriteString("\n")

	if a.RedisURL != "" {
		cfg.WriteString("redis:\n")
		fmt.Fprintf(&cfg, "  url: %q\n", a.RedisURL)
		cfg.WriteString("  ttl: \"10m\"\n")
		cfg.WriteString("\n")
	}

	cfg.WriteString("relay:\n")
	fmt.Fprintf(&cfg, "  duplicate_policy: %q\n", a.DuplicatePolicy)
	fmt.Fprintf(&cfg, "  session_idle_timeout: %q\n", a.IdleTimeout)
	cfg.WriteString("  min_audio_size: \"1KB\"\n")
	cfg.WriteString("  max_message_size: \"8MB\"\n")
	cfg.WriteString("\n")

	cfg.WriteString("responder:\n")
	fmt.Fprintf(&cfg, "  provider: %q\n", a.Provider)
	if a.Provider == "openai" {
		cfg.WriteString("  api_key: \"${OPENAI_API_KEY}\"\n")
		fmt.Fprintf(&cfg, "  voice: %q\n", a.Voice)
	}
	cfg.WriteString("\n")

	cfg.WriteString("tailscale:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", a.TailscaleEnabled)
	if a.TailscaleEnabled {
		fmt.Fprintf(&cfg, "  hostname: %q\n", a.TSHostname)
		if a.TSAuthKey != "" {
			fmt.Fprintf(&cfg, "  auth_key: %q\n", a.TSAuthKey)
		}
		fmt.Fprintf(&cfg, "  ephemeral: %t\n", a.TSEphemeral)
		fmt.Fprintf(&cfg, "  funnel: %t\n", a.TSFunnel)
	}
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	fmt.Fprintf(&cfg, "  level: %q\n", a.LogLevel)
	fmt.Fprintf(&cfg, "  format: %q\n", a.LogFormat)
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	fmt.Fprintf(&cfg, "  enabled: %t\n", a.Metrics)
	cfg.WriteString("  path: \"/metrics\"\n")

	return cfg.String()
}

func yes(answer string) bool {
	answer = strings.ToLower(answer)
	return answer == "yes" || answer == "y"
}

func prompt(reader *bufio.Reader, out io.Writer, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Fprintf(out, "%s [%s]: ", question, defaultVal)
	} else {
		fmt.Fprintf(out, "%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil && input == "" {
		return defaultVal
	}
	input = strings.TrimSpace(input)
	if input == "" {
		return defaultVal
	}
	return input
}
