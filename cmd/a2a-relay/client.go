// ABOUTME: Operator commands that query a running relay over its HTTP API
// ABOUTME: Implements health, agents and sessions (list and end)

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/pflag"

	"github.com/2389/a2a-relay/internal/agent"
	"github.com/2389/a2a-relay/internal/config"
	"github.com/2389/a2a-relay/internal/gateway"
	"github.com/2389/a2a-relay/internal/session"
)

// apiClient talks to the relay's HTTP API.
type apiClient struct {
	base string
	http *http.Client
}

// newAPIClient parses the shared --addr flag, falling back to the config
// file. flags, when set, registers command-specific flags first.
func newAPIClient(name string, args []string, flags func(*pflag.FlagSet)) (*apiClient, []string, error) {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	addr := fs.String("addr", "", "relay HTTP address (default: server.http_addr from config)")
	if flags != nil {
		flags(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, nil, err
	}

	base := *addr
	if base == "" {
		cfg, err := config.Load(getConfigPath())
		if err != nil {
			return nil, nil, fmt.Errorf("loading config: %w", err)
		}
		base = cfg.Server.HTTPAddr
	}
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}

	return &apiClient{
		base: strings.TrimRight(base, "/"),
		http: &http.Client{Timeout: 10 * time.Second},
	}, fs.Args(), nil
}

// do performs a request and decodes a JSON response into out when non-nil.
func (c *apiClient) do(ctx context.Context, method, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Code  string `json:"code"`
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (%s)", apiErr.Error, apiErr.Code)
		}
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func runHealth(ctx context.Context, args []string) error {
	c, _, err := newAPIClient("health", args, nil)
	if err != nil {
		return err
	}

	for _, path := range []string{"/health", "/health/ready"} {
		if err := c.do(ctx, http.MethodGet, path, nil); err != nil {
			return fmt.Errorf("unhealthy (%s): %w", path, err)
		}
	}

	var stats gateway.StatsResponse
	if err := c.do(ctx, http.MethodGet, "/api/stats", &stats); err != nil {
		return err
	}
	fmt.Printf("healthy: %d agents online (%d known), %d active sessions\n",
		stats.AgentsOnline, stats.AgentsKnown, stats.SessionsActive)
	return nil
}

func runAgents(ctx context.Context, args []string) error {
	var all bool
	c, rest, err := newAPIClient("agents", args, func(fs *pflag.FlagSet) {
		fs.BoolVar(&all, "all", false, "include offline agents")
	})
	if err != nil {
		return err
	}

	if len(rest) > 0 {
		var a agent.Agent
		if err := c.do(ctx, http.MethodGet, "/api/agents/"+rest[0], &a); err != nil {
			return err
		}
		writeAgents(os.Stdout, []agent.Agent{a})
		return nil
	}

	path := "/api/agents"
	if all {
		path += "?all=true"
	}
	var list gateway.AgentListResponse
	if err := c.do(ctx, http.MethodGet, path, &list); err != nil {
		return err
	}
	if len(list.Agents) == 0 {
		fmt.Println("no agents online")
		return nil
	}
	writeAgents(os.Stdout, list.Agents)
	return nil
}

func runSessions(ctx context.Context, args []string) error {
	c, rest, err := newAPIClient("sessions", args, nil)
	if err != nil {
		return err
	}

	if len(rest) > 0 {
		if rest[0] != "end" || len(rest) != 2 {
			return errors.New("usage: a2a-relay sessions end <session-id>")
		}
		if err := c.do(ctx, http.MethodDelete, "/api/sessions/"+rest[1], nil); err != nil {
			return err
		}
		color.New(color.FgGreen).Printf("ended %s\n", rest[1])
		return nil
	}

	var list gateway.SessionListResponse
	if err := c.do(ctx, http.MethodGet, "/api/sessions", &list); err != nil {
		return err
	}
	if len(list.Sessions) == 0 {
		fmt.Println("no active sessions")
		return nil
	}
	writeSessions(os.Stdout, list.Sessions, time.Now())
	return nil
}

func writeAgents(w io.Writer, agents []agent.Agent) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tSTATUS\tLAST SEEN")
	for _, a := range agents {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.ID, a.Name, a.Status, a.LastSeen.Local().Format(time.DateTime))
	}
	tw.Flush()
}

func writeSessions(w io.Writer, sessions []session.Session, now time.Time) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SESSION\tINITIATOR\tTARGET\tAGE\tIDLE")
	for _, s := range sessions {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
			s.ID, s.InitiatorID, s.TargetID,
			now.Sub(s.StartedAt).Truncate(time.Second),
			now.Sub(s.LastActivity).Truncate(time.Second),
		)
	}
	tw.Flush()
}
