package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"
	"github.com/spf13/cobra"

	"github.com/yairfalse/vahti/internal/daemon"
	"github.com/yairfalse/vahti/internal/discovery"
	"github.com/yairfalse/vahti/internal/plugin"
)

var (
	adminAddr    string
	adminTimeout time.Duration
)

var availCmd = &cobra.Command{
	Use:   "avail <resource-id>...",
	Short: "Check the availability of resources now",
	Long: `Ask the running agent to check the availability of the given resources
immediately instead of waiting for their next scheduled check.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAvail,
}

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Run a discovery pass now",
	Args:  cobra.NoArgs,
	RunE:  runDiscover,
}

var operationCmd = &cobra.Command{
	Use:     "op <resource-id> <operation> [key=value]...",
	Short:   "Invoke an operation on a resource",
	Example: `  vahti op 3f2a... stop force=true`,
	Args:    cobra.MinimumNArgs(2),
	RunE:    runOperation,
}

func init() {
	for _, cmd := range []*cobra.Command{availCmd, discoverCmd, operationCmd} {
		cmd.Flags().StringVar(&adminAddr, "addr", "", "Agent admin address (defaults to the configured one)")
		cmd.Flags().DurationVar(&adminTimeout, "timeout", time.Minute, "Request timeout")
		rootCmd.AddCommand(cmd)
	}
}

// post sends a request to the agent's admin endpoint and decodes the JSON
// reply into out.
func post(cmd *cobra.Command, path string, query url.Values, body any, out any) error {
	addr := adminAddr
	if addr == "" {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		addr = cfg.Metrics.Addr
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), adminTimeout)
	defer cancel()

	u := url.URL{Scheme: "http", Host: addr, Path: path, RawQuery: query.Encode()}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("agent unreachable at %s: %w", addr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("agent returned %s: %s", resp.Status, strings.TrimSpace(string(msg)))
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func runAvail(cmd *cobra.Command, args []string) error {
	var out daemon.AvailabilityResponse
	if err := post(cmd, "/availability", url.Values{"resource": args}, nil, &out); err != nil {
		return err
	}

	t := table.NewWriter()
	t.SetOutputMirror(cmd.OutOrStdout())
	t.SetStyle(table.StyleRounded)
	t.AppendHeader(table.Row{"Resource", "Availability"})
	for _, id := range args {
		a, ok := out.Availability[id]
		if !ok {
			a = "-"
		}
		t.AppendRow(table.Row{id, colorAvailability(a)})
	}
	t.Render()

	if out.Error != "" {
		return fmt.Errorf("some checks failed: %s", out.Error)
	}
	return nil
}

func colorAvailability(a string) string {
	switch a {
	case "UP":
		return text.FgGreen.Sprint(a)
	case "DOWN":
		return text.FgRed.Sprint(a)
	}
	return text.FgHiBlack.Sprint(a)
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	var stats discovery.Stats
	if err := post(cmd, "/discovery", nil, nil, &stats); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Discovered %d resources (%d new, %d modified, %d started, %d failures) in %s\n",
		stats.Discovered, stats.New, stats.Modified, stats.Started, len(stats.Errors), stats.Duration)
	return nil
}

func runOperation(cmd *cobra.Command, args []string) error {
	params := make(map[string]string, len(args)-2)
	for _, kv := range args[2:] {
		k, v, ok := strings.Cut(kv, "=")
		if !ok || k == "" {
			return fmt.Errorf("parameter %q is not key=value", kv)
		}
		params[k] = v
	}

	var res plugin.OperationResult
	query := url.Values{"resource": {args[0]}, "name": {args[1]}}
	if err := post(cmd, "/operation", query, params, &res); err != nil {
		return err
	}

	keys := make([]string, 0, len(res.Output))
	for k := range res.Output {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", k, res.Output[k])
	}
	return nil
}
