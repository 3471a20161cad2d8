package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var locksCmd = &cobra.Command{
	Use:   "locks",
	Short: "Maintain transition locks on a running server",
}

var (
	locksServer string
	locksMaxAge time.Duration
)

var locksCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Drop stale transition locks",
	Long:  "Ask a running server to drop transition locks older than --max-age. Locks live in the server process.",
	RunE:  runLocksCleanup,
}

func init() {
	locksCleanupCmd.Flags().StringVar(&locksServer, "server", "", "Server base URL (default http://localhost:SERVER_PORT)")
	locksCleanupCmd.Flags().DurationVar(&locksMaxAge, "max-age", 5*time.Minute, "Remove locks older than this")

	locksCmd.AddCommand(locksCleanupCmd)
	rootCmd.AddCommand(locksCmd)
}

func runLocksCleanup(cmd *cobra.Command, _ []string) error {
	base := locksServer
	if base == "" {
		base = fmt.Sprintf("http://localhost:%d", cfg.ServerPort)
	}
	endpoint := strings.TrimRight(base, "/") + "/locks/cleanup?maxAge=" + url.QueryEscape(locksMaxAge.String())

	req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned HTTP status %d", resp.StatusCode)
	}

	var body struct {
		Removed   int `json:"removed"`
		Remaining int `json:"remaining"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed %d stale locks (%d remaining)\n", body.Removed, body.Remaining)
	return nil
}
