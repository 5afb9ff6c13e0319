package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var adminAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report a running metamcpd daemon's pool and session counts",
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&adminAddr, "admin", "http://127.0.0.1:8081", "metamcpd admin endpoint address")
}

type statusResponse struct {
	Pool struct {
		Idle               int      `json:"idle"`
		Active             int      `json:"active"`
		IdleNamespaceUUIDs []string `json:"idleNamespaceUUIDs"`
		ActiveSessionIDs   []string `json:"activeSessionIDs"`
	} `json:"pool"`
	Sessions struct {
		Total          int `json:"total"`
		SSE            int `json:"sse"`
		StreamableHTTP int `json:"streamableHTTP"`
		ByEndpoint     []struct {
			Endpoint       string `json:"Endpoint"`
			Total          int    `json:"Total"`
			SSE            int    `json:"SSE"`
			StreamableHTTP int    `json:"StreamableHTTP"`
		} `json:"byEndpoint"`
	} `json:"sessions"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(adminAddr + "/admin/status")
	if err != nil {
		return fmt.Errorf("query %s: %w", adminAddr, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("admin endpoint returned %d", resp.StatusCode)
	}

	var out statusResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode status response: %w", err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Pool\tidle: %d\tactive: %d\n", out.Pool.Idle, out.Pool.Active)
	fmt.Fprintf(w, "Sessions\ttotal: %d\tsse: %d\tstreamableHTTP: %d\n", out.Sessions.Total, out.Sessions.SSE, out.Sessions.StreamableHTTP)
	w.Flush()

	if len(out.Sessions.ByEndpoint) == 0 {
		return nil
	}

	sort.Slice(out.Sessions.ByEndpoint, func(i, j int) bool {
		return out.Sessions.ByEndpoint[i].Total > out.Sessions.ByEndpoint[j].Total
	})

	fmt.Println()
	ew := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(ew, "ENDPOINT\tTOTAL\tSSE\tSTREAMABLE-HTTP")
	for _, ep := range out.Sessions.ByEndpoint {
		fmt.Fprintf(ew, "%s\t%d\t%d\t%d\n", ep.Endpoint, ep.Total, ep.SSE, ep.StreamableHTTP)
	}
	return ew.Flush()
}
