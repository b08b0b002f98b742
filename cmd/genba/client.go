package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// apiClient talks to a running daemon over its local HTTP API.
type apiClient struct {
	baseURL string
	client  *http.Client
}

func newAPIClient(cmd *cobra.Command) *apiClient {
	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		port := 0
		if cfg != nil {
			port = cfg.Server.Port
		}
		addr = fmt.Sprintf("http://127.0.0.1:%d", port)
	}

	return &apiClient{
		baseURL: strings.TrimRight(addr, "/"),
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) do(method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("is the daemon running? %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}
	return nil
}

func addAddrFlag(cmd *cobra.Command) {
	cmd.Flags().String("addr", "", "daemon address (default http://127.0.0.1:<server.port>)")
}
