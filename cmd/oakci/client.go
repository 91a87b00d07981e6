package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"oakci/internal/config"
)

// daemonClient talks to a running daemon over its local HTTP API using the
// token the daemon wrote at startup.
type daemonClient struct {
	baseURL string
	token   string
	http    *http.Client
}

func newDaemonClient(paths *config.Paths) (*daemonClient, error) {
	token := os.Getenv(config.EnvToken)
	if token == "" {
		data, err := os.ReadFile(paths.TokenFile)
		if err != nil {
			return nil, fmt.Errorf("no daemon token found (is the daemon running?): %w", err)
		}
		token = strings.TrimSpace(string(data))
	}
	return &daemonClient{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", paths.Port()),
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
	}, nil
}

func (c *daemonClient) do(method, path string, body, out interface{}) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		var e struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("daemon returned %d: %s", resp.StatusCode, e.Error)
		}
		return fmt.Errorf("daemon returned %d", resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(data, out)
	}
	return nil
}

// printJSON renders a response for the terminal.
func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
