package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/psantana5/vidcoord/pkg/api"
)

var httpClient = &http.Client{Timeout: 60 * time.Second}

func jsonIndent(v interface{}) ([]byte, error) {
	return json.MarshalIndent(v, "", "  ")
}

// call sends a JSON request and decodes the response into out
func call(method, path string, in, out interface{}, want int) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := newRequest(method, path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return send(req, out, want)
}

func send(req *http.Request, out interface{}, want int) error {
	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to coordinator: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != want {
		var e api.ErrorBody
		if json.Unmarshal(data, &e) == nil && e.Error.Code != "" {
			if e.Error.Reason != "" {
				return fmt.Errorf("%s (%s/%s): %s", resp.Status, e.Error.Code, e.Error.Reason, e.Error.Message)
			}
			return fmt.Errorf("%s (%s): %s", resp.Status, e.Error.Code, e.Error.Message)
		}
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(data))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func newTable(header ...any) *tablewriter.Table {
	table := tablewriter.NewWriter(os.Stdout)
	table.Header(header...)
	return table
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}
