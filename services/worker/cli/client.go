package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ramiqadoumi/go-task-recycler/internal/admin"
	"github.com/ramiqadoumi/go-task-recycler/internal/harness"
	"github.com/ramiqadoumi/go-task-recycler/internal/reaper"
)

var createLeakCmd = &cobra.Command{
	Use:   "create-leak NAME",
	Short: "Ask a running recycler to reproduce the leak under NAME",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		rep, err := newAdminClient(viper.GetString("admin_url")).createLeak(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rep)
	},
}

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Flush every worker of a running recycler",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		rep, err := newAdminClient(viper.GetString("admin_url")).flush(cmd.Context())
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), rep)
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect [NAME]",
	Short: "Report whether a named listener is still pinned, or list workers when NAME is omitted",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := newAdminClient(viper.GetString("admin_url"))
		if len(args) == 0 {
			workers, err := c.workers(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), workers)
		}
		insp, err := c.inspect(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		return printJSON(cmd.OutOrStdout(), insp)
	},
}

// adminClient calls the admin API of a running recycler.
type adminClient struct {
	base   string
	client *http.Client
}

func newAdminClient(base string) *adminClient {
	return &adminClient{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *adminClient) createLeak(ctx context.Context, name string) (harness.LeakReport, error) {
	var rep harness.LeakReport
	body, err := json.Marshal(admin.CreateLeakRequest{Name: name})
	if err != nil {
		return rep, err
	}
	err = c.do(ctx, http.MethodPost, "/v1/leaks", body, http.StatusCreated, &rep)
	return rep, err
}

func (c *adminClient) flush(ctx context.Context) (reaper.Report, error) {
	var rep reaper.Report
	err := c.do(ctx, http.MethodPost, "/v1/flush", nil, http.StatusOK, &rep)
	return rep, err
}

func (c *adminClient) inspect(ctx context.Context, name string) (harness.NamedInspection, error) {
	var insp harness.NamedInspection
	err := c.do(ctx, http.MethodGet, "/v1/leaks/"+url.PathEscape(name), nil, http.StatusOK, &insp)
	return insp, err
}

func (c *adminClient) workers(ctx context.Context) ([]admin.WorkerView, error) {
	var out []admin.WorkerView
	err := c.do(ctx, http.MethodGet, "/v1/workers", nil, http.StatusOK, &out)
	return out, err
}

func (c *adminClient) do(ctx context.Context, method, path string, body []byte, want int, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != want {
		var apiErr struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %d %s", method, path, resp.StatusCode, apiErr.Error)
		}
		return fmt.Errorf("%s %s: unexpected status %d", method, path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
