package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	json "github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/ajitpratap0/relay/pkg/clients"
	"github.com/ajitpratap0/relay/pkg/config"
	"github.com/ajitpratap0/relay/pkg/errors"
)

// apiClient talks to a running relay server.
type apiClient struct {
	http *clients.HTTPClient
}

func newAPIClient(addr string, timeout time.Duration) (*apiClient, error) {
	c, err := clients.NewHTTPClient("api", config.RuntimeConfig{URL: addr, RequestTimeout: timeout}, nil)
	if err != nil {
		return nil, err
	}
	return &apiClient{http: c}, nil
}

// call sends the request and decodes a successful body into out, or turns an
// error body back into a structured error.
func (c *apiClient) call(ctx context.Context, method, path string, body, out interface{}) error {
	resp, err := c.http.Do(ctx, method, path, body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= http.StatusBadRequest {
		var eb struct {
			Error struct {
				Type    errors.ErrorType       `json:"type"`
				Message string                 `json:"message"`
				Details map[string]interface{} `json:"details"`
			} `json:"error"`
		}
		if err := resp.Decode(&eb); err != nil || eb.Error.Type == "" {
			return errors.Newf(errors.ErrorTypeInternal, "server returned %d", resp.StatusCode)
		}
		e := errors.New(eb.Error.Type, eb.Error.Message)
		for k, v := range eb.Error.Details {
			e.WithDetail(k, v)
		}
		return e
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

func newPipelineCmd() *cobra.Command {
	var addr string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Drive pipelines on a running relay server",
	}
	cmd.PersistentFlags().StringVar(&addr, "server", envOr("RELAY_SERVER", "http://localhost:8080"), "Relay API address")
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 10*time.Minute, "Request timeout")

	run := func(method, action string, body func() interface{}) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			c, err := newAPIClient(addr, timeout)
			if err != nil {
				return err
			}
			path := "/pipelines"
			if len(args) > 0 {
				path += "/" + args[0]
			}
			if action != "" {
				path += "/" + action
			}
			var b interface{}
			if body != nil {
				b = body()
			}
			var out interface{}
			if err := c.call(cmd.Context(), method, path, b, &out); err != nil {
				return err
			}
			return printJSON(out)
		}
	}

	var rerun bool
	start := &cobra.Command{
		Use:   "start <id>",
		Short: "Start a pipeline: full load then CDC connectors",
		Args:  cobra.ExactArgs(1),
		RunE: run(http.MethodPost, "start", func() interface{} {
			return map[string]bool{"rerun_full_load": rerun}
		}),
	}
	start.Flags().BoolVar(&rerun, "rerun-full-load", false, "Repeat the full load and take a new checkpoint")

	cmd.AddCommand(
		start,
		&cobra.Command{
			Use:   "stop <id>",
			Short: "Pause both connectors",
			Args:  cobra.ExactArgs(1),
			RunE:  run(http.MethodPost, "stop", nil),
		},
		&cobra.Command{
			Use:   "restart <id>",
			Short: "Restart unhealthy connectors",
			Args:  cobra.ExactArgs(1),
			RunE:  run(http.MethodPost, "restart", nil),
		},
		&cobra.Command{
			Use:   "status <id>",
			Short: "Show live pipeline and connector status",
			Args:  cobra.ExactArgs(1),
			RunE:  run(http.MethodGet, "status", nil),
		},
		&cobra.Command{
			Use:   "events <id>",
			Short: "Show the pipeline's state history",
			Args:  cobra.ExactArgs(1),
			RunE:  run(http.MethodGet, "events", nil),
		},
		&cobra.Command{
			Use:   "list",
			Short: "List pipelines",
			Args:  cobra.NoArgs,
			RunE:  run(http.MethodGet, "", nil),
		},
	)
	return cmd
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
