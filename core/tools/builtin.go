// Package tools ships the built-in tool set and its registration helper.
// These tools are small and deterministic; they double as the fixtures the
// integration tests chain together.
package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/core/registry"
)

// RegisterBuiltins adds the built-in tools to the registry
func RegisterBuiltins(reg *registry.Registry) error {
	builtins := []registry.Tool{
		&EchoTool{},
		&AddOneTool{},
		&HTTPGetTool{client: &http.Client{Timeout: 30 * time.Second}},
	}
	for _, t := range builtins {
		if err := reg.RegisterTool(t, false); err != nil {
			return err
		}
	}
	return nil
}

// EchoTool reflects its value argument back unchanged
type EchoTool struct{}

func (t *EchoTool) Name() string        { return "echo" }
func (t *EchoTool) Description() string { return "Returns the input value unchanged" }

func (t *EchoTool) InputSchema() map[string]any {
	return map[string]any{"value": "any"}
}

func (t *EchoTool) OutputSchema() map[string]any {
	return map[string]any{"value": "any"}
}

func (t *EchoTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	value, ok := args["value"]
	if !ok {
		return nil, errs.New(errs.Validation, "echo requires a value argument")
	}
	return map[string]any{"value": value}, nil
}

// AddOneTool increments a numeric argument
type AddOneTool struct{}

func (t *AddOneTool) Name() string        { return "add_one" }
func (t *AddOneTool) Description() string { return "Adds one to a number" }

func (t *AddOneTool) InputSchema() map[string]any {
	return map[string]any{"value": "float"}
}

func (t *AddOneTool) OutputSchema() map[string]any {
	return map[string]any{"result": "float"}
}

func (t *AddOneTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	switch v := args["value"].(type) {
	case float64:
		return map[string]any{"result": v + 1}, nil
	case int:
		return map[string]any{"result": float64(v) + 1}, nil
	case int64:
		return map[string]any{"result": float64(v) + 1}, nil
	default:
		return nil, errs.Newf(errs.Validation, "add_one requires a numeric value, got %T", args["value"])
	}
}

// HTTPGetTool fetches a URL and returns status plus body text
type HTTPGetTool struct {
	client *http.Client
}

func (t *HTTPGetTool) Name() string        { return "http_get" }
func (t *HTTPGetTool) Description() string { return "Performs an HTTP GET and returns the response" }

func (t *HTTPGetTool) InputSchema() map[string]any {
	return map[string]any{"url": "string"}
}

func (t *HTTPGetTool) OutputSchema() map[string]any {
	return map[string]any{"status": "int", "body": "string"}
}

func (t *HTTPGetTool) Execute(ctx context.Context, args map[string]any) (map[string]any, error) {
	url, ok := args["url"].(string)
	if !ok || url == "" {
		return nil, errs.New(errs.Validation, "http_get requires a url argument")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "invalid url", err)
	}
	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errs.Wrap(errs.Upstream, fmt.Sprintf("GET %s failed", url), err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, errs.Wrap(errs.Upstream, "read response body", err)
	}
	return map[string]any{
		"status": resp.StatusCode,
		"body":   string(body),
	}, nil
}
