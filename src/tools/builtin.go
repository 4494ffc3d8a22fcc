// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package tools

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"agentworker/src/model"
)

// EchoAdapter returns its input. Useful as the default plan step and for
// wiring checks.
type EchoAdapter struct{}

func (t *EchoAdapter) Name() string { return "echo" }

func (t *EchoAdapter) Validate(params map[string]any) error {
	if _, ok := params["text"]; !ok {
		return model.NewTaskError(model.ErrConfiguration, "echo requires a 'text' parameter")
	}
	return nil
}

func (t *EchoAdapter) Execute(ctx context.Context, params map[string]any) (any, error) {
	return params["text"], nil
}

func (t *EchoAdapter) EstimatedDuration(map[string]any) time.Duration { return time.Second }

func (t *EchoAdapter) HealthCheck(context.Context) Health { return Healthy }

// HTTPGetAdapter fetches a URL and returns a bounded slice of the body.
type HTTPGetAdapter struct {
	Client   *http.Client
	MaxBytes int64
}

func (t *HTTPGetAdapter) Name() string { return "http_get" }

func (t *HTTPGetAdapter) Validate(params map[string]any) error {
	url, _ := params["url"].(string)
	if url == "" {
		return model.NewTaskError(model.ErrConfiguration, "http_get requires a 'url' parameter")
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return model.NewTaskError(model.ErrConfiguration, "http_get url must be http(s): %s", url)
	}
	return nil
}

func (t *HTTPGetAdapter) Execute(ctx context.Context, params map[string]any) (any, error) {
	url := params["url"].(string)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, model.WrapError(model.ErrConfiguration, err)
	}
	client := t.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, model.WrapError(model.ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, model.NewTaskError(model.ErrPermission, "http_get %s: status %d", url, resp.StatusCode)
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, model.NewTaskError(model.ErrResource, "http_get %s: rate limited", url)
	case resp.StatusCode >= 500:
		return nil, model.NewTaskError(model.ErrTransient, "http_get %s: status %d", url, resp.StatusCode)
	case resp.StatusCode >= 400:
		return nil, model.NewTaskError(model.ErrConfiguration, "http_get %s: status %d", url, resp.StatusCode)
	}

	max := t.MaxBytes
	if max <= 0 {
		max = 1 << 20
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, max))
	if err != nil {
		return nil, model.WrapError(model.ErrTransient, err)
	}
	return map[string]any{
		"status": resp.StatusCode,
		"body":   string(body),
	}, nil
}

func (t *HTTPGetAdapter) EstimatedDuration(map[string]any) time.Duration { return 15 * time.Second }

func (t *HTTPGetAdapter) HealthCheck(context.Context) Health { return Healthy }

// Func adapts a plain function, used for compensations and small built-ins
// that need no validation or health signal beyond "always fine".
type Func struct {
	ToolName string
	Fn       func(ctx context.Context, params map[string]any) (any, error)
	Estimate time.Duration
}

func (t *Func) Name() string { return t.ToolName }

func (t *Func) Validate(map[string]any) error { return nil }

func (t *Func) Execute(ctx context.Context, params map[string]any) (any, error) {
	if t.Fn == nil {
		return nil, fmt.Errorf("tool %s has no handler", t.ToolName)
	}
	return t.Fn(ctx, params)
}

func (t *Func) EstimatedDuration(map[string]any) time.Duration { return t.Estimate }

func (t *Func) HealthCheck(context.Context) Health { return Healthy }
