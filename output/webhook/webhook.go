// Package webhook provides an output plugin that POSTs result batches as
// JSON to a configured HTTP endpoint.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/thinrope/grr/errors"
	"github.com/thinrope/grr/flow"
)

// PluginName is the registered plugin type name.
const PluginName = "webhook"

// ArgsSchema declares the attach-time argument contract.
const ArgsSchema = `{
	"type": "object",
	"properties": {
		"url": {"type": "string", "minLength": 1},
		"auth_token": {"type": "string"},
		"timeout_seconds": {"type": "integer", "minimum": 1, "maximum": 300}
	},
	"required": ["url"],
	"additionalProperties": false
}`

// Args are the per-instance arguments validated against ArgsSchema.
type Args struct {
	URL            string `json:"url"`
	AuthToken      string `json:"auth_token,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds,omitempty"`
}

const defaultTimeout = 30 * time.Second

// Plugin delivers batches with a single POST per batch. A non-2xx response
// fails the batch; the runtime records the failure and never retries it.
type Plugin struct {
	client *http.Client
}

// New creates the webhook plugin. A nil client uses http.DefaultClient
// semantics with a per-request timeout from args.
func New(client *http.Client) *Plugin {
	if client == nil {
		client = &http.Client{}
	}
	return &Plugin{client: client}
}

func (*Plugin) Name() string       { return PluginName }
func (*Plugin) ArgsSchema() string { return ArgsSchema }

// ProcessBatch POSTs the batch as a JSON array.
func (p *Plugin) ProcessBatch(ctx context.Context, rawArgs json.RawMessage, results []flow.Result) (string, error) {
	var args Args
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return "", errors.WrapInvalid(err, "webhook", "ProcessBatch", "decode args")
	}

	timeout := defaultTimeout
	if args.TimeoutSeconds > 0 {
		timeout = time.Duration(args.TimeoutSeconds) * time.Second
	}
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body, err := json.Marshal(results)
	if err != nil {
		return "", errors.WrapInvalid(err, "webhook", "ProcessBatch", "encode batch")
	}

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, args.URL, bytes.NewReader(body))
	if err != nil {
		return "", errors.WrapInvalid(err, "webhook", "ProcessBatch", "build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if args.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+args.AuthToken)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", errors.WrapTransient(err, "webhook", "ProcessBatch", "deliver batch")
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", errors.WrapTransient(
			fmt.Errorf("endpoint returned %s", resp.Status),
			"webhook", "ProcessBatch", "deliver batch")
	}

	return fmt.Sprintf("delivered %d results to %s (%s)", len(results), args.URL, resp.Status), nil
}
