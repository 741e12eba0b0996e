package webhook_test

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thinrope/grr/flow"
	"github.com/thinrope/grr/output/webhook"
)

func TestProcessBatchDelivers(t *testing.T) {
	var gotAuth string
	var gotBody []byte
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	p := webhook.New(server.Client())
	args, err := json.Marshal(webhook.Args{URL: server.URL, AuthToken: "s3cret"})
	require.NoError(t, err)

	results := []flow.Result{
		{FlowID: "f1", Type: "StatEntry"},
		{FlowID: "f1", Type: "StatEntry"},
	}
	summary, err := p.ProcessBatch(context.Background(), args, results)
	require.NoError(t, err)
	assert.Contains(t, summary, "delivered 2 results")
	assert.Equal(t, "Bearer s3cret", gotAuth)

	var decoded []flow.Result
	require.NoError(t, json.Unmarshal(gotBody, &decoded))
	assert.Len(t, decoded, 2)
}

func TestProcessBatchFailsOnRejection(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer server.Close()

	p := webhook.New(server.Client())
	args, err := json.Marshal(webhook.Args{URL: server.URL})
	require.NoError(t, err)

	_, err = p.ProcessBatch(context.Background(), args, []flow.Result{{FlowID: "f1"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
}
