package file_test

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thinrope/grr/flow"
	"github.com/thinrope/grr/output/file"
)

func TestProcessBatchWritesJSONL(t *testing.T) {
	dir := t.TempDir()
	p := file.New()

	args, err := json.Marshal(file.Args{Directory: dir, FilePrefix: "hunt"})
	require.NoError(t, err)

	results := []flow.Result{
		{FlowID: "f1", Type: "StatEntry", Payload: json.RawMessage(`{"path": "/etc/passwd"}`)},
		{FlowID: "f1", Type: "StatEntry", Payload: json.RawMessage(`{"path": "/etc/hosts"}`)},
	}
	summary, err := p.ProcessBatch(context.Background(), args, results)
	require.NoError(t, err)
	assert.Contains(t, summary, "wrote 2 results")

	// Batches append to the same file.
	_, err = p.ProcessBatch(context.Background(), args, results[:1])
	require.NoError(t, err)

	f, err := os.Open(filepath.Join(dir, "hunt.jsonl"))
	require.NoError(t, err)
	defer f.Close()

	var lines int
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var decoded flow.Result
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &decoded))
		assert.Equal(t, "f1", decoded.FlowID)
		lines++
	}
	assert.Equal(t, 3, lines)
}

func TestProcessBatchDefaultsPrefix(t *testing.T) {
	dir := t.TempDir()
	p := file.New()

	args, err := json.Marshal(file.Args{Directory: filepath.Join(dir, "nested")})
	require.NoError(t, err)
	_, err = p.ProcessBatch(context.Background(), args, []flow.Result{{FlowID: "f1"}})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "nested", "results.jsonl"))
	assert.NoError(t, err)
}
