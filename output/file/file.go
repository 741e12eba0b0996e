// Package file provides an output plugin that appends result batches to
// JSONL files on local disk.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/thinrope/grr/errors"
	"github.com/thinrope/grr/flow"
)

// PluginName is the registered plugin type name.
const PluginName = "file"

// ArgsSchema declares the attach-time argument contract.
const ArgsSchema = `{
	"type": "object",
	"properties": {
		"directory": {"type": "string", "minLength": 1},
		"file_prefix": {"type": "string"}
	},
	"required": ["directory"],
	"additionalProperties": false
}`

// Args are the per-instance arguments validated against ArgsSchema.
type Args struct {
	Directory  string `json:"directory"`
	FilePrefix string `json:"file_prefix,omitempty"`
}

// Plugin writes one JSONL line per result, appending to a file named after
// the prefix. The directory is created on first use.
type Plugin struct{}

// New creates the file output plugin.
func New() *Plugin { return &Plugin{} }

func (*Plugin) Name() string       { return PluginName }
func (*Plugin) ArgsSchema() string { return ArgsSchema }

// ProcessBatch appends the batch to the target file.
func (*Plugin) ProcessBatch(_ context.Context, rawArgs json.RawMessage, results []flow.Result) (string, error) {
	var args Args
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return "", errors.WrapInvalid(err, "file", "ProcessBatch", "decode args")
	}
	if args.FilePrefix == "" {
		args.FilePrefix = "results"
	}

	if err := os.MkdirAll(args.Directory, 0o750); err != nil {
		return "", errors.WrapTransient(err, "file", "ProcessBatch", "create directory")
	}

	path := filepath.Join(args.Directory, args.FilePrefix+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return "", errors.WrapTransient(err, "file", "ProcessBatch", "open file")
	}
	defer f.Close()

	var written int64
	for _, result := range results {
		line, err := json.Marshal(result)
		if err != nil {
			return "", errors.WrapInvalid(err, "file", "ProcessBatch", "encode result")
		}
		n, err := f.Write(append(line, '\n'))
		written += int64(n)
		if err != nil {
			return "", errors.WrapTransient(err, "file", "ProcessBatch", "write result")
		}
	}

	return fmt.Sprintf("wrote %d results (%d bytes) to %s", len(results), written, path), nil
}
