// Package pluginregistry registers the builtin output plugins and flow
// types. Deployment-specific plugins and flow types are registered by the
// embedding application on top of these.
package pluginregistry

import (
	stderrors "errors"
	"net/http"

	"github.com/thinrope/grr/errors"
	"github.com/thinrope/grr/flow"
	"github.com/thinrope/grr/output/email"
	"github.com/thinrope/grr/output/file"
	"github.com/thinrope/grr/output/webhook"
	"github.com/thinrope/grr/outputplugin"
)

// RegisterPlugins registers the builtin output plugins:
//   - file: append result batches to JSONL files
//   - webhook: POST result batches to an HTTP endpoint
//   - email: mail batch summaries, bounded by a per-recipient limit
//
// The email plugin is skipped when smtpConfig is nil since it cannot send
// without server settings.
func RegisterPlugins(registry *outputplugin.Registry, smtpConfig *email.SMTPConfig) error {
	if registry == nil {
		return errors.WrapFatal(
			stderrors.New("registry cannot be nil"),
			"pluginregistry", "RegisterPlugins", "registry validation")
	}

	if err := registry.Register(file.New()); err != nil {
		return errors.WrapInvalid(err, "pluginregistry", "RegisterPlugins", "file plugin registration")
	}
	if err := registry.Register(webhook.New(&http.Client{})); err != nil {
		return errors.WrapInvalid(err, "pluginregistry", "RegisterPlugins", "webhook plugin registration")
	}
	if smtpConfig != nil {
		mailer, err := email.New(*smtpConfig)
		if err != nil {
			return errors.WrapInvalid(err, "pluginregistry", "RegisterPlugins", "email plugin construction")
		}
		if err := registry.Register(mailer); err != nil {
			return errors.WrapInvalid(err, "pluginregistry", "RegisterPlugins", "email plugin registration")
		}
	}
	return nil
}

// RegisterFlowTypes registers the builtin flow types. The schemas bind
// argument shape only; how a flow executes is the driver's concern.
func RegisterFlowTypes(registry *flow.Registry) error {
	if registry == nil {
		return errors.WrapFatal(
			stderrors.New("registry cannot be nil"),
			"pluginregistry", "RegisterFlowTypes", "registry validation")
	}

	defs := []flow.Definition{
		{
			Name:        "file_finder",
			Description: "Collect file metadata and contents matching path expressions",
			ArgsSchema: `{
				"type": "object",
				"properties": {
					"paths": {"type": "array", "items": {"type": "string"}, "minItems": 1},
					"action": {"type": "string", "enum": ["stat", "hash", "download"]}
				},
				"required": ["paths"],
				"additionalProperties": false
			}`,
		},
		{
			Name:        "list_processes",
			Description: "Enumerate running processes on the endpoint",
			ArgsSchema: `{
				"type": "object",
				"properties": {
					"filename_regex": {"type": "string"},
					"connection_states": {"type": "array", "items": {"type": "string"}}
				},
				"additionalProperties": false
			}`,
		},
		{
			Name:        "interrogate",
			Description: "Refresh endpoint system information",
			ArgsSchema: `{
				"type": "object",
				"properties": {
					"lightweight": {"type": "boolean"}
				},
				"additionalProperties": false
			}`,
		},
	}
	for _, def := range defs {
		if err := registry.Register(def); err != nil {
			return errors.WrapInvalid(err, "pluginregistry", "RegisterFlowTypes", def.Name+" registration")
		}
	}
	return nil
}
