// Package email provides an output plugin that notifies a recipient about
// processed result batches over SMTP. Each instance is capped by an
// emails-limit argument so a noisy flow cannot flood a mailbox; batches
// past the cap are still accounted SUCCESS, just not mailed.
package email

import (
	"context"
	"encoding/json"
	"fmt"
	"net/smtp"
	"strings"
	"sync"

	"github.com/thinrope/grr/errors"
	"github.com/thinrope/grr/flow"
)

// PluginName is the registered plugin type name.
const PluginName = "email"

// ArgsSchema declares the attach-time argument contract. The limit bounds
// are enforced here so an out-of-range value is rejected at attach time.
const ArgsSchema = `{
	"type": "object",
	"properties": {
		"email_address": {"type": "string", "minLength": 3},
		"emails_limit": {"type": "integer", "minimum": 1, "maximum": 100}
	},
	"required": ["email_address"],
	"additionalProperties": false
}`

// Args are the per-instance arguments validated against ArgsSchema.
type Args struct {
	EmailAddress string `json:"email_address"`
	EmailsLimit  int    `json:"emails_limit,omitempty"`
}

const defaultEmailsLimit = 100

// SMTPConfig holds server settings shared by all instances of the plugin.
type SMTPConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username,omitempty"`
	Password string `json:"password,omitempty"`
	From     string `json:"from"`
}

// Validate checks the server settings.
func (c *SMTPConfig) Validate() error {
	if c.Host == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "email", "Validate", "host is required")
	}
	if c.Port <= 0 {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "email", "Validate", "port must be positive")
	}
	if c.From == "" {
		return errors.WrapInvalid(errors.ErrInvalidConfig, "email", "Validate", "from address is required")
	}
	return nil
}

type sendFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// Plugin sends one notification email per batch, up to the per-recipient
// limit.
type Plugin struct {
	config SMTPConfig
	send   sendFunc

	mu   sync.Mutex
	sent map[string]int // per recipient
}

// New creates the email plugin over the given server settings.
func New(config SMTPConfig) (*Plugin, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Plugin{
		config: config,
		send:   smtp.SendMail,
		sent:   make(map[string]int),
	}, nil
}

func (*Plugin) Name() string       { return PluginName }
func (*Plugin) ArgsSchema() string { return ArgsSchema }

// ProcessBatch mails a summary of the batch to the configured recipient.
func (p *Plugin) ProcessBatch(_ context.Context, rawArgs json.RawMessage, results []flow.Result) (string, error) {
	var args Args
	if err := json.Unmarshal(rawArgs, &args); err != nil {
		return "", errors.WrapInvalid(err, "email", "ProcessBatch", "decode args")
	}
	limit := args.EmailsLimit
	if limit <= 0 {
		limit = defaultEmailsLimit
	}

	p.mu.Lock()
	if p.sent[args.EmailAddress] >= limit {
		p.mu.Unlock()
		return fmt.Sprintf("email limit (%d) reached for %s; batch not mailed", limit, args.EmailAddress), nil
	}
	p.sent[args.EmailAddress]++
	p.mu.Unlock()

	msg := p.compose(args.EmailAddress, results)

	var auth smtp.Auth
	if p.config.Username != "" {
		auth = smtp.PlainAuth("", p.config.Username, p.config.Password, p.config.Host)
	}
	addr := fmt.Sprintf("%s:%d", p.config.Host, p.config.Port)
	if err := p.send(addr, auth, p.config.From, []string{args.EmailAddress}, msg); err != nil {
		return "", errors.WrapTransient(err, "email", "ProcessBatch", "send mail")
	}

	return fmt.Sprintf("mailed %d-result batch summary to %s", len(results), args.EmailAddress), nil
}

func (p *Plugin) compose(to string, results []flow.Result) []byte {
	counts := make(map[string]int)
	for _, r := range results {
		counts[r.Type]++
	}
	var types []string
	for typ, n := range counts {
		types = append(types, fmt.Sprintf("%s: %d", typ, n))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", p.config.From)
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: New result batch (%d results)\r\n", len(results))
	b.WriteString("\r\n")
	fmt.Fprintf(&b, "A batch of %d results was processed.\r\n", len(results))
	if len(types) > 0 {
		fmt.Fprintf(&b, "Result types: %s\r\n", strings.Join(types, ", "))
	}
	return []byte(b.String())
}
