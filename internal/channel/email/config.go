// Package email turns a mailbox into an agent channel: new messages
// from allowed senders become turns, answers go back as threaded
// replies.
package email

import "time"

// IMAPConfig holds the mailbox connection settings.
type IMAPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	TLS      bool   `yaml:"tls"`
}

// SMTPConfig holds the outbound settings.
type SMTPConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// StartTLS upgrades a plain connection (port 587); false means
	// implicit TLS (port 465).
	StartTLS bool `yaml:"starttls"`
}

// Config is the whole channel configuration.
type Config struct {
	// Address is the agent's own address, used as From on replies.
	Address string `yaml:"address"`

	// AllowedSenders lists addresses whose mail becomes agent turns.
	// Anything else is left untouched in the mailbox. An empty list
	// disables the channel rather than answering the whole world.
	AllowedSenders []string `yaml:"allowed_senders"`

	// PollInterval is how often the inbox is checked. Zero means 2
	// minutes.
	PollInterval time.Duration `yaml:"poll_interval"`

	IMAP IMAPConfig `yaml:"imap"`
	SMTP SMTPConfig `yaml:"smtp"`
}
