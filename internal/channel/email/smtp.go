package email

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
)

// sendMail delivers one raw message. StartTLS upgrades a plaintext
// connection; otherwise the dial itself is TLS (the usual port 465
// deployment).
func sendMail(cfg SMTPConfig, from, to string, raw []byte) error {
	addr := net.JoinHostPort(cfg.Host, fmt.Sprintf("%d", cfg.Port))
	tlsConfig := &tls.Config{ServerName: cfg.Host}

	var client *smtp.Client
	if cfg.StartTLS {
		c, err := smtp.Dial(addr)
		if err != nil {
			return fmt.Errorf("dial SMTP %s: %w", addr, err)
		}
		if err := c.StartTLS(tlsConfig); err != nil {
			_ = c.Close()
			return fmt.Errorf("starttls: %w", err)
		}
		client = c
	} else {
		conn, err := tls.Dial("tcp", addr, tlsConfig)
		if err != nil {
			return fmt.Errorf("dial SMTP %s: %w", addr, err)
		}
		c, err := smtp.NewClient(conn, cfg.Host)
		if err != nil {
			_ = conn.Close()
			return fmt.Errorf("smtp handshake: %w", err)
		}
		client = c
	}
	defer client.Close()

	if cfg.Username != "" {
		auth := smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth: %w", err)
		}
	}

	if err := client.Mail(from); err != nil {
		return fmt.Errorf("MAIL FROM: %w", err)
	}
	if err := client.Rcpt(to); err != nil {
		return fmt.Errorf("RCPT TO: %w", err)
	}
	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("DATA: %w", err)
	}
	if _, err := w.Write(raw); err != nil {
		_ = w.Close()
		return fmt.Errorf("write message: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("finish message: %w", err)
	}
	return client.Quit()
}
