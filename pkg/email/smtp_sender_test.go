// pkg/email/smtp_sender_test.go
//
// Unit tests run against an in-process SMTP responder.
// The live test requires EMAIL_INTEGRATION_TEST=true and SMTP_* variables.

package email

import (
	"bufio"
	"context"
	"net"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/CodeMonkeyCybersecurity/scout/internal/config"
	"github.com/CodeMonkeyCybersecurity/scout/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSMTPSender(t *testing.T) {
	tests := []struct {
		name    string
		config  config.SMTPConfig
		wantErr bool
	}{
		{
			name:   "Valid configuration",
			config: config.SMTPConfig{Host: "smtp.example.com", Port: 587, FromEmail: "scout@example.com", UseTLS: true},
		},
		{
			name:    "Missing host",
			config:  config.SMTPConfig{Port: 587, FromEmail: "scout@example.com"},
			wantErr: true,
		},
		{
			name:    "Missing from email",
			config:  config.SMTPConfig{Host: "smtp.example.com", Port: 587},
			wantErr: true,
		},
		{
			name:   "Defaults applied",
			config: config.SMTPConfig{Host: "smtp.example.com", FromEmail: "scout@example.com"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sender, err := NewSMTPSender(tt.config, logger.Nop())
			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, sender)
				return
			}
			require.NoError(t, err)
			assert.NotZero(t, sender.config.Port)
			assert.NotZero(t, sender.config.Timeout)
		})
	}
}

func TestBuildMessage(t *testing.T) {
	sender, err := NewSMTPSender(config.SMTPConfig{
		Host:      "smtp.example.com",
		FromEmail: "scout@example.com",
		FromName:  "Scout",
	}, logger.Nop())
	require.NoError(t, err)
	sender.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }

	raw := string(sender.buildMessage(Message{
		To:      []string{"admin@example.com"},
		Subject: "HIGH Vulnerability Detected in Shop API\r\nBcc: evil@example.com",
		Body:    "Hello\n\nBody",
		Headers: map[string]string{"X-Scout-Issue": "issue-1"},
	}))

	assert.Contains(t, raw, "From: Scout <scout@example.com>\r\n")
	assert.Contains(t, raw, "To: admin@example.com\r\n")
	assert.Contains(t, raw, "Subject: HIGH Vulnerability Detected in Shop API  Bcc: evil@example.com\r\n")
	assert.Contains(t, raw, "Date: Fri, 02 Jan 2026 03:04:05 +0000\r\n")
	assert.Contains(t, raw, "X-Scout-Issue: issue-1\r\n")
	assert.True(t, strings.HasSuffix(raw, "\r\n\r\nHello\r\n\r\nBody"))
}

func TestSendValidation(t *testing.T) {
	sender, err := NewSMTPSender(config.SMTPConfig{Host: "smtp.example.com", FromEmail: "scout@example.com"}, logger.Nop())
	require.NoError(t, err)

	assert.Error(t, sender.Send(context.Background(), Message{Subject: "s", Body: "b"}))
	assert.Error(t, sender.Send(context.Background(), Message{To: []string{"a@example.com"}, Body: "b"}))
	assert.Error(t, sender.Send(context.Background(), Message{To: []string{"a@example.com"}, Subject: "s"}))
}

// fakeSMTP accepts one session and records the DATA payload.
func fakeSMTP(t *testing.T) (host string, port int, received chan string) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	received = make(chan string, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		reply := func(s string) { _, _ = conn.Write([]byte(s + "\r\n")) }
		reply("220 localhost ESMTP")

		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			cmd := strings.ToUpper(strings.TrimSpace(line))
			switch {
			case strings.HasPrefix(cmd, "EHLO"), strings.HasPrefix(cmd, "HELO"):
				reply("250 localhost")
			case cmd == "DATA":
				reply("354 end with .")
				var data strings.Builder
				for {
					l, err := r.ReadString('\n')
					if err != nil {
						return
					}
					if l == ".\r\n" {
						break
					}
					data.WriteString(l)
				}
				received <- data.String()
				reply("250 queued")
			case cmd == "QUIT":
				reply("221 bye")
				return
			default:
				reply("250 OK")
			}
		}
	}()

	addr := ln.Addr().(*net.TCPAddr)
	return "127.0.0.1", addr.Port, received
}

func TestSendPlain(t *testing.T) {
	host, port, received := fakeSMTP(t)

	sender, err := NewSMTPSender(config.SMTPConfig{
		Host:      host,
		Port:      port,
		FromEmail: "scout@example.com",
		Timeout:   5 * time.Second,
	}, logger.Nop())
	require.NoError(t, err)

	err = sender.Send(context.Background(), Message{
		To:      []string{"admin@example.com"},
		Subject: "HIGH Vulnerability Detected in Shop API",
		Body:    "Hello Ada Admin",
	})
	require.NoError(t, err)

	select {
	case data := <-received:
		assert.Contains(t, data, "Subject: HIGH Vulnerability Detected in Shop API")
		assert.Contains(t, data, "Hello Ada Admin")
	case <-time.After(5 * time.Second):
		t.Fatal("no message received")
	}
}

func TestSendUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	sender, err := NewSMTPSender(config.SMTPConfig{Host: "127.0.0.1", Port: port, FromEmail: "scout@example.com", Timeout: time.Second}, logger.Nop())
	require.NoError(t, err)

	err = sender.Send(context.Background(), Message{To: []string{"a@example.com"}, Subject: "s", Body: "b"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to connect to SMTP server")
}

func TestSendLive(t *testing.T) {
	if os.Getenv("EMAIL_INTEGRATION_TEST") != "true" {
		t.Skip("Skipping email integration test - set EMAIL_INTEGRATION_TEST=true to run")
	}

	port, _ := strconv.Atoi(os.Getenv("SMTP_PORT"))
	cfg := config.SMTPConfig{
		Host:      os.Getenv("SMTP_HOST"),
		Port:      port,
		Username:  os.Getenv("SMTP_USERNAME"),
		Password:  os.Getenv("SMTP_PASSWORD"),
		FromEmail: os.Getenv("SMTP_FROM_EMAIL"),
		FromName:  "Scout",
		UseTLS:    true,
	}
	if cfg.Host == "" || cfg.FromEmail == "" {
		t.Skip("SMTP configuration not provided via environment variables")
	}

	sender, err := NewSMTPSender(cfg, logger.Nop())
	require.NoError(t, err)

	to := os.Getenv("TEST_RECIPIENT_EMAIL")
	if to == "" {
		to = cfg.FromEmail
	}
	require.NoError(t, sender.Send(context.Background(), Message{
		To:      []string{to},
		Subject: "Scout SMTP test",
		Body:    "This is an automated test message.",
	}))
}
