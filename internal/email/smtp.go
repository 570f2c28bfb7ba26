// Copyright 2025 New Vector Ltd.
//
// SPDX-License-Identifier: AGPL-3.0-only OR LicenseRef-Element-Commercial
// Please see LICENSE files in the repository root for full details.

// Package email sends outbound mail and queries the delivery-status provider.
package email

import (
	"context"
	"crypto/tls"
	"fmt"
	"mime"
	"net"
	"net/mail"
	"net/smtp"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/unlistd/unlistd/setup/config"
)

const smtpDefaultTimeout = 30 * time.Second

// Sender sends mail through the configured SMTP relay, rate-limited to
// respect the relay's sending policy.
type Sender struct {
	cfg     *config.SMTP
	limiter *rate.Limiter
}

func NewSender(cfg *config.SMTP) *Sender {
	return &Sender{
		cfg:     cfg,
		limiter: rate.NewLimiter(rate.Limit(cfg.SendsPerSecond), 1),
	}
}

// Send delivers one HTML email. It blocks until the rate limiter permits the
// send or the context is cancelled.
func (s *Sender) Send(ctx context.Context, to, subject, htmlBody, replyTo string) error {
	if !s.cfg.Enabled {
		return fmt.Errorf("smtp is not enabled")
	}
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	fromAddr, err := mail.ParseAddress(s.cfg.From)
	if err != nil {
		return fmt.Errorf("invalid from address: %w", err)
	}
	toAddr, err := mail.ParseAddress(to)
	if err != nil {
		return fmt.Errorf("invalid to address: %w", err)
	}
	message := buildMessage(fromAddr, toAddr, subject, htmlBody, replyTo)
	return sendViaSMTP(ctx, s.cfg, fromAddr, toAddr, message)
}

// ReplyAddress derives a tagged reply address from the configured From
// address, so that broker replies can be routed back to the request that
// prompted them. Returns empty if From is not a parsable address.
func (s *Sender) ReplyAddress(tag string) string {
	fromAddr, err := mail.ParseAddress(s.cfg.From)
	if err != nil {
		return ""
	}
	at := strings.LastIndex(fromAddr.Address, "@")
	if at < 0 {
		return ""
	}
	return fmt.Sprintf("%s+%s@%s", fromAddr.Address[:at], tag, fromAddr.Address[at+1:])
}

func buildMessage(from, to *mail.Address, subject, htmlBody, replyTo string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", from.String())
	fmt.Fprintf(&b, "To: %s\r\n", to.String())
	if replyTo != "" {
		fmt.Fprintf(&b, "Reply-To: %s\r\n", replyTo)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", subject))
	b.WriteString("MIME-Version: 1.0\r\n")
	b.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	b.WriteString("\r\n")
	b.WriteString(htmlBody)
	return b.String()
}

func sendViaSMTP(ctx context.Context, smtpCfg *config.SMTP, fromAddr, toAddr *mail.Address, message string) error {
	addr := fmt.Sprintf("%s:%d", smtpCfg.Host, smtpCfg.Port)
	dialer := &net.Dialer{Timeout: smtpDefaultTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to dial SMTP server: %w", err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(smtpDefaultTimeout))

	client, err := smtp.NewClient(conn, smtpCfg.Host)
	if err != nil {
		return fmt.Errorf("failed to create SMTP client: %w", err)
	}
	defer client.Quit()

	tlsActive := false
	if smtpCfg.RequireTLS {
		if ok, _ := client.Extension("STARTTLS"); !ok {
			return fmt.Errorf("smtp server %s does not support STARTTLS", smtpCfg.Host)
		}
		tlsConfig := &tls.Config{ServerName: smtpCfg.Host}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("failed to start TLS: %w", err)
		}
		tlsActive = true
	} else if ok, _ := client.Extension("STARTTLS"); ok {
		tlsConfig := &tls.Config{ServerName: smtpCfg.Host}
		if err := client.StartTLS(tlsConfig); err != nil {
			return fmt.Errorf("failed to start optional TLS: %w", err)
		}
		tlsActive = true
	}

	if smtpCfg.Username != "" {
		password := smtpCfg.GetPassword()
		if password == "" {
			return fmt.Errorf("smtp password not configured")
		}
		if !tlsActive {
			return fmt.Errorf("smtp auth refused without TLS")
		}
		auth := smtp.PlainAuth("", smtpCfg.Username, password, smtpCfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("smtp auth failed: %w", err)
		}
	}

	if err := client.Mail(fromAddr.Address); err != nil {
		return fmt.Errorf("smtp mail failed: %w", err)
	}
	if err := client.Rcpt(toAddr.Address); err != nil {
		return fmt.Errorf("smtp rcpt failed: %w", err)
	}

	wc, err := client.Data()
	if err != nil {
		return fmt.Errorf("smtp data failed: %w", err)
	}
	if _, err := wc.Write([]byte(message)); err != nil {
		_ = wc.Close()
		return fmt.Errorf("smtp write failed: %w", err)
	}
	if err := wc.Close(); err != nil {
		return fmt.Errorf("smtp data close failed: %w", err)
	}

	return client.Quit()
}
