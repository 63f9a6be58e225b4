// Package notify delivers one-time codes and security alerts to users out of
// band.
package notify

import (
	"context"
	"fmt"
	"net"
	"net/smtp"
	"strings"

	"github.com/signalix/stepup/internal/logging"
	"github.com/signalix/stepup/internal/model"
	"go.uber.org/zap"
)

// SendMailFunc matches smtp.SendMail
type SendMailFunc func(addr string, a smtp.Auth, from string, to []string, msg []byte) error

// SMTPNotifier sends mail through an authenticated SMTP relay
type SMTPNotifier struct {
	server   string
	host     string
	user     string
	password string
	from     string
	sendMail SendMailFunc
}

// NewSMTPNotifier creates a notifier for server ("host:port")
func NewSMTPNotifier(server, user, password, from string) (*SMTPNotifier, error) {
	if server == "" || user == "" || password == "" {
		return nil, fmt.Errorf("SMTP server, user and password are required")
	}
	host, _, err := net.SplitHostPort(server)
	if err != nil {
		return nil, fmt.Errorf("invalid SMTP_SERVER format (expected host:port): %w", err)
	}
	if from == "" {
		from = user
	}
	return &SMTPNotifier{
		server:   server,
		host:     host,
		user:     user,
		password: password,
		from:     from,
		sendMail: smtp.SendMail,
	}, nil
}

// WithSendMail replaces the mail transport, for tests
func (n *SMTPNotifier) WithSendMail(fn SendMailFunc) *SMTPNotifier {
	n.sendMail = fn
	return n
}

func (n *SMTPNotifier) SendOTP(ctx context.Context, user model.User, code string) error {
	body := fmt.Sprintf("Hello %s,\r\n\r\nYour one-time password is %s. It is valid for a short time only; do not share it with anyone.\r\n",
		displayName(user), code)
	return n.send(ctx, user.Email, "Your one-time password", body)
}

func (n *SMTPNotifier) SendSecurityAlert(ctx context.Context, user model.User) error {
	body := fmt.Sprintf("Hello %s,\r\n\r\nSomeone entered a wrong one-time password for your account too many times. "+
		"Verification is blocked for the next 24 hours. If this was not you, change your password.\r\n",
		displayName(user))
	return n.send(ctx, user.Email, "Security alert: too many OTP attempts", body)
}

func (n *SMTPNotifier) send(ctx context.Context, recipient, subject, body string) error {
	if recipient == "" {
		return fmt.Errorf("user has no email address")
	}
	auth := smtp.PlainAuth("", n.user, n.password, n.host)
	msg := []byte("From: " + n.from + "\r\n" +
		"To: " + recipient + "\r\n" +
		"Subject: " + subject + "\r\n" +
		"Content-Type: text/plain; charset=UTF-8\r\n\r\n" +
		body + "\r\n")

	// smtp.SendMail takes no context; stop waiting for it when ctx ends
	done := make(chan error, 1)
	go func() {
		done <- n.sendMail(n.server, auth, n.from, []string{recipient}, msg)
	}()
	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send email via %s: %w", n.server, err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send email via %s: %w", n.server, ctx.Err())
	}
}

func displayName(user model.User) string {
	if name := strings.TrimSpace(user.FullName); name != "" {
		return name
	}
	return user.Username
}

// LogNotifier writes notifications to the log instead of delivering them.
// Codes are only written when revealCodes is set, which is meant for local
// development.
type LogNotifier struct {
	logger      *zap.Logger
	revealCodes bool
}

// NewLogNotifier creates a log-only notifier
func NewLogNotifier(logger *zap.Logger, revealCodes bool) *LogNotifier {
	return &LogNotifier{logger: logger, revealCodes: revealCodes}
}

func (n *LogNotifier) SendOTP(_ context.Context, user model.User, code string) error {
	fields := []zap.Field{logging.User(user.ID)}
	if n.revealCodes {
		fields = append(fields, zap.String("code", code))
	}
	n.logger.Info("otp notification", fields...)
	return nil
}

func (n *LogNotifier) SendSecurityAlert(_ context.Context, user model.User) error {
	n.logger.Warn("security alert notification", logging.User(user.ID))
	return nil
}
