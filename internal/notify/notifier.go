// Package notify delivers "recurring expense created" notifications.
// Delivery is best effort: the scheduler logs failures and moves on.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"net/smtp"

	"outlay/internal/core"
)

// Dispatcher is invoked after each successful materialization.
type Dispatcher interface {
	Dispatch(ctx context.Context, owner core.User, clone core.Expense) error
}

// SMTPDispatcher emails the owner. The owner's username doubles as
// the recipient address (external-identity accounts register with
// their email as username).
type SMTPDispatcher struct {
	addr string
	from string
	auth smtp.Auth
}

func NewSMTPDispatcher(host, port, from, password string) *SMTPDispatcher {
	var auth smtp.Auth
	if password != "" {
		auth = smtp.PlainAuth("", from, password, host)
	}
	return &SMTPDispatcher{addr: host + ":" + port, from: from, auth: auth}
}

func (d *SMTPDispatcher) Dispatch(ctx context.Context, owner core.User, clone core.Expense) error {
	to := owner.Username
	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: Recurring Expense Created\r\n\r\n"+
		"A new recurring expense has been created: %s (%s %s)\r\n",
		d.from, to, clone.Title, clone.Amount.String(), clone.Currency)

	// smtp.SendMail has no context hook; bound it from the outside so
	// a stalled relay cannot hold up the scheduler.
	done := make(chan error, 1)
	go func() {
		done <- smtp.SendMail(d.addr, d.auth, d.from, []string{to}, []byte(msg))
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("send notification mail: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("send notification mail: %w", ctx.Err())
	}
}

// LogDispatcher stands in when no mail relay is configured.
type LogDispatcher struct{}

func (LogDispatcher) Dispatch(ctx context.Context, owner core.User, clone core.Expense) error {
	slog.InfoContext(ctx, "Recurring expense created",
		"owner_id", owner.ID,
		"expense_id", clone.ID,
		"title", clone.Title,
		"amount", clone.Amount.String())
	return nil
}
