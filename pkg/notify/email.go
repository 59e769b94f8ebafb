package notify

import (
	"context"
	"fmt"
	"net/smtp"
	"os"
	"strings"

	"github.com/chengis/chengis/pkg/config"
)

// Email sends build results over SMTP. Recipients come from the
// pipeline's notifier config ("to", comma-separated).
type Email struct {
	host     string
	port     int
	from     string
	password string
	// send is swappable for tests.
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

// NewEmail returns an SMTP notifier from configuration.
func NewEmail(cfg *config.EmailConfig) *Email {
	return &Email{
		host:     cfg.Host,
		port:     cfg.Port,
		from:     cfg.From,
		password: os.Getenv(cfg.PasswordEnv),
		send:     smtp.SendMail,
	}
}

func (e *Email) Type() string { return "email" }

func (e *Email) Notify(_ context.Context, res *BuildResult, cfg map[string]string) error {
	to := splitRecipients(cfg["to"])
	if len(to) == 0 {
		return fmt.Errorf("no recipients configured")
	}

	var body strings.Builder
	fmt.Fprintf(&body, "From: %s\r\n", e.from)
	fmt.Fprintf(&body, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&body, "Subject: %s\r\n\r\n", subject(res))
	fmt.Fprintf(&body, "Job:     %s\r\n", res.JobName)
	fmt.Fprintf(&body, "Build:   #%d\r\n", res.Build.BuildNumber)
	fmt.Fprintf(&body, "Status:  %s\r\n", res.Build.Status)
	fmt.Fprintf(&body, "Branch:  %s\r\n", res.Build.Branch)
	if res.FailedStep != "" {
		fmt.Fprintf(&body, "Failed:  %s\r\n", res.FailedStep)
	}
	if res.URL != "" {
		fmt.Fprintf(&body, "\r\n%s\r\n", res.URL)
	}

	var auth smtp.Auth
	if e.password != "" {
		auth = smtp.PlainAuth("", e.from, e.password, e.host)
	}
	addr := fmt.Sprintf("%s:%d", e.host, e.port)
	if err := e.send(addr, auth, e.from, to, []byte(body.String())); err != nil {
		return fmt.Errorf("sending mail: %w", err)
	}
	return nil
}

func splitRecipients(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if addr := strings.TrimSpace(part); addr != "" {
			out = append(out, addr)
		}
	}
	return out
}
