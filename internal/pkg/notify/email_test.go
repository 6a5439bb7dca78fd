package notify

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/xqhhhhhh/shopee-extension/internal/config"

	"gopkg.in/gomail.v2"
)

type mockSender struct {
	sendFunc func(m ...*gomail.Message) error
	calls    int
}

func (m *mockSender) DialAndSend(msgs ...*gomail.Message) error {
	m.calls++
	if m.sendFunc != nil {
		return m.sendFunc(msgs...)
	}
	return nil
}

func newTestNotifier(cfg config.EmailConfig, to string, sender Sender) *EmailNotifier {
	n := NewEmailNotifier(&cfg, to, slog.New(slog.NewTextHandler(io.Discard, nil)))
	n.sender = sender
	return n
}

func TestEmailNotifier_SkipsWithoutConfig(t *testing.T) {
	sender := &mockSender{}
	n := newTestNotifier(config.EmailConfig{}, "ops@example.com", sender)

	if err := n.Send(context.Background(), Alert{Subject: "blocked"}); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if sender.calls != 0 {
		t.Fatalf("expected no send, got %d", sender.calls)
	}
}

func TestEmailNotifier_SendsAlert(t *testing.T) {
	var subject string
	sender := &mockSender{sendFunc: func(msgs ...*gomail.Message) error {
		subject = strings.Join(msgs[0].GetHeader("Subject"), "")
		return nil
	}}
	cfg := config.EmailConfig{SMTPHost: "smtp.example.com", SMTPPort: 587, SMTPUser: "bot", FromEmail: "bot@example.com"}
	n := newTestNotifier(cfg, "ops@example.com", sender)

	alert := Alert{Subject: "验证页拦截", URL: "https://shopee.ph/verify/traffic", Until: time.Now().Add(15 * time.Minute)}
	if err := n.Send(context.Background(), alert); err != nil {
		t.Fatalf("send: %v", err)
	}
	if sender.calls != 1 {
		t.Fatalf("expected 1 send, got %d", sender.calls)
	}
	if !strings.Contains(subject, "验证页拦截") {
		t.Fatalf("unexpected subject %q", subject)
	}
}

func TestEmailNotifier_WrapsSendError(t *testing.T) {
	boom := errors.New("dial failed")
	sender := &mockSender{sendFunc: func(...*gomail.Message) error { return boom }}
	cfg := config.EmailConfig{SMTPHost: "smtp.example.com", SMTPPort: 587, SMTPUser: "bot", FromEmail: "bot@example.com"}
	n := newTestNotifier(cfg, "ops@example.com", sender)

	err := n.Send(context.Background(), Alert{Subject: "x"})
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped error, got %v", err)
	}
}

func TestBuildHTMLBody_EscapesURL(t *testing.T) {
	body := buildHTMLBody(Alert{Subject: "s", URL: `https://x/?a=<b>`})
	if strings.Contains(body, "<b>") {
		t.Fatal("expected url to be escaped")
	}
}
