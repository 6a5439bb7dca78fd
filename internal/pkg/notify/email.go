package notify

import (
	"context"
	"fmt"
	"html"
	"log/slog"
	"strings"

	"github.com/xqhhhhhh/shopee-extension/internal/config"

	"gopkg.in/gomail.v2"
)

// Sender 发送一封已构造好的邮件。
type Sender interface {
	DialAndSend(m ...*gomail.Message) error
}

// EmailNotifier 实现邮件通知。
type EmailNotifier struct {
	cfg    *config.EmailConfig
	to     string
	sender Sender
	logger *slog.Logger
}

// NewEmailNotifier 创建一个新的邮件通知器。
//
// 参数:
//   - cfg: SMTP 配置
//   - to: 收件人
//   - logger: 日志记录器
func NewEmailNotifier(cfg *config.EmailConfig, to string, logger *slog.Logger) *EmailNotifier {
	return &EmailNotifier{
		cfg:    cfg,
		to:     to,
		sender: gomail.NewDialer(cfg.SMTPHost, cfg.SMTPPort, cfg.SMTPUser, cfg.SMTPPass),
		logger: logger,
	}
}

// Send 发送邮件通知。配置缺失时跳过并返回 nil。
func (n *EmailNotifier) Send(ctx context.Context, alert Alert) error {
	if n.cfg.SMTPHost == "" || n.cfg.SMTPUser == "" || n.cfg.FromEmail == "" {
		n.logger.Warn("email config missing, skip notification")
		return nil
	}
	if strings.TrimSpace(n.to) == "" {
		n.logger.Warn("email recipient empty, skip notification")
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m := gomail.NewMessage()
	m.SetHeader("From", n.cfg.FromEmail)
	m.SetHeader("To", n.to)
	m.SetHeader("Subject", "[Shopee Crawler] "+alert.Subject)
	m.SetBody("text/html", buildHTMLBody(alert))

	if err := n.sender.DialAndSend(m); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	n.logger.Info("email notification sent", slog.String("to", n.to), slog.String("subject", alert.Subject))
	return nil
}

func buildHTMLBody(alert Alert) string {
	until := "-"
	if !alert.Until.IsZero() {
		until = alert.Until.Format("2006-01-02 15:04:05")
	}

	template := `<!DOCTYPE html>
<html>
<body style="font-family: Arial, sans-serif;">
  <div style="max-width: 560px; margin: 0 auto; padding: 16px;">
    <h2>%s</h2>
    <p>触发页面：<a href="%s">%s</a></p>
    <p>自动恢复时间：%s</p>
    <p>%s</p>
    <p style="color:#6b7280;font-size:12px;">完成验证后可调用 /api/verify/resume 立即恢复。</p>
  </div>
</body>
</html>`
	return fmt.Sprintf(template,
		html.EscapeString(alert.Subject),
		html.EscapeString(alert.URL),
		html.EscapeString(alert.URL),
		until,
		html.EscapeString(alert.Detail))
}
