package mailer

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/LJTian/KickoffDigest/internal/config"
	"github.com/wneessen/go-mail"
)

const (
	SenderName  = "The Kickoff Bot"
	Subject     = "🔥 Your Daily Football Viral Feed"
	dialTimeout = 15 * time.Second
)

// Transport 一次连接内可多次发送；*mail.Client 即满足该接口
type Transport interface {
	DialWithContext(ctx context.Context) error
	Send(msgs ...*mail.Msg) error
	Close() error
}

// Report 记录每个收件人的投递结果
type Report struct {
	Sent   []string          `json:"sent"`
	Failed map[string]string `json:"failed,omitempty"`
}

func (r Report) FailedCount() int {
	return len(r.Failed)
}

func (r *Report) fail(recipient string, err error) {
	if r.Failed == nil {
		r.Failed = make(map[string]string)
	}
	r.Failed[recipient] = err.Error()
}

type Mailer struct {
	cfg          config.EmailConfig
	newTransport func() (Transport, error)
}

// New 使用 SMTP 发送；465 端口走隐式 TLS，其它端口要求 STARTTLS
func New(cfg config.EmailConfig) *Mailer {
	return &Mailer{
		cfg: cfg,
		newTransport: func() (Transport, error) {
			opts := []mail.Option{
				mail.WithPort(cfg.SMTPPort),
				mail.WithSMTPAuth(mail.SMTPAuthPlain),
				mail.WithUsername(cfg.Sender),
				mail.WithPassword(cfg.Password),
				mail.WithTimeout(dialTimeout),
			}
			if cfg.SMTPPort == 465 {
				opts = append(opts, mail.WithSSL())
			} else {
				opts = append(opts, mail.WithTLSPolicy(mail.TLSMandatory))
			}
			return mail.NewClient(cfg.SMTPHost, opts...)
		},
	}
}

// NewWithTransport 注入自定义 Transport，便于测试或替换发送通道
func NewWithTransport(cfg config.EmailConfig, newTransport func() (Transport, error)) *Mailer {
	return &Mailer{cfg: cfg, newTransport: newTransport}
}

// Deliver 只建立一次连接并保证关闭；逐个收件人发送，单个失败不影响其它人。
// 只有连接本身失败时返回 error（此时所有收件人记为失败）。
func (m *Mailer) Deliver(ctx context.Context, fragment string, recipients []string) (Report, error) {
	var report Report
	if len(recipients) == 0 {
		return report, nil
	}

	html := Wrap(fragment, m.cfg.Intro)
	slog.Info("preparing to send email", slog.Int("recipients", len(recipients)))

	client, err := m.newTransport()
	if err == nil {
		err = client.DialWithContext(ctx)
	}
	if err != nil {
		err = fmt.Errorf("mailer: connect %s:%d: %w", m.cfg.SMTPHost, m.cfg.SMTPPort, err)
		for _, rcpt := range recipients {
			report.fail(rcpt, err)
		}
		return report, err
	}
	defer func() {
		if cerr := client.Close(); cerr != nil {
			slog.Warn("mailer: close connection", slog.Any("error", cerr))
		}
	}()

	for _, rcpt := range recipients {
		if err := ctx.Err(); err != nil {
			report.fail(rcpt, err)
			continue
		}
		msg, err := m.message(rcpt, html)
		if err == nil {
			err = client.Send(msg)
		}
		if err != nil {
			slog.Warn("mailer: send failed", slog.String("to", rcpt), slog.Any("error", err))
			report.fail(rcpt, err)
			continue
		}
		slog.Info("mailer: sent", slog.String("to", rcpt))
		report.Sent = append(report.Sent, rcpt)
	}

	slog.Info("email blast done", slog.Int("sent", len(report.Sent)), slog.Int("failed", report.FailedCount()))
	return report, nil
}

// 每个收件人单独一封邮件
func (m *Mailer) message(rcpt, html string) (*mail.Msg, error) {
	msg := mail.NewMsg()
	if err := msg.FromFormat(SenderName, m.cfg.Sender); err != nil {
		return nil, fmt.Errorf("mailer: from: %w", err)
	}
	if err := msg.To(rcpt); err != nil {
		return nil, fmt.Errorf("mailer: to: %w", err)
	}
	msg.Subject(Subject)
	msg.SetBodyString(mail.TypeTextHTML, html)
	return msg, nil
}
