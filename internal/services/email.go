package services

import (
	"context"
	"fmt"
	"html"
	"net/url"
	"strings"

	"github.com/resend/resend-go/v2"

	"github.com/nicedonate/nicedonate/internal/config"
	"github.com/nicedonate/nicedonate/internal/logging"
)

type EmailServiceInterface interface {
	SendPasswordResetEmail(ctx context.Context, email, token string) error
}

type resendSender interface {
	SendWithContext(ctx context.Context, params *resend.SendEmailRequest) (*resend.SendEmailResponse, error)
}

type EmailService struct {
	provider string
	from     string
	baseURL  string
	sender   resendSender
	logger   *logging.Logger
}

func NewEmailService(cfg *config.EmailConfig) *EmailService {
	s := &EmailService{
		provider: cfg.Provider,
		from:     formatFrom(cfg.FromName, cfg.FromAddress),
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		logger:   logging.Default,
	}
	if cfg.Provider == "resend" {
		s.sender = resend.NewClient(cfg.ResendAPIKey).Emails
	}
	return s
}

func formatFrom(name, address string) string {
	if name == "" {
		return address
	}
	return fmt.Sprintf("%s <%s>", name, address)
}

func (s *EmailService) SendPasswordResetEmail(ctx context.Context, email, token string) error {
	link := s.baseURL + "/reset-password?token=" + url.QueryEscape(token)
	subject := "Redefinição de senha - niceDonate"
	text := fmt.Sprintf(
		"Recebemos um pedido para redefinir sua senha.\n\nAbra o link abaixo em até 1 hora:\n%s\n\nSe não foi você, ignore este email.\n",
		link,
	)
	body := fmt.Sprintf(
		`<p>Recebemos um pedido para redefinir sua senha.</p><p><a href="%s">Redefinir senha</a></p><p>O link expira em 1 hora. Se não foi você, ignore este email.</p>`,
		html.EscapeString(link),
	)
	return s.send(ctx, email, subject, body, text)
}

func (s *EmailService) send(ctx context.Context, to, subject, htmlBody, text string) error {
	if s.sender == nil {
		s.logger.Info("Email (console provider)", map[string]interface{}{
			"to":      to,
			"subject": subject,
			"body":    text,
		})
		return nil
	}

	_, err := s.sender.SendWithContext(ctx, &resend.SendEmailRequest{
		From:    s.from,
		To:      []string{to},
		Subject: subject,
		Html:    htmlBody,
		Text:    text,
	})
	if err != nil {
		return fmt.Errorf("sending email via resend: %w", err)
	}
	return nil
}
