// Package telegram provides Telegram notification services.
package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/l8labs/backup-deploy/internal/models"
	"github.com/rs/zerolog"
)

// Service defines the interface for Telegram notification operations.
type Service interface {
	SendNotification(ctx context.Context, cfg models.TelegramConfig, report models.FleetReport) (*models.TelegramResult, error)
}

// HTTPClient allows mocking HTTP requests.
type HTTPClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// Impl implements the Telegram Service interface.
type Impl struct {
	httpClient HTTPClient
	logger     zerolog.Logger
	baseURL    string
}

// New creates a new Telegram service.
func New(logger zerolog.Logger) *Impl {
	return &Impl{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger:  logger,
		baseURL: "https://api.telegram.org",
	}
}

// NewWithClient creates a new Telegram service with a custom HTTP client (for testing).
func NewWithClient(logger zerolog.Logger, httpClient HTTPClient, baseURL string) *Impl {
	return &Impl{
		httpClient: httpClient,
		logger:     logger,
		baseURL:    baseURL,
	}
}

// sendMessageRequest is the request body for Telegram sendMessage API.
type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// SendNotification sends the fleet summary via Telegram.
func (s *Impl) SendNotification(ctx context.Context, cfg models.TelegramConfig, report models.FleetReport) (*models.TelegramResult, error) {
	result := &models.TelegramResult{}

	s.logger.Info().
		Str("chat_id", cfg.ChatID).
		Bool("success", report.Success()).
		Msg("sending Telegram notification")

	reqBody := sendMessageRequest{
		ChatID:    cfg.ChatID,
		Text:      formatMessage(report),
		ParseMode: "HTML",
	}

	jsonBody, err := json.Marshal(reqBody)
	if err != nil {
		result.Error = fmt.Errorf("failed to marshal request: %w", err)
		return result, nil
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.baseURL, cfg.BotToken)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonBody))
	if err != nil {
		result.Error = fmt.Errorf("failed to create request: %w", err)
		return result, nil
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		result.Error = fmt.Errorf("failed to send request: %w", err)
		return result, nil
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		result.Error = fmt.Errorf("telegram API returned status %d", resp.StatusCode)
		return result, nil
	}

	result.MessageSent = true
	s.logger.Info().Msg("Telegram notification sent successfully")

	return result, nil
}

func formatMessage(report models.FleetReport) string {
	var b bytes.Buffer

	failed := report.Failed()
	if len(failed) == 0 {
		b.WriteString("✅ <b>Backup Deploy Successful</b>\n\n")
	} else {
		fmt.Fprintf(&b, "❌ <b>Backup Deploy Failed</b> (%d of %d hosts)\n\n", len(failed), len(report.Outcomes))
	}

	fmt.Fprintf(&b, "📦 <b>Scope:</b> %s\n", escapeHTML(string(report.Scope)))
	fmt.Fprintf(&b, "⏰ <b>Started:</b> %s\n", report.StartTime.Format("2006-01-02 15:04:05"))
	fmt.Fprintf(&b, "⏱ <b>Duration:</b> %s\n", report.Duration.Round(time.Second))
	if report.DryRun {
		b.WriteString("🧪 <b>Mode:</b> dry run\n")
	}

	b.WriteString("\n<b>🖥 Hosts:</b>\n")
	for _, o := range report.Outcomes {
		icon := "✅"
		if !o.Success() {
			icon = "❌"
		}
		fmt.Fprintf(&b, "  %s %s: %s (%s)\n", icon, escapeHTML(o.Host), o.Status, o.Duration.Round(time.Second))
		if o.FailedStep != "" {
			fmt.Fprintf(&b, "      • Failed step: %s\n", escapeHTML(o.FailedStep))
		}
		for _, err := range []error{o.ScriptErr, o.ModulesErr} {
			if err != nil {
				fmt.Fprintf(&b, "      • Error: <code>%s</code>\n", escapeHTML(err.Error()))
			}
		}
	}

	return b.String()
}

// escapeHTML escapes HTML special characters.
func escapeHTML(s string) string {
	var b bytes.Buffer
	for _, r := range s {
		switch r {
		case '<':
			b.WriteString("&lt;")
		case '>':
			b.WriteString("&gt;")
		case '&':
			b.WriteString("&amp;")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}
