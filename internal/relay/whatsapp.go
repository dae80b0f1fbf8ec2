package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/luckbys/bkcrm-sub006/internal/models"
)

// defaultHTTPTimeout bounds one relay request to the WhatsApp gateway.
const defaultHTTPTimeout = 15 * time.Second

// WhatsApp relays messages through the WhatsApp HTTP gateway's sendText
// endpoint. The recipient number comes from the ticket's contact id.
type WhatsApp struct {
	baseURL  string
	instance string
	apiKey   string
	client   *http.Client
}

// WhatsAppOpts holds parameters for creating a WhatsApp relay.
type WhatsAppOpts struct {
	BaseURL  string
	Instance string
	APIKey   string
	// Client overrides the HTTP client, for tests.
	Client *http.Client
}

// sendTextRequest is the gateway's sendText body.
type sendTextRequest struct {
	Number string `json:"number"`
	Text   string `json:"text"`
}

// NewWhatsApp creates a WhatsApp relay.
func NewWhatsApp(opts WhatsAppOpts) (*WhatsApp, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("whatsapp: base url is required")
	}
	if opts.Instance == "" {
		return nil, fmt.Errorf("whatsapp: instance is required")
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: defaultHTTPTimeout}
	}
	return &WhatsApp{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		instance: opts.Instance,
		apiKey:   opts.APIKey,
		client:   client,
	}, nil
}

// Name implements realtime.Relay.
func (w *WhatsApp) Name() string { return "whatsapp" }

// RelayMessage implements realtime.Relay.
func (w *WhatsApp) RelayMessage(ctx context.Context, ticket *models.Ticket, content string) error {
	if ticket.ContactID == "" {
		return fmt.Errorf("whatsapp: ticket %s has no contact id", ticket.ID)
	}

	body, err := json.Marshal(sendTextRequest{Number: ticket.ContactID, Text: content})
	if err != nil {
		return fmt.Errorf("whatsapp: marshal request: %w", err)
	}

	url := fmt.Sprintf("%s/message/sendText/%s", w.baseURL, w.instance)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("whatsapp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.apiKey != "" {
		req.Header.Set("apikey", w.apiKey)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("whatsapp: send to %s: %w", ticket.ContactID, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("whatsapp: gateway returned %d: %s", resp.StatusCode, strings.TrimSpace(string(detail)))
	}
	return nil
}
