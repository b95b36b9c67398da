// Package whatsapp sends messages through the WhatsApp Cloud API.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kat-co/vala"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/reminder"
)

const graphURL = "https://graph.facebook.com"

var ErrNotConfigured = errors.New("whatsapp cloud api is not configured")

// Client implements reminder.WhatsAppSender.
type Client struct {
	baseURL    string
	conf       core.WhatsAppConfig
	httpClient *http.Client
}

var _ reminder.WhatsAppSender = (*Client)(nil)

func NewClient(conf core.WhatsAppConfig, baseURL string) (*Client, error) {
	err := vala.BeginValidation().Validate(
		vala.StringNotEmpty(conf.AccessToken, "conf.AccessToken"),
		vala.StringNotEmpty(conf.PhoneNumberID, "conf.PhoneNumberID"),
	).Check()
	if err != nil {
		return nil, errors.Wrap(ErrNotConfigured, err.Error())
	}
	if len(conf.AccessToken) < 10 {
		return nil, errors.Wrap(ErrNotConfigured, "access token looks invalid")
	}
	if baseURL == "" {
		baseURL = graphURL
	}
	if conf.APIVersion == "" {
		conf.APIVersion = "v20.0"
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		conf:       conf,
		httpClient: &http.Client{Timeout: 20 * time.Second},
	}, nil
}

type (
	textBody struct {
		Body       string `json:"body"`
		PreviewURL bool   `json:"preview_url"`
	}
	templateParam struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	templateComponent struct {
		Type       string          `json:"type"`
		Parameters []templateParam `json:"parameters"`
	}
	templateBody struct {
		Name       string              `json:"name"`
		Language   map[string]string   `json:"language"`
		Components []templateComponent `json:"components"`
	}
	message struct {
		MessagingProduct string        `json:"messaging_product"`
		To               string        `json:"to"`
		Type             string        `json:"type"`
		Text             *textBody     `json:"text,omitempty"`
		Template         *templateBody `json:"template,omitempty"`
	}
)

func (c *Client) SendText(ctx context.Context, to, body string) error {
	return c.send(ctx, message{
		MessagingProduct: "whatsapp",
		To:               core.DigitsOnly(to),
		Type:             "text",
		Text:             &textBody{Body: body},
	})
}

// SendTemplate sends a pre-approved template with positional body parameters.
func (c *Client) SendTemplate(ctx context.Context, to, name, language string, params ...string) error {
	if language == "" {
		language = "en_US"
	}
	tmpl := &templateBody{Name: name, Language: map[string]string{"code": language}}
	if len(params) > 0 {
		comp := templateComponent{Type: "body"}
		for _, p := range params {
			comp.Parameters = append(comp.Parameters, templateParam{Type: "text", Text: p})
		}
		tmpl.Components = append(tmpl.Components, comp)
	}
	return c.send(ctx, message{
		MessagingProduct: "whatsapp",
		To:               core.DigitsOnly(to),
		Type:             "template",
		Template:         tmpl,
	})
}

func (c *Client) send(ctx context.Context, msg message) error {
	if msg.To == "" {
		return errors.New("whatsapp: empty recipient")
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "encoding whatsapp message")
	}

	url := c.baseURL + "/" + c.conf.APIVersion + "/" + c.conf.PhoneNumberID + "/messages"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "building whatsapp request")
	}
	req.Header.Set("Authorization", "Bearer "+c.conf.AccessToken)
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "sending whatsapp message")
	}
	defer res.Body.Close()
	body, _ := io.ReadAll(res.Body)
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		reason := gjson.GetBytes(body, "error.message").String()
		if reason == "" {
			reason = string(body)
		}
		return errors.Errorf("whatsapp: HTTP %d: %s", res.StatusCode, reason)
	}
	return nil
}
