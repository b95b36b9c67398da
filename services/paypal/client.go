// Package paypal is a minimal client of the PayPal Orders v2 API.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/kat-co/vala"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"

	"github.com/trezcool/karo/core"
	"github.com/trezcool/karo/core/payment"
)

const (
	sandboxURL = "https://api-m.sandbox.paypal.com"
	liveURL    = "https://api-m.paypal.com"
)

var (
	ErrNotConfigured = errors.New("paypal credentials are not configured")

	NowFunc = time.Now // mockable
)

// Client implements payment.PayPalGateway.
type Client struct {
	baseURL    string
	conf       core.PayPalConfig
	httpClient *http.Client
	logger     core.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

var _ payment.PayPalGateway = (*Client)(nil)

func NewClient(conf core.PayPalConfig, baseURL string, logger core.Logger) (*Client, error) {
	if logger == nil {
		return nil, errors.New("paypal.NewClient: logger is required")
	}
	err := vala.BeginValidation().Validate(
		vala.StringNotEmpty(conf.ClientID, "conf.ClientID"),
		vala.StringNotEmpty(conf.ClientSecret, "conf.ClientSecret"),
	).Check()
	if err != nil {
		return nil, errors.Wrap(ErrNotConfigured, err.Error())
	}

	if baseURL == "" {
		baseURL = sandboxURL
		if conf.Mode == "live" {
			baseURL = liveURL
		}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		conf:       conf,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}, nil
}

func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && NowFunc().Before(c.tokenExpiry) {
		return c.token, nil
	}

	form := url.Values{"grant_type": {"client_credentials"}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/oauth2/token", strings.NewReader(form.Encode()))
	if err != nil {
		return "", errors.Wrap(err, "building paypal token request")
	}
	req.SetBasicAuth(c.conf.ClientID, c.conf.ClientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	body, status, err := c.do(req)
	if err != nil {
		return "", errors.Wrap(err, "requesting paypal token")
	}
	if status != http.StatusOK {
		return "", errors.Errorf("paypal auth failed: %d %s", status, body)
	}
	token := gjson.GetBytes(body, "access_token").String()
	if token == "" {
		return "", errors.New("paypal auth failed: access_token missing")
	}
	ttl := time.Duration(gjson.GetBytes(body, "expires_in").Int()) * time.Second
	if ttl <= time.Minute {
		ttl = 2 * time.Minute
	}
	c.token = token
	c.tokenExpiry = NowFunc().Add(ttl - time.Minute)
	return token, nil
}

func (c *Client) do(req *http.Request) ([]byte, int, error) {
	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, res.StatusCode, err
	}
	return body, res.StatusCode, nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload interface{}) ([]byte, int, error) {
	token, err := c.accessToken(ctx)
	if err != nil {
		return nil, 0, err
	}

	var buf bytes.Buffer
	if payload != nil {
		if err = json.NewEncoder(&buf).Encode(payload); err != nil {
			return nil, 0, errors.Wrap(err, "encoding paypal payload")
		}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, &buf)
	if err != nil {
		return nil, 0, errors.Wrap(err, "building paypal request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	body, status, err := c.do(req)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "calling paypal %s", path)
	}
	return body, status, nil
}

type (
	amount struct {
		CurrencyCode string `json:"currency_code"`
		Value        string `json:"value"`
	}
	purchaseUnit struct {
		ReferenceID string `json:"reference_id"`
		Amount      amount `json:"amount"`
	}
	appContext struct {
		ReturnURL  string `json:"return_url,omitempty"`
		CancelURL  string `json:"cancel_url,omitempty"`
		UserAction string `json:"user_action"`
	}
	orderPayload struct {
		Intent             string         `json:"intent"`
		PurchaseUnits      []purchaseUnit `json:"purchase_units"`
		ApplicationContext appContext     `json:"application_context"`
	}
)

// CreateOrder creates a CAPTURE order and returns its id and the payer approval link.
func (c *Client) CreateOrder(ctx context.Context, amt decimal.Decimal, currency, reference string) (payment.PayPalCreated, error) {
	body, status, err := c.postJSON(ctx, "/v2/checkout/orders", orderPayload{
		Intent: "CAPTURE",
		PurchaseUnits: []purchaseUnit{{
			ReferenceID: reference,
			Amount:      amount{CurrencyCode: currency, Value: amt.StringFixed(2)},
		}},
		ApplicationContext: appContext{
			ReturnURL:  c.conf.ReturnURL,
			CancelURL:  c.conf.CancelURL,
			UserAction: "PAY_NOW",
		},
	})
	if err != nil {
		return payment.PayPalCreated{}, err
	}
	if status != http.StatusCreated && status != http.StatusOK {
		c.logger.Warn(fmt.Sprintf("paypal.CreateOrder: status %d", status), map[string]interface{}{"body": string(body)})
		return payment.PayPalCreated{}, errors.Errorf("paypal create order failed: %d %s", status, gjson.GetBytes(body, "message").String())
	}

	res := gjson.ParseBytes(body)
	created := payment.PayPalCreated{OrderID: res.Get("id").String()}
	for _, link := range res.Get("links").Array() {
		rel := link.Get("rel").String()
		if rel == "approve" || rel == "payer-action" {
			created.ApproveURL = link.Get("href").String()
			break
		}
	}
	if created.OrderID == "" {
		return payment.PayPalCreated{}, errors.New("paypal create order failed: id missing")
	}
	return created, nil
}

// CaptureOrder captures an approved order. An already captured order is reported as completed.
func (c *Client) CaptureOrder(ctx context.Context, orderID string) (payment.PayPalCapture, error) {
	body, status, err := c.postJSON(ctx, "/v2/checkout/orders/"+url.PathEscape(orderID)+"/capture", nil)
	if err != nil {
		return payment.PayPalCapture{}, err
	}

	res := gjson.ParseBytes(body)
	if status == http.StatusUnprocessableEntity && res.Get(`details.#(issue=="ORDER_ALREADY_CAPTURED")`).Exists() {
		return payment.PayPalCapture{Status: "COMPLETED"}, nil
	}
	if status != http.StatusCreated && status != http.StatusOK {
		c.logger.Warn(fmt.Sprintf("paypal.CaptureOrder: status %d", status), map[string]interface{}{"body": string(body)})
		return payment.PayPalCapture{}, errors.Errorf("paypal capture failed: %d %s", status, res.Get("message").String())
	}

	capture := res.Get("purchase_units.0.payments.captures.0")
	out := payment.PayPalCapture{
		CaptureID: capture.Get("id").String(),
		Status:    capture.Get("status").String(),
		Currency:  capture.Get("amount.currency_code").String(),
	}
	if out.Status == "" {
		out.Status = res.Get("status").String()
	}
	if v := capture.Get("amount.value").String(); v != "" {
		amt, err := decimal.NewFromString(v)
		if err != nil {
			return payment.PayPalCapture{}, errors.Wrap(err, "parsing paypal capture amount")
		}
		out.Amount = amt
	}
	return out, nil
}
