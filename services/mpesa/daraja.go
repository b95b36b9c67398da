// Package mpesa is a client of the Safaricom Daraja API: OAuth, STK push and callback parsing.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
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
	sandboxURL    = "https://sandbox.safaricom.co.ke"
	productionURL = "https://api.safaricom.co.ke"

	timestampLayout = "20060102150405"
)

var (
	ErrNotConfigured = errors.New("daraja credentials are not configured")
	ErrBadCallback   = errors.New("malformed stk callback")

	NowFunc = time.Now // mockable

	nairobi = time.FixedZone("EAT", 3*60*60)
)

// Client implements payment.MpesaGateway.
type Client struct {
	baseURL    string
	conf       core.MpesaConfig
	httpClient *http.Client
	logger     core.Logger

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

var _ payment.MpesaGateway = (*Client)(nil)

// NewClient returns a Daraja client. An empty `baseURL` picks the sandbox or production host from `conf.Env`.
func NewClient(conf core.MpesaConfig, baseURL string, logger core.Logger) (*Client, error) {
	if logger == nil {
		return nil, errors.New("mpesa.NewClient: logger is required")
	}
	err := vala.BeginValidation().Validate(
		vala.StringNotEmpty(conf.ConsumerKey, "conf.ConsumerKey"),
		vala.StringNotEmpty(conf.ConsumerSecret, "conf.ConsumerSecret"),
		vala.StringNotEmpty(conf.ShortCode, "conf.ShortCode"),
		vala.StringNotEmpty(conf.Passkey, "conf.Passkey"),
	).Check()
	if err != nil {
		return nil, errors.Wrap(ErrNotConfigured, err.Error())
	}

	if baseURL == "" {
		baseURL = sandboxURL
		if conf.Env == "production" {
			baseURL = productionURL
		}
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		conf:       conf,
		httpClient: &http.Client{Timeout: 20 * time.Second},
		logger:     logger,
	}, nil
}

// accessToken returns a cached OAuth token, refreshing it a minute before it expires.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && NowFunc().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", errors.Wrap(err, "building daraja token request")
	}
	req.SetBasicAuth(c.conf.ConsumerKey, c.conf.ConsumerSecret)

	body, status, err := c.do(req)
	if err != nil {
		return "", errors.Wrap(err, "requesting daraja token")
	}
	if status != http.StatusOK {
		return "", errors.Errorf("daraja auth failed: %d %s", status, body)
	}

	token := gjson.GetBytes(body, "access_token").String()
	if token == "" {
		return "", errors.New("daraja auth failed: access_token missing")
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

// Password is base64(shortcode + passkey + timestamp).
func Password(shortCode, passkey, ts string) string {
	return base64.StdEncoding.EncodeToString([]byte(shortCode + passkey + ts))
}

// NormalizeMSISDN turns local phone formats into 2547XXXXXXXX.
func NormalizeMSISDN(phone string) string {
	p := strings.TrimPrefix(strings.TrimSpace(phone), "+")
	if strings.HasPrefix(p, "0") {
		p = "254" + p[1:]
	}
	if strings.HasPrefix(p, "254") {
		return p
	}
	digits := core.DigitsOnly(p)
	if len(digits) >= 9 {
		return "254" + digits[len(digits)-9:]
	}
	return p
}

type stkPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPush prompts the phone to pay. Amounts are rounded up to whole shillings.
func (c *Client) STKPush(ctx context.Context, sr payment.STKRequest) (payment.STKResponse, error) {
	if !c.conf.IsConfigured() {
		return payment.STKResponse{}, ErrNotConfigured
	}
	token, err := c.accessToken(ctx)
	if err != nil {
		return payment.STKResponse{}, err
	}

	ts := NowFunc().In(nairobi).Format(timestampLayout)
	phone := NormalizeMSISDN(sr.Phone)
	accountRef := sr.AccountRef
	if accountRef == "" {
		accountRef = c.conf.AccountRef
	}
	desc := sr.Description
	if desc == "" {
		desc = c.conf.TransactionDesc
	}
	payload, err := json.Marshal(stkPayload{
		BusinessShortCode: c.conf.ShortCode,
		Password:          Password(c.conf.ShortCode, c.conf.Passkey, ts),
		Timestamp:         ts,
		TransactionType:   "CustomerPayBillOnline",
		Amount:            sr.Amount.Ceil().IntPart(),
		PartyA:            phone,
		PartyB:            c.conf.ShortCode,
		PhoneNumber:       phone,
		CallBackURL:       c.conf.CallbackURL,
		AccountReference:  accountRef,
		TransactionDesc:   desc,
	})
	if err != nil {
		return payment.STKResponse{}, errors.Wrap(err, "encoding stk payload")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/mpesa/stkpush/v1/processrequest", bytes.NewReader(payload))
	if err != nil {
		return payment.STKResponse{}, errors.Wrap(err, "building stk request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	body, status, err := c.do(req)
	if err != nil {
		return payment.STKResponse{}, errors.Wrap(err, "sending stk push")
	}
	if status != http.StatusOK {
		c.logger.Warn(fmt.Sprintf("mpesa.STKPush: status %d", status), map[string]interface{}{"body": string(body)})
		return payment.STKResponse{}, errors.Errorf("stk push failed: %d %s", status, gjson.GetBytes(body, "errorMessage").String())
	}

	res := gjson.ParseBytes(body)
	return payment.STKResponse{
		MerchantRequestID:   res.Get("MerchantRequestID").String(),
		CheckoutRequestID:   res.Get("CheckoutRequestID").String(),
		ResponseCode:        res.Get("ResponseCode").String(),
		ResponseDescription: res.Get("ResponseDescription").String(),
		CustomerMessage:     res.Get("CustomerMessage").String(),
	}, nil
}

// ParseCallback reads `Body.stkCallback` of a Daraja callback.
func (c *Client) ParseCallback(body []byte) (payment.STKCallback, error) {
	return ParseCallback(body)
}

func ParseCallback(body []byte) (payment.STKCallback, error) {
	if !gjson.ValidBytes(body) {
		return payment.STKCallback{}, ErrBadCallback
	}
	cb := gjson.GetBytes(body, "Body.stkCallback")
	if !cb.Exists() || cb.Get("CheckoutRequestID").String() == "" {
		return payment.STKCallback{}, ErrBadCallback
	}

	out := payment.STKCallback{
		MerchantRequestID: cb.Get("MerchantRequestID").String(),
		CheckoutRequestID: cb.Get("CheckoutRequestID").String(),
		ResultCode:        int(cb.Get("ResultCode").Int()),
		ResultDesc:        cb.Get("ResultDesc").String(),
	}
	for _, item := range cb.Get("CallbackMetadata.Item").Array() {
		name := item.Get("Name").String()
		val := item.Get("Value")
		switch {
		case strings.Contains(name, "Receipt"):
			out.Receipt = val.String()
		case name == "Amount":
			amt, err := decimal.NewFromString(val.Raw)
			if err != nil {
				amt = decimal.NewFromFloat(val.Float())
			}
			out.Amount = amt
		case name == "PhoneNumber" || name == "MSISDN":
			out.Phone = val.String()
		case name == "TransactionDate":
			out.TransactionDate = val.String()
		case name == "Balance":
			out.Balance = val.String()
		}
	}
	return out, nil
}
