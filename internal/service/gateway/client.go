package gateway

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

// ErrGatewayRejected шлюз отклонил запрос по существу. Повтор не поможет.
var ErrGatewayRejected = errors.New("payment gateway rejected request")

const (
	defaultTimeout       = 10 * time.Second
	maxDescriptionLength = 25
	maxErrorBody         = 4 << 10
)

// Config — параметры подключения к платёжному шлюзу.
type Config struct {
	BaseURL     string
	ClientID    string
	APIKey      string
	ChecksumKey string
	ReturnURL   string
	CancelURL   string
	Timeout     time.Duration
}

// ClientOption настраивает HTTPClient.
type ClientOption func(*HTTPClient)

// WithHTTPDoer подменяет http.Client (тесты, прокси).
func WithHTTPDoer(client *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.http = client
	}
}

// WithClientLogger задаёт logger.
func WithClientLogger(logger *log.Entry) ClientOption {
	return func(c *HTTPClient) {
		c.logger = logger
	}
}

// HTTPClient реализует domain.PaymentGateway поверх REST API шлюза.
type HTTPClient struct {
	cfg     Config
	baseURL *url.URL
	http    *http.Client
	logger  *log.Entry
	newCode func() int64
}

// NewHTTPClient создаёт клиента шлюза.
func NewHTTPClient(cfg Config, options ...ClientOption) (*HTTPClient, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errors.New("gateway base url is required")
	}
	if cfg.ChecksumKey == "" {
		return nil, errors.New("gateway checksum key is required")
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse gateway base url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}

	c := &HTTPClient{
		cfg:     cfg,
		baseURL: base,
		http:    &http.Client{Timeout: cfg.Timeout},
		newCode: newOrderCode,
	}
	for _, option := range options {
		option(c)
	}
	if c.logger == nil {
		c.logger = log.WithField("component", "gateway-client")
	}
	return c, nil
}

type apiEnvelope struct {
	Code string          `json:"code"`
	Desc string          `json:"desc"`
	Data json.RawMessage `json:"data"`
}

type createPaymentRequest struct {
	OrderCode   int64  `json:"orderCode"`
	Amount      int64  `json:"amount"`
	Description string `json:"description"`
	ReturnURL   string `json:"returnUrl"`
	CancelURL   string `json:"cancelUrl"`
	Signature   string `json:"signature"`
}

type createPaymentData struct {
	CheckoutURL string `json:"checkoutUrl"`
	OrderCode   int64  `json:"orderCode"`
}

type paymentInfoData struct {
	OrderCode    int64  `json:"orderCode"`
	Amount       int64  `json:"amount"`
	Status       string `json:"status"`
	Transactions []struct {
		Reference string `json:"reference"`
	} `json:"transactions"`
}

// CreateCheckout создаёт платёжную ссылку.
func (c *HTTPClient) CreateCheckout(ctx context.Context, req domain.CheckoutRequest) (domain.CheckoutSession, error) {
	returnURL := firstNonEmpty(req.ReturnURL, c.cfg.ReturnURL)
	cancelURL := firstNonEmpty(req.CancelURL, c.cfg.CancelURL)
	description := req.Description
	if description == "" {
		description = req.OrderID
	}
	if len(description) > maxDescriptionLength {
		description = description[:maxDescriptionLength]
	}

	body := createPaymentRequest{
		OrderCode:   c.newCode(),
		Amount:      req.AmountMinor,
		Description: description,
		ReturnURL:   returnURL,
		CancelURL:   cancelURL,
	}
	body.Signature = Sign(map[string]string{
		"amount":      strconv.FormatInt(body.Amount, 10),
		"cancelUrl":   body.CancelURL,
		"description": body.Description,
		"orderCode":   strconv.FormatInt(body.OrderCode, 10),
		"returnUrl":   body.ReturnURL,
	}, c.cfg.ChecksumKey)

	var data createPaymentData
	if err := c.do(ctx, http.MethodPost, "/v2/payment-requests", body, &data); err != nil {
		return domain.CheckoutSession{}, err
	}
	if data.CheckoutURL == "" {
		return domain.CheckoutSession{}, fmt.Errorf("%w: empty checkout url", ErrGatewayRejected)
	}

	code := data.OrderCode
	if code == 0 {
		code = body.OrderCode
	}
	return domain.CheckoutSession{
		CheckoutURL:      data.CheckoutURL,
		GatewayOrderCode: strconv.FormatInt(code, 10),
	}, nil
}

// Cancel отменяет платёжную ссылку.
func (c *HTTPClient) Cancel(ctx context.Context, gatewayOrderCode, reason string) error {
	path := "/v2/payment-requests/" + url.PathEscape(gatewayOrderCode) + "/cancel"
	return c.do(ctx, http.MethodPost, path, map[string]string{"cancellationReason": reason}, nil)
}

// GetStatus запрашивает состояние платежа у шлюза.
func (c *HTTPClient) GetStatus(ctx context.Context, gatewayOrderCode string) (domain.GatewayStatus, error) {
	var data paymentInfoData
	if err := c.do(ctx, http.MethodGet, "/v2/payment-requests/"+url.PathEscape(gatewayOrderCode), nil, &data); err != nil {
		return domain.GatewayStatus{}, err
	}

	status := domain.GatewayStatus{
		Outcome:     MapOutcome("00", data.Status),
		AmountMinor: data.Amount,
	}
	if data.Status == "" {
		status.Outcome = domain.OutcomePending
	}
	if len(data.Transactions) > 0 {
		status.TransactionID = data.Transactions[len(data.Transactions)-1].Reference
	}
	return status, nil
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode gateway request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL.String()+path, body)
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-client-id", c.cfg.ClientID)
	req.Header.Set("x-api-key", c.cfg.APIKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", domain.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", domain.ErrGatewayUnavailable, err)
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: status %d", domain.ErrGatewayUnavailable, resp.StatusCode)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("%w: status %d: %s", ErrGatewayRejected, resp.StatusCode, truncate(raw))
	}

	var env apiEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return fmt.Errorf("%w: decode response: %v", domain.ErrGatewayUnavailable, err)
	}
	if env.Code != "00" {
		c.logger.WithFields(log.Fields{
			"path": path,
			"code": env.Code,
			"desc": env.Desc,
		}).Warn("gateway rejected request")
		return fmt.Errorf("%w: code %s: %s", ErrGatewayRejected, env.Code, env.Desc)
	}
	if out == nil || len(env.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("%w: decode data: %v", domain.ErrGatewayUnavailable, err)
	}
	return nil
}

// newOrderCode выдаёт числовой код заказа для шлюза (шлюз принимает только числа до 2^53).
func newOrderCode() int64 {
	id := uuid.New()
	return int64(binary.BigEndian.Uint64(id[:8]) >> 11)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncate(raw []byte) string {
	if len(raw) > maxErrorBody {
		raw = raw[:maxErrorBody]
	}
	return string(raw)
}
