package gateway

import (
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

// WebhookEvent — проверенное уведомление шлюза.
type WebhookEvent struct {
	GatewayOrderCode string
	Outcome          domain.GatewayOutcome
	Code             string
	Status           string
	AmountMinor      int64
	TransactionID    string
	Payload          json.RawMessage
}

type webhookEnvelope struct {
	Code      string          `json:"code"`
	Desc      string          `json:"desc"`
	Data      json.RawMessage `json:"data"`
	Signature string          `json:"signature"`
}

// Sign считает HMAC-SHA256 над строкой key=value&..., ключи по алфавиту.
func Sign(fields map[string]string, checksumKey string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		if i > 0 {
			sb.WriteByte('&')
		}
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(fields[k])
	}

	mac := hmac.New(sha256.New, []byte(checksumKey))
	mac.Write([]byte(sb.String()))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook проверяет подпись уведомления и нормализует исход.
func VerifyWebhook(body []byte, checksumKey string) (WebhookEvent, error) {
	var env webhookEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return WebhookEvent{}, fmt.Errorf("decode webhook: %w", err)
	}
	if len(env.Data) == 0 || env.Signature == "" {
		return WebhookEvent{}, domain.ErrInvalidSignature
	}

	dec := json.NewDecoder(bytes.NewReader(env.Data))
	dec.UseNumber()
	var data map[string]any
	if err := dec.Decode(&data); err != nil {
		return WebhookEvent{}, fmt.Errorf("decode webhook data: %w", err)
	}

	fields := make(map[string]string, len(data))
	for k, v := range data {
		fields[k] = fieldValue(v)
	}
	expected := Sign(fields, checksumKey)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(env.Signature))) {
		return WebhookEvent{}, domain.ErrInvalidSignature
	}

	event := WebhookEvent{
		GatewayOrderCode: fields["orderCode"],
		Code:             env.Code,
		Status:           strings.ToUpper(fields["status"]),
		TransactionID:    fields["reference"],
		Payload:          append(json.RawMessage(nil), env.Data...),
	}
	if event.GatewayOrderCode == "" {
		return WebhookEvent{}, fmt.Errorf("webhook without orderCode: %w", domain.ErrInvalidSignature)
	}
	if amount, err := strconv.ParseInt(fields["amount"], 10, 64); err == nil {
		event.AmountMinor = amount
	}
	event.Outcome = MapOutcome(env.Code, event.Status)
	return event, nil
}

// MapOutcome сопоставляет code/status шлюза исходу платежа.
// Код 00 без статуса означает успешную оплату.
func MapOutcome(code, status string) domain.GatewayOutcome {
	status = strings.ToUpper(strings.TrimSpace(status))
	switch status {
	case "CANCELLED":
		return domain.OutcomeCancelled
	case "PENDING", "PROCESSING":
		return domain.OutcomePending
	case "EXPIRED", "FAILED", "UNDERPAID":
		return domain.OutcomeFailed
	}
	if code == "00" && (status == "" || status == "PAID") {
		return domain.OutcomeCompleted
	}
	return domain.OutcomeFailed
}

// BuildWebhook собирает подписанное уведомление. Используется mock-шлюзом и тестами.
func BuildWebhook(checksumKey, gatewayOrderCode string, outcome domain.GatewayOutcome, amountMinor int64, reference string) ([]byte, error) {
	code, status := "00", "PAID"
	switch outcome {
	case domain.OutcomeCancelled:
		code, status = "00", "CANCELLED"
	case domain.OutcomeFailed:
		code, status = "01", "FAILED"
	case domain.OutcomePending:
		code, status = "00", "PENDING"
	}

	orderCode, err := strconv.ParseInt(gatewayOrderCode, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("gateway order code must be numeric: %w", err)
	}
	data := map[string]any{
		"orderCode": orderCode,
		"amount":    amountMinor,
		"status":    status,
		"reference": reference,
		"code":      code,
	}
	fields := make(map[string]string, len(data))
	for k, v := range data {
		fields[k] = fieldValue(v)
	}

	return json.Marshal(map[string]any{
		"code":      code,
		"desc":      status,
		"success":   code == "00",
		"data":      data,
		"signature": Sign(fields, checksumKey),
	})
}

func fieldValue(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case json.Number:
		return val.String()
	case int64:
		return strconv.FormatInt(val, 10)
	case int:
		return strconv.Itoa(val)
	case bool:
		return strconv.FormatBool(val)
	default:
		raw, err := json.Marshal(val)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}
