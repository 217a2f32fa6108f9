package httptransport

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
)

const (
	maxIdempotencyKeyLen = 255
	maxRequestBodyBytes  = 1 << 20
)

// idempotent кэширует ответ по Idempotency-Key.
// Завершённый запрос повторяется байт в байт с тем же статусом, запрос в работе даёт 409,
// ответ 5xx освобождает ключ для повторной попытки.
func (s *Server) idempotent(required bool, ep endpoint) gin.HandlerFunc {
	plain := s.handle(ep)
	return func(c *gin.Context) {
		key := idempotencyKey(c)
		switch {
		case key == "" && required:
			s.writeError(c, http.StatusBadRequest, errorBody{Error: domain.ErrIdempotencyKeyRequired.Error(), Reason: "validation"})
			return
		case len(key) > maxIdempotencyKeyLen:
			s.writeError(c, http.StatusBadRequest, errorBody{Error: "idempotency key is too long", Reason: "validation"})
			return
		case key == "" || s.idempotency == nil:
			plain(c)
			return
		}

		var body []byte
		if c.Request.Body != nil {
			var err error
			body, err = io.ReadAll(io.LimitReader(c.Request.Body, maxRequestBodyBytes))
			if err != nil {
				s.writeError(c, http.StatusBadRequest, errorBody{Error: "failed to read request body", Reason: "validation"})
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		ctx := c.Request.Context()
		hash := requestHash(c.Request.Method, c.Request.URL.Path, mustActor(c).ID, body)
		record, err := s.idempotency.CreateProcessing(ctx, key, hash, s.now().Add(s.idempotencyTTL))
		if err != nil {
			s.replay(c, key, record, err)
			return
		}

		status, resp := s.render(c, ep)
		s.storeOutcome(ctx, key, status, resp)
		s.write(c, status, resp)
	}
}

func (s *Server) replay(c *gin.Context, key string, record domain.IdempotencyRecord, createErr error) {
	logger := s.logger.WithField("idempotency_key", key)

	switch {
	case errors.Is(createErr, domain.ErrIdempotencyHashMismatch):
		s.writeError(c, http.StatusConflict, errorBody{
			Error:  "idempotency key is already used with a different request",
			Reason: "idempotency_key_reused",
		})
	case errors.Is(createErr, domain.ErrIdempotencyKeyAlreadyExists):
		if !record.Finished() {
			s.writeError(c, http.StatusConflict, errorBody{
				Error:  "request with the same idempotency key is already processing",
				Reason: "request_in_progress",
			})
			return
		}
		if len(record.ResponseBody) == 0 || record.HTTPStatus == 0 {
			logger.Warn("idempotency record has no stored response")
			s.writeError(c, http.StatusInternalServerError, errorBody{Error: "idempotency cache is empty", Reason: "internal"})
			return
		}
		c.Header(headerIdempotentReplay, "true")
		s.write(c, record.HTTPStatus, record.ResponseBody)
	case errors.Is(createErr, domain.ErrIdempotencyKeyRequired):
		s.writeError(c, http.StatusBadRequest, errorBody{Error: createErr.Error(), Reason: "validation"})
	default:
		logger.WithError(createErr).Error("failed to create idempotency record")
		s.writeError(c, http.StatusInternalServerError, errorBody{Error: "failed to initialize idempotency request", Reason: "internal"})
	}
}

// storeOutcome сохраняет ответ под ключом. Ошибки хранилища только логируются:
// клиент уже получил результат операции.
func (s *Server) storeOutcome(ctx context.Context, key string, status int, body []byte) {
	ctx = context.WithoutCancel(ctx)
	logger := s.logger.WithFields(log.Fields{"idempotency_key": key, "status": status})

	var err error
	switch {
	case status >= http.StatusInternalServerError:
		err = s.idempotency.Delete(ctx, key)
	case status >= http.StatusBadRequest:
		err = s.idempotency.MarkFailed(ctx, key, body, status)
	default:
		err = s.idempotency.MarkDone(ctx, key, body, status)
	}
	if err != nil {
		logger.WithError(err).Warn("failed to store idempotent response")
	}
}

func (s *Server) writeError(c *gin.Context, status int, body errorBody) {
	data, err := json.Marshal(body)
	if err != nil {
		data = internalErrorBody
	}
	s.write(c, status, data)
}

func requestHash(method, path, actorID string, body []byte) string {
	h := sha256.New()
	for _, part := range [][]byte{[]byte(method), []byte(path), []byte(actorID), body} {
		h.Write(part)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}
