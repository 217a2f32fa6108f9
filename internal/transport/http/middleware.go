package httptransport

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/tranquocviet1024/phoneshop/internal/domain"
	"github.com/tranquocviet1024/phoneshop/internal/service/audit"
)

const (
	headerRequestID        = "X-Request-ID"
	headerUserID           = "X-User-ID"
	headerUserRole         = "X-User-Role"
	headerIdempotencyKey   = "Idempotency-Key"
	headerIdempotentReplay = "Idempotent-Replayed"

	ctxKeyRequestID = "request_id"
	ctxKeyActor     = "actor"
	ctxKeyTracker   = "audit_tracker"
)

func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerRequestID))
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}
		c.Set(ctxKeyRequestID, id)
		c.Header(headerRequestID, id)
		c.Next()
	}
}

func (s *Server) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		started := time.Now()
		c.Next()

		entry := s.logger.WithFields(log.Fields{
			"method":      c.Request.Method,
			"path":        c.FullPath(),
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(started).Milliseconds(),
			"request_id":  c.GetString(ctxKeyRequestID),
		})
		if actor, ok := actorFrom(c); ok {
			entry = entry.WithField("actor", actor.String())
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			entry.Warn("request failed")
		default:
			entry.Debug("request served")
		}
	}
}

// actorMiddleware читает личность вызывающего из заголовков auth-прокси.
func (s *Server) actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := strings.TrimSpace(c.GetHeader(headerUserID))
		if id == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorBody{Error: "missing " + headerUserID, Reason: "unauthenticated"})
			return
		}
		role := domain.Role(strings.ToLower(strings.TrimSpace(c.GetHeader(headerUserRole))))
		switch role {
		case domain.RoleCustomer, domain.RoleStaff, domain.RoleAdmin:
		case "":
			role = domain.RoleCustomer
		default:
			// system зарезервирована за фоновыми задачами
			c.AbortWithStatusJSON(http.StatusForbidden, errorBody{Error: "unknown role", Reason: "forbidden"})
			return
		}
		c.Set(ctxKeyActor, domain.Actor{ID: id, Role: role})
		c.Next()
	}
}

// auditTracking привязывает к запросу Tracker, чтобы ответ ушёл после записи аудита.
func (s *Server) auditTracking() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, tracker := audit.Track(c.Request.Context())
		c.Request = c.Request.WithContext(ctx)
		c.Set(ctxKeyTracker, tracker)
		c.Next()
	}
}

func actorFrom(c *gin.Context) (domain.Actor, bool) {
	v, ok := c.Get(ctxKeyActor)
	if !ok {
		return domain.Actor{}, false
	}
	actor, ok := v.(domain.Actor)
	return actor, ok
}

func mustActor(c *gin.Context) domain.Actor {
	actor, _ := actorFrom(c)
	return actor
}

// waitAudit ждёт записи аудита текущего запроса не дольше auditWait.
func (s *Server) waitAudit(c *gin.Context) {
	v, ok := c.Get(ctxKeyTracker)
	if !ok {
		return
	}
	tracker, _ := v.(*audit.Tracker)
	if !tracker.Wait(s.auditWait) {
		s.logger.WithField("request_id", c.GetString(ctxKeyRequestID)).Warn("audit entries not persisted before response")
	}
}
