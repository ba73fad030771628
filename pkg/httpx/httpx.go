// Package httpx holds the gin response helpers shared by every handler.
package httpx

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"lex-bounty/bounty-portal/bounty-portal-backend/internal/apperr"
)

const requestIDHeader = "X-Request-ID"

func NewRequestID() string { return "req_" + uuid.NewString() }

// RequestID tags every request with an id, reusing the caller's when sent.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = NewRequestID()
		}
		c.Set("request_id", id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// Error writes err using the status mapped from its kind.
func Error(c *gin.Context, err error) {
	status := apperr.HTTPStatus(err)
	kind := apperr.KindOf(err)
	if kind == "" {
		kind = "internal_error"
	}
	message := err.Error()
	var ae *apperr.Error
	if errors.As(err, &ae) && ae.Msg != "" {
		message = ae.Msg
	}
	c.JSON(status, gin.H{
		"request_id": c.GetString("request_id"),
		"error":      gin.H{"code": kind, "message": message},
	})
}

// BadRequest writes a 400 for malformed input that never reached a service.
func BadRequest(c *gin.Context, message string) {
	c.JSON(http.StatusBadRequest, gin.H{
		"request_id": c.GetString("request_id"),
		"error":      gin.H{"code": apperr.KindValidation, "message": message},
	})
}
