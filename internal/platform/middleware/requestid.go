package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

// RequestIDHeader is the HTTP header carrying the request's correlation ID,
// both inbound (caller-supplied) and outbound (echoed in the response).
const RequestIDHeader = "X-Request-ID"

// RequestID returns middleware that assigns every request a correlation ID,
// reusing one supplied by the caller in X-Request-ID if present. The ID is
// stashed under the "request_id" context key for Logger and Recovery to
// pick up.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			rid := c.Request().Header.Get(RequestIDHeader)
			if rid == "" {
				rid = uuid.NewString()
			}
			c.Set("request_id", rid)
			c.Response().Header().Set(RequestIDHeader, rid)
			return next(c)
		}
	}
}
