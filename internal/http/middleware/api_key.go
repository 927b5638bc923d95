package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
)

// Role is the caller identity tier derived from the X-API-Key header.
type Role string

const (
	RoleProducer Role = "producer"
	RoleOperator Role = "operator"
)

const ctxRoleKey = "caller_role"

// RoleFromCtx extracts the authenticated role set by APIKeyMiddleware.
func RoleFromCtx(c echo.Context) (Role, bool) {
	v := c.Get(ctxRoleKey)
	r, ok := v.(Role)
	return r, ok
}

// APIKeyMiddleware authenticates requests using X-API-Key against the static
// producer/operator keys. The operator key satisfies producer routes too.
// minRole is the weakest role the route accepts.
func APIKeyMiddleware(producerKey, operatorKey string, minRole Role) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get("X-API-Key"))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			}

			role, ok := matchKey(key, producerKey, operatorKey)
			if !ok {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			}
			if minRole == RoleOperator && role != RoleOperator {
				return c.JSON(http.StatusForbidden, map[string]string{"error": "operator key required"})
			}

			c.Set(ctxRoleKey, role)
			return next(c)
		}
	}
}

func matchKey(key, producerKey, operatorKey string) (Role, bool) {
	if operatorKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(operatorKey)) == 1 {
		return RoleOperator, true
	}
	if producerKey != "" && subtle.ConstantTimeCompare([]byte(key), []byte(producerKey)) == 1 {
		return RoleProducer, true
	}
	return "", false
}
