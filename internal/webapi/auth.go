package webapi

import (
	"crypto/subtle"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

const contextKeyUserID = "session_user_id"

// sessionMiddleware validates the signed session cookie issued by the
// identity provider and stores the subject on the request context.
func sessionMiddleware(cfg Config) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		cookie, err := ctx.Cookie(cfg.SessionCookieName)
		if err != nil || cookie == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "missing session"))
			return
		}
		claims := &jwt.RegisteredClaims{}
		token, err := jwt.ParseWithClaims(cookie, claims, func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method %v", token.Header["alg"])
			}
			return []byte(cfg.SessionSigningKey), nil
		}, jwt.WithIssuer(cfg.SessionIssuer), jwt.WithExpirationRequired())
		if err != nil || !token.Valid || claims.Subject == "" {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid session"))
			return
		}
		ctx.Set(contextKeyUserID, claims.Subject)
		ctx.Next()
	}
}

// sharedSecretMiddleware guards internal endpoints (cron, vendor callback)
// with a constant-time header comparison.
func sharedSecretMiddleware(headerName string, secret string) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		provided := ctx.GetHeader(headerName)
		if subtle.ConstantTimeCompare([]byte(provided), []byte(secret)) != 1 {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("unauthorized", "invalid secret"))
			return
		}
		ctx.Next()
	}
}

func sessionUserID(ctx *gin.Context) string {
	value, ok := ctx.Get(contextKeyUserID)
	if !ok {
		return ""
	}
	userID, _ := value.(string)
	return userID
}

func errorResponse(code string, message string) gin.H {
	return gin.H{
		"error": gin.H{
			"code":    code,
			"message": message,
		},
	}
}
