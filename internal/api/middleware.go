package api

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/fentz26/mcpgate/internal/logger"
	"github.com/fentz26/mcpgate/internal/models"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// Identity headers honoured when token checks are disabled.
const (
	HeaderUser   = "X-MCPGate-User"
	HeaderGroups = "X-MCPGate-Groups"
	HeaderRoles  = "X-MCPGate-Roles"
)

// AnonymousUser is the caller id used when no identity is supplied.
const AnonymousUser = "anonymous"

const userKey = "mcpgate_user"

// Authentication resolves the caller into a UserContext. With a JWT secret
// configured the bearer token is required and its sub, groups, roles and sid
// claims are used. Otherwise identity headers are trusted, falling back to
// AnonymousUser when opts.AllowAnonymous is set.
func Authentication(opts Options) gin.HandlerFunc {
	secret := []byte(opts.JWTSecret)

	return func(c *gin.Context) {
		if len(secret) == 0 {
			user, ok := headerUser(c.Request, opts.AllowAnonymous)
			if !ok {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
					"error":   "unauthorized",
					"message": "Missing " + HeaderUser + " header",
				})
				return
			}
			c.Set(userKey, user)
			c.Next()
			return
		}

		authHeader := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if !strings.HasPrefix(authHeader, prefix) {
			logger.WithField("path", c.Request.URL.Path).Warn("Authentication failed: missing or invalid authorization header")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthorized",
				"message": "Missing or invalid authorization header",
			})
			return
		}

		token, err := jwt.Parse(authHeader[len(prefix):], func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
			}
			return secret, nil
		})
		if err != nil || !token.Valid {
			msg := "Token is not valid"
			if err != nil {
				msg = err.Error()
			}
			logger.WithFields(map[string]interface{}{
				"path":  c.Request.URL.Path,
				"error": msg,
			}).Warn("Authentication failed: token validation error")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_token",
				"message": msg,
			})
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_token",
				"message": "Invalid token claims",
			})
			return
		}

		sub, _ := claims["sub"].(string)
		if sub == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "invalid_token",
				"message": "Missing user ID in token",
			})
			return
		}

		user := models.UserContext{
			UserID: sub,
			Groups: stringsClaim(claims["groups"]),
			Roles:  stringsClaim(claims["roles"]),
		}
		user.SessionID, _ = claims["sid"].(string)

		c.Set(userKey, user)
		c.Next()
	}
}

// RequireAdmin aborts with 403 unless the caller is listed in opts.AdminUsers
// or holds one of opts.AdminGroups or opts.AdminRoles. The anonymous caller is
// never an administrator.
func RequireAdmin(opts Options) gin.HandlerFunc {
	return func(c *gin.Context) {
		user := currentUser(c)
		if !isAdmin(opts, user) {
			logger.WithFields(map[string]interface{}{
				"path":    c.Request.URL.Path,
				"user_id": user.UserID,
			}).Warn("Administrative call refused")
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Administrator access required",
			})
			return
		}
		c.Next()
	}
}

func isAdmin(opts Options, user models.UserContext) bool {
	if user.UserID == "" || user.UserID == AnonymousUser {
		return false
	}
	for _, id := range opts.AdminUsers {
		if id == user.UserID {
			return true
		}
	}
	for _, g := range opts.AdminGroups {
		if user.InGroup(g) {
			return true
		}
	}
	for _, r := range opts.AdminRoles {
		if user.HasRole(r) {
			return true
		}
	}
	return false
}

func headerUser(r *http.Request, allowAnonymous bool) (models.UserContext, bool) {
	id := strings.TrimSpace(r.Header.Get(HeaderUser))
	if id == "" {
		if !allowAnonymous {
			return models.UserContext{}, false
		}
		id = AnonymousUser
	}
	return models.UserContext{
		UserID: id,
		Groups: splitList(r.Header.Get(HeaderGroups)),
		Roles:  splitList(r.Header.Get(HeaderRoles)),
	}, true
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// stringsClaim accepts a JSON array of strings or a comma-separated string.
func stringsClaim(v interface{}) []string {
	switch x := v.(type) {
	case string:
		return splitList(x)
	case []interface{}:
		out := make([]string, 0, len(x))
		for _, item := range x {
			if s, ok := item.(string); ok && s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func currentUser(c *gin.Context) models.UserContext {
	if v, ok := c.Get(userKey); ok {
		if u, ok := v.(models.UserContext); ok {
			return u
		}
	}
	return models.UserContext{UserID: AnonymousUser}
}
