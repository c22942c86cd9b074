package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/openplace/server/cache"
	"github.com/openplace/server/config"
	"github.com/openplace/server/faction"
)

const ActorKey = "actor"

// Auth validates the Bearer JWT token, checks the session cache, and
// stores the resolved actor in the Gin context.
func Auth(sec config.SecurityConfig, c cache.Cache) gin.HandlerFunc {
	return func(ctx *gin.Context) {
		header := ctx.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"errors": []string{"missing token"}})
			return
		}
		tokenStr := strings.TrimPrefix(header, "Bearer ")

		claims, err := ParseToken(tokenStr, sec.JWTSecret)
		if err != nil {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"errors": []string{"invalid token"}})
			return
		}

		// Check session still valid in cache.
		sessionKey := "session:" + tokenStr
		cacheCtx, cancel := context.WithTimeout(ctx.Request.Context(), 2*time.Second)
		defer cancel()
		exists, err := c.Exists(cacheCtx, sessionKey)
		if err != nil || !exists {
			ctx.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"errors": []string{"session expired"}})
			return
		}

		ctx.Set(ActorKey, faction.Actor{
			UID:     claims.UID,
			Userlvl: claims.Userlvl,
			Country: claims.Country,
		})
		ctx.Next()
	}
}

// GetActor retrieves the authenticated actor from the Gin context. The
// zero actor means the request was not authenticated.
func GetActor(c *gin.Context) faction.Actor {
	if v, exists := c.Get(ActorKey); exists {
		return v.(faction.Actor)
	}
	return faction.Actor{}
}
