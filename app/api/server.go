package api

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// NewServer creates a new HTTP server with all routes configured
func NewServer(handler *Handler, apiAccessKey string) *gin.Engine {
	// Set Gin mode (can be controlled via GIN_MODE environment variable)
	gin.SetMode(gin.ReleaseMode)

	r := gin.New()

	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		Formatter: func(param gin.LogFormatterParams) string {
			return fmt.Sprintf("%s - [%s] \"%s %s %s %d %s \"%s\" %s\"\n",
				param.ClientIP,
				param.TimeStamp.Format(time.RFC3339),
				param.Method,
				param.Path,
				param.Request.Proto,
				param.StatusCode,
				param.Latency,
				param.Request.UserAgent(),
				param.ErrorMessage,
			)
		},
		SkipPaths: []string{"/health"},
	}))

	r.Use(gin.Recovery())

	r.Use(func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, X-API-Key")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	setupRoutes(r, handler, apiAccessKey)

	return r
}

func setupRoutes(r *gin.Engine, handler *Handler, apiAccessKey string) {
	r.GET("/feeds/:type/:file", handler.GetFeedFile)
	r.GET("/language-feeds/:file", handler.GetLanguageFeedFile)

	r.GET("/health", handler.GetHealth)

	// API endpoints (conditionally enabled with authentication)
	if apiAccessKey != "" {
		api := r.Group("/api")
		api.Use(authMiddleware(apiAccessKey))
		{
			api.GET("/feeds", handler.APIListFeeds)
			api.POST("/feeds/regenerate", handler.APIRegenerateAll)
			api.POST("/feeds/:type/regenerate", handler.APIRegenerateFeed)
			api.GET("/jobs", handler.APIListJobs)
			api.PUT("/items/:type", handler.APIUpsertItems)
			api.DELETE("/items/:type/:id", handler.APIDeleteItem)
			api.GET("/languages", handler.APIListLanguageFeedIDs)
			api.DELETE("/languages", handler.APIClearLanguageFeedIDs)
			api.POST("/languages/:code/feed-id", handler.APIStoreLanguageFeedID)
			api.DELETE("/languages/:code/feed-id", handler.APIInvalidateLanguageFeedID)
			api.POST("/languages/:code/regenerate", handler.APIRegenerateLanguageFeed)
		}
		slog.Info("API endpoints enabled with authentication")
	} else {
		slog.Info("API endpoints disabled (API_ACCESS_KEY not set)")
	}

	r.GET("/", func(c *gin.Context) {
		endpoints := map[string]string{
			"feed":          "/feeds/<type>/<file>",
			"language_feed": "/language-feeds/<file>",
			"health":        "/health",
		}

		if apiAccessKey != "" {
			endpoints["feeds"] = "/api/feeds (requires X-API-Key header)"
			endpoints["regenerate"] = "/api/feeds/<type>/regenerate (POST, requires X-API-Key header)"
			endpoints["jobs"] = "/api/jobs (requires X-API-Key header)"
			endpoints["items"] = "/api/items/<type> (PUT, requires X-API-Key header)"
			endpoints["languages"] = "/api/languages (GET, DELETE, requires X-API-Key header)"
			endpoints["language_regenerate"] = "/api/languages/<code>/regenerate (POST, requires X-API-Key header)"
		}

		c.JSON(200, gin.H{
			"service":     "feedsync",
			"description": "Catalog feed file generation and language override feed management",
			"endpoints":   endpoints,
			"api_status": map[string]interface{}{
				"enabled":       apiAccessKey != "",
				"auth_required": apiAccessKey != "",
				"header":        "X-API-Key",
			},
		})
	})

	r.GET("/favicon.ico", func(c *gin.Context) {
		c.Status(204)
	})
}

func authMiddleware(apiAccessKey string) gin.HandlerFunc {
	return func(c *gin.Context) {
		providedKey := c.GetHeader("X-API-Key")

		if providedKey == "" {
			authHeader := c.GetHeader("Authorization")
			if strings.HasPrefix(authHeader, "Bearer ") {
				providedKey = strings.TrimPrefix(authHeader, "Bearer ")
			}
		}

		if providedKey == "" {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "API key required",
				"message": "Provide API key in X-API-Key header or Authorization: Bearer <key>",
			})
			c.Abort()
			return
		}

		if providedKey != apiAccessKey {
			c.JSON(http.StatusUnauthorized, gin.H{
				"error":   "Invalid API key",
				"message": "The provided API key is not valid",
			})
			c.Abort()
			return
		}

		c.Next()
	}
}
