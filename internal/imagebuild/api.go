package imagebuild

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openinspect/openinspect/internal/auth"
	"github.com/openinspect/openinspect/internal/common/httpmw"
	"github.com/openinspect/openinspect/internal/common/logger"
)

const defaultBuildTimeout = 1800 * time.Second

// API exposes the build worker over HTTP.
type API struct {
	builder      *Builder
	authCtx      *auth.Context
	buildTimeout time.Duration
	logger       *logger.Logger
}

// NewAPI creates the HTTP surface for the build worker. A zero buildTimeout
// falls back to the 1800 second default.
func NewAPI(builder *Builder, authCtx *auth.Context, buildTimeout time.Duration, log *logger.Logger) *API {
	if buildTimeout <= 0 {
		buildTimeout = defaultBuildTimeout
	}
	return &API{
		builder:      builder,
		authCtx:      authCtx,
		buildTimeout: buildTimeout,
		logger:       log,
	}
}

// Router assembles the gin engine with middleware and routes.
func (a *API) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(httpmw.Recovery(a.logger))
	router.Use(httpmw.RequestLogger(a.logger, "buildworker"))
	router.Use(httpmw.OtelTracing("buildworker"))

	router.GET("/health", a.handleHealth)

	authed := router.Group("/", auth.RequireInternalToken(a.authCtx, a.logger))
	authed.POST("/build-repo-image", a.handleBuildRepoImage)

	return router
}

func (a *API) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleBuildRepoImage accepts a build request and runs it asynchronously.
// The build outcome travels to the callback URL, not this response.
func (a *API) handleBuildRepoImage(c *gin.Context) {
	var req BuildRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if !a.builder.callbackAllowed(req.CallbackURL) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "callback URL not allowed"})
		return
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), a.buildTimeout)
		defer cancel()
		if err := a.builder.Build(ctx, req); err != nil {
			a.logger.Error("build rejected", zap.String("build_id", req.BuildID), zap.Error(err))
		}
	}()

	c.JSON(http.StatusAccepted, gin.H{
		"status":  "accepted",
		"buildId": req.BuildID,
	})
}
