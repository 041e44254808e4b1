package ingest

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/attribute"

	"github.com/austindbirch/claimrelay/internal/admin"
	"github.com/austindbirch/claimrelay/internal/auth"
	"github.com/austindbirch/claimrelay/internal/evaluation"
	"github.com/austindbirch/claimrelay/internal/logging"
	"github.com/austindbirch/claimrelay/internal/processing"
	"github.com/austindbirch/claimrelay/internal/tracing"
)

const (
	maxBodyBytes        = 1 << 20
	correlationIDHeader = "X-Correlation-ID"
)

type Submitter interface {
	Submit(ctx context.Context, req processing.SubmitRequest) (processing.Submission, error)
}

type Evaluator interface {
	Evaluate(ctx context.Context, claim evaluation.Claim, mode evaluation.Mode) (evaluation.Report, error)
}

type Options struct {
	Auth    *auth.JWTValidator // nil leaves admin routes open
	Health  http.HandlerFunc
	Metrics http.Handler
}

// Server is the front door: claim submission plus the admin surface
type Server struct {
	submitter Submitter
	evaluator Evaluator
	admin     *admin.Service
	opts      Options
}

func NewServer(submitter Submitter, evaluator Evaluator, adm *admin.Service, opts Options) *Server {
	return &Server{submitter: submitter, evaluator: evaluator, admin: adm, opts: opts}
}

// Router builds the gin engine with every route registered
func (s *Server) Router() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	if s.opts.Health != nil {
		r.GET("/healthz", gin.WrapF(s.opts.Health))
	}
	if s.opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(s.opts.Metrics))
	}

	v1 := r.Group("/v1")
	v1.GET("/modes", s.listModes)
	v1.POST("/claims/:mode", s.submitClaim)

	protected := v1.Group("")
	if s.opts.Auth != nil {
		protected.Use(s.opts.Auth.Middleware())
	}
	protected.GET("/deliveries", s.listDeliveries)
	protected.GET("/deliveries/:key", s.getDelivery)
	protected.DELETE("/deliveries", s.cleanupDeliveries)
	protected.GET("/dead-letters", s.listDeadLetters)
	protected.DELETE("/dead-letters", s.purgeDeadLetters)
	protected.POST("/dead-letters/:key/replay", s.replayDeadLetter)
	protected.GET("/circuits", s.listCircuits)
	protected.POST("/circuits/:name/reset", s.resetCircuit)
	return r
}

// requestLogger traces and logs each request with the structured logger
func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx, span := tracing.StartSpan(c.Request.Context(), "http."+c.Request.Method,
			attribute.String("http.route", c.FullPath()),
		)
		defer span.End()
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		span.SetAttributes(attribute.Int("http.status_code", c.Writer.Status()))
		entry := logging.WithContext(ctx).WithFields(map[string]any{
			"method":      c.Request.Method,
			"path":        c.Request.URL.Path,
			"status":      c.Writer.Status(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		if id := c.GetHeader(correlationIDHeader); id != "" {
			entry = entry.WithCorrelation(id)
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			entry.Error("request failed")
			return
		}
		entry.Info("request")
	}
}
