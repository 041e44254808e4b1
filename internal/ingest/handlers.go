package ingest

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/austindbirch/claimrelay/internal/admin"
	"github.com/austindbirch/claimrelay/internal/circuit"
	"github.com/austindbirch/claimrelay/internal/deadletter"
	"github.com/austindbirch/claimrelay/internal/delivery"
	"github.com/austindbirch/claimrelay/internal/evaluation"
	"github.com/austindbirch/claimrelay/internal/logging"
	"github.com/austindbirch/claimrelay/internal/processing"
	"github.com/austindbirch/claimrelay/internal/status"
)

type modeInfo struct {
	Name string `json:"name"`
	evaluation.ModeSettings
}

func (s *Server) listModes(c *gin.Context) {
	all := evaluation.Modes()
	out := make([]modeInfo, 0, len(all))
	for _, name := range evaluation.ModeNames() {
		out = append(out, modeInfo{Name: name, ModeSettings: all[evaluation.Mode(name)]})
	}
	c.JSON(http.StatusOK, gin.H{"modes": out})
}

// claimEnvelope is the part of a claim the front door routes on
type claimEnvelope struct {
	ReferenceID string `json:"reference_id"`
	WebhookURL  string `json:"webhook_url"`
}

// submitClaim queues the claim when it names a webhook_url and otherwise evaluates it
// inline and returns the report.
func (s *Server) submitClaim(c *gin.Context) {
	mode, err := processing.ParseMode(c.Param("mode"))
	if err != nil {
		writeError(c, err)
		return
	}
	raw, err := io.ReadAll(http.MaxBytesReader(c.Writer, c.Request.Body, maxBodyBytes))
	if err != nil {
		writeError(c, &delivery.ValidationError{Field: "claim", Reason: "unreadable body: " + err.Error()})
		return
	}
	var env claimEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		writeError(c, &delivery.ValidationError{Field: "claim", Reason: "malformed JSON: " + err.Error()})
		return
	}

	if env.WebhookURL != "" {
		sub, err := s.submitter.Submit(c.Request.Context(), processing.SubmitRequest{
			ReferenceID:   env.ReferenceID,
			Claim:         raw,
			Mode:          string(mode),
			CallbackURL:   env.WebhookURL,
			CorrelationID: c.GetHeader(correlationIDHeader),
		})
		if err != nil {
			writeError(c, err)
			return
		}
		c.Header(correlationIDHeader, sub.CorrelationID)
		c.JSON(http.StatusAccepted, sub)
		return
	}

	claim, err := processing.ParseClaim(raw)
	if err != nil {
		writeError(c, err)
		return
	}
	report, err := s.evaluator.Evaluate(c.Request.Context(), claim, mode)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) getDelivery(c *gin.Context) {
	rec, err := s.admin.GetStatus(c.Request.Context(), c.Param("key"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func statusParam(c *gin.Context) (status.Status, error) {
	v := c.Query("status")
	if v == "" {
		return "", nil
	}
	st, err := status.ParseStatus(v)
	if err != nil {
		return "", &delivery.ValidationError{Field: "status", Reason: err.Error()}
	}
	return st, nil
}

func durationParam(c *gin.Context, name string) (time.Duration, error) {
	v := c.Query(name)
	if v == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d < 0 {
		return 0, &delivery.ValidationError{Field: name, Reason: "must be a non-negative duration such as 24h"}
	}
	return d, nil
}

func (s *Server) listDeliveries(c *gin.Context) {
	st, err := statusParam(c)
	if err != nil {
		writeError(c, err)
		return
	}
	recs, err := s.admin.ListStatuses(c.Request.Context(), status.Filter{ReferenceID: c.Query("reference_id"), Status: st})
	if err != nil {
		writeError(c, err)
		return
	}
	if recs == nil {
		recs = []status.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"deliveries": recs, "count": len(recs)})
}

func (s *Server) cleanupDeliveries(c *gin.Context) {
	st, err := statusParam(c)
	if err != nil {
		writeError(c, err)
		return
	}
	olderThan, err := durationParam(c, "older_than")
	if err != nil {
		writeError(c, err)
		return
	}
	n, err := s.admin.Cleanup(c.Request.Context(), status.CleanupFilter{
		Status:      st,
		ReferenceID: c.Query("reference_id"),
		OlderThan:   olderThan,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"removed": n})
}

func (s *Server) listDeadLetters(c *gin.Context) {
	limit := 0
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(c, &delivery.ValidationError{Field: "limit", Reason: "must be a positive integer"})
			return
		}
		limit = n
	}
	recs, err := s.admin.ListDeadLetters(c.Request.Context(), deadletter.ListFilter{
		ReferenceID: c.Query("reference_id"),
		Limit:       limit,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	if recs == nil {
		recs = []deadletter.Record{}
	}
	c.JSON(http.StatusOK, gin.H{"dead_letters": recs, "count": len(recs)})
}

func (s *Server) purgeDeadLetters(c *gin.Context) {
	olderThan, err := durationParam(c, "older_than")
	if err != nil {
		writeError(c, err)
		return
	}
	n, err := s.admin.PurgeDeadLetters(c.Request.Context(), olderThan)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": n})
}

type replayRequest struct {
	Reason string `json:"reason"`
}

func (s *Server) replayDeadLetter(c *gin.Context) {
	var req replayRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			writeError(c, &delivery.ValidationError{Field: "body", Reason: err.Error()})
			return
		}
	}
	rep, err := s.admin.ReplayDeadLetter(c.Request.Context(), c.Param("key"), req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, rep)
}

func (s *Server) listCircuits(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"circuits": s.admin.Circuits()})
}

func (s *Server) resetCircuit(c *gin.Context) {
	name := c.Param("name")
	if err := s.admin.ResetCircuit(c.Request.Context(), name); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"name": name, "state": circuit.Closed.String()})
}

// writeError maps domain errors onto HTTP status codes
func writeError(c *gin.Context, err error) {
	var (
		verr *delivery.ValidationError
		cerr *circuit.CircuitOpenError
	)
	code := http.StatusInternalServerError
	switch {
	case errors.As(err, &verr):
		code = http.StatusBadRequest
	case errors.As(err, &cerr):
		code = http.StatusServiceUnavailable
		if cerr.RetryAfter > 0 {
			c.Header("Retry-After", strconv.Itoa(int(math.Ceil(cerr.RetryAfter.Seconds()))))
		}
	case errors.Is(err, status.ErrNotFound), errors.Is(err, deadletter.ErrNotFound), errors.Is(err, admin.ErrUnknownCircuit):
		code = http.StatusNotFound
	case errors.Is(err, admin.ErrAlreadyReplayed):
		code = http.StatusConflict
	case errors.Is(err, admin.ErrNoDeadLetters):
		code = http.StatusServiceUnavailable
	}
	if code >= http.StatusInternalServerError {
		logging.WithContext(c.Request.Context()).WithError(err).WithField("path", c.Request.URL.Path).Error("request error")
	}
	c.AbortWithStatusJSON(code, gin.H{"error": err.Error()})
}
