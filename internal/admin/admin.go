// Package admin serves the operator HTTP API: health, Prometheus metrics,
// queue inspection and dead-letter management.
package admin

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/UniQw/relq"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// StatsSource reports queue sizes. *relq.RedisBroker implements it.
type StatsSource interface {
	Stats(ctx context.Context, queue string) (relq.QueueStats, error)
}

// JobLister lists live jobs by storage state. *relq.RedisBroker implements it.
type JobLister interface {
	ListJobs(ctx context.Context, queue string, state relq.State, filter relq.JobFilter) ([]*relq.Job, error)
}

type Config struct {
	Queues      []string
	DeadLetters relq.DeadLetterStore
	// Publisher receives replayed jobs.
	Publisher relq.Publisher
	// Stats and Jobs are optional; their routes answer 501 when unset.
	Stats    StatsSource
	Jobs     JobLister
	Gatherer prometheus.Gatherer
	// APIKey, when set, is required in the X-API-Key header outside /healthz.
	APIKey string
	Logger relq.Logger
}

// NewRouter builds the gin engine.
func NewRouter(cfg Config) *gin.Engine {
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}
	if cfg.Logger == nil {
		cfg.Logger = relq.NewFmtLogger()
	}
	h := &handlers{cfg: cfg}

	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/", h.requireKey)
	api.GET("/metrics", gin.WrapH(promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{})))
	api.GET("/queues", h.listQueues)
	api.GET("/queues/:queue/jobs", h.listJobs)
	api.GET("/queues/:queue/dead", h.listDead)
	api.DELETE("/queues/:queue/dead", h.purgeDead)
	api.GET("/queues/:queue/dead/:id", h.getDead)
	api.DELETE("/queues/:queue/dead/:id", h.deleteDead)
	api.POST("/queues/:queue/dead/:id/replay", h.replayDead)
	return r
}

// NewServer wraps the router in an http.Server listening on addr.
func NewServer(addr string, cfg Config) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           NewRouter(cfg),
		ReadHeaderTimeout: 5 * time.Second,
	}
}

type handlers struct {
	cfg Config
}

func (h *handlers) requireKey(c *gin.Context) {
	if h.cfg.APIKey != "" && c.GetHeader("X-API-Key") != h.cfg.APIKey {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Next()
}

func (h *handlers) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, relq.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, relq.ErrUnknownState):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, relq.ErrDuplicateJob):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		h.cfg.Logger.Errorf("admin request failed: path=%s err=%v", c.FullPath(), err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func (h *handlers) listQueues(c *gin.Context) {
	if h.cfg.Stats == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "queue stats not supported by this broker"})
		return
	}
	queues := append([]string(nil), h.cfg.Queues...)
	sort.Strings(queues)
	out := make([]relq.QueueStats, 0, len(queues))
	for _, q := range queues {
		st, err := h.cfg.Stats.Stats(c.Request.Context(), q)
		if err != nil {
			h.fail(c, err)
			return
		}
		out = append(out, st)
	}
	c.JSON(http.StatusOK, out)
}

func (h *handlers) listJobs(c *gin.Context) {
	if h.cfg.Jobs == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "job listing not supported by this broker"})
		return
	}
	state, err := relq.ParseState(c.DefaultQuery("state", string(relq.StatePending)))
	if err != nil {
		h.fail(c, err)
		return
	}
	var filter relq.JobFilter
	if typ := c.Query("type"); typ != "" {
		filter = func(j *relq.Job) bool { return j.Type == typ }
	}
	jobs, err := h.cfg.Jobs.ListJobs(c.Request.Context(), c.Param("queue"), state, filter)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, jobs)
}

func (h *handlers) listDead(c *gin.Context) {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid limit"})
		return
	}
	recs, err := h.cfg.DeadLetters.List(c.Request.Context(), c.Param("queue"), limit)
	if err != nil {
		h.fail(c, err)
		return
	}
	if recs == nil {
		recs = []*relq.DeadLetter{}
	}
	c.JSON(http.StatusOK, recs)
}

func (h *handlers) getDead(c *gin.Context) {
	dl, err := h.cfg.DeadLetters.Get(c.Request.Context(), c.Param("queue"), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, dl)
}

func (h *handlers) deleteDead(c *gin.Context) {
	if err := h.cfg.DeadLetters.Delete(c.Request.Context(), c.Param("queue"), c.Param("id")); err != nil {
		h.fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// purgeDead removes records older than the older_than duration (default 0,
// everything).
func (h *handlers) purgeDead(c *gin.Context) {
	age, err := time.ParseDuration(c.DefaultQuery("older_than", "0s"))
	if err != nil || age < 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid older_than"})
		return
	}
	n, err := h.cfg.DeadLetters.Purge(c.Request.Context(), c.Param("queue"), time.Now().Add(-age))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"purged": n})
}

func (h *handlers) replayDead(c *gin.Context) {
	if h.cfg.Publisher == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "replay requires a publisher"})
		return
	}
	queue, id := c.Param("queue"), c.Param("id")
	job, err := relq.Replay(c.Request.Context(), h.cfg.DeadLetters, h.cfg.Publisher, queue, id)
	if err != nil {
		h.fail(c, err)
		return
	}
	h.cfg.Logger.Infof("dead letter replayed: id=%s job=%s queue=%s", id, job.ID, queue)
	c.JSON(http.StatusAccepted, job)
}
