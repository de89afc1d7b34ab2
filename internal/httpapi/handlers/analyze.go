package handlers

import (
	"log"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/datachat-io/datachat/internal/agent"
	"github.com/datachat-io/datachat/internal/common"
	"github.com/datachat-io/datachat/internal/httpapi/middleware"
)

// Slots outlive the request; the TTL guards against a worker that died
// without releasing.
const analysisSlotTTL = 10 * time.Minute

type analyzeReq struct {
	ThreadID string `json:"thread_id" binding:"required"`
	Prompt   string `json:"prompt" binding:"required"`
	RunID    string `json:"run_id"`
}

// Analyze registers a run and enqueues it for the worker pool. The expensive
// agent execution happens out of process; this endpoint only books the run.
func (h *Handler) Analyze(c *gin.Context) {
	email, ok := middleware.UserEmail(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req analyzeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	if h.Redis != nil {
		acquired, err := h.Redis.AcquireSlot(c.Request.Context(), email, h.Cfg.MaxConcurrentAnalyses, analysisSlotTTL)
		if err != nil {
			log.Printf("[http] analysis slot check failed email=%s err=%v", email, err)
			common.Fail(c, http.StatusInternalServerError, 50006, "slot check failed")
			return
		}
		if !acquired {
			common.Fail(c, http.StatusTooManyRequests, 42901, "too many concurrent analyses")
			return
		}
	}

	runID, err := h.Threads.CreateRun(c.Request.Context(), email, req.ThreadID, req.Prompt, req.RunID)
	if err != nil {
		h.releaseSlot(c, email)
		// Duplicate run_id is a logic error upstream and fails loudly here.
		log.Printf("[http] create run failed thread=%s email=%s err=%v", req.ThreadID, email, err)
		common.Fail(c, http.StatusInternalServerError, 50007, "failed to register run")
		return
	}

	if err := h.Rabbit.PublishRun(c.Request.Context(), agent.RunRequest{
		ThreadID: req.ThreadID,
		RunID:    runID,
		Email:    email,
		Prompt:   req.Prompt,
	}); err != nil {
		h.releaseSlot(c, email)
		log.Printf("[http] enqueue run failed run=%s err=%v", runID, err)
		common.Fail(c, http.StatusInternalServerError, 50008, "enqueue failed")
		return
	}

	common.OK(c, gin.H{"run_id": runID, "thread_id": req.ThreadID, "queued": true})
}

func (h *Handler) releaseSlot(c *gin.Context, email string) {
	if h.Redis == nil {
		return
	}
	if err := h.Redis.ReleaseSlot(c.Request.Context(), email); err != nil {
		log.Printf("[http] slot release failed email=%s err=%v", email, err)
	}
}
