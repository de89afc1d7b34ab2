package handlers

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/datachat-io/datachat/internal/common"
	"github.com/datachat-io/datachat/internal/httpapi/middleware"
)

// GetThreadMessages returns the full reconstructed conversation for one
// thread: messages, run ids and sentiments. Concurrent requests for the same
// thread share one rebuild via the view cache.
func (h *Handler) GetThreadMessages(c *gin.Context) {
	email, ok := middleware.UserEmail(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	threadID := c.Param("thread_id")

	view, err := h.Threads.GetThreadView(c.Request.Context(), threadID, email)
	if err != nil {
		log.Printf("[http] thread view failed thread=%s email=%s err=%v", threadID, email, err)
		common.Fail(c, http.StatusInternalServerError, 50001, "failed to load thread")
		return
	}

	common.OK(c, gin.H{
		"messages":   view.Messages,
		"run_ids":    view.RunIDs,
		"sentiments": view.Sentiments,
	})
}

// ListChatThreads returns a page of the user's thread summaries.
func (h *Handler) ListChatThreads(c *gin.Context) {
	email, ok := middleware.UserEmail(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))

	result, err := h.Threads.ListThreads(c.Request.Context(), email, page, limit)
	if err != nil {
		log.Printf("[http] list threads failed email=%s err=%v", email, err)
		common.Fail(c, http.StatusInternalServerError, 50002, "failed to list threads")
		return
	}

	common.OK(c, result)
}

// DeleteChatThread removes the thread's checkpoints and ledger rows. Deleting
// a thread that does not exist is not an error; the counts are just zero.
func (h *Handler) DeleteChatThread(c *gin.Context) {
	email, ok := middleware.UserEmail(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	threadID := c.Param("thread_id")

	result, err := h.Threads.DeleteThread(c.Request.Context(), threadID, email)
	if err != nil {
		log.Printf("[http] delete thread failed thread=%s email=%s err=%v", threadID, email, err)
		common.Fail(c, http.StatusInternalServerError, 50003, "failed to delete thread")
		return
	}

	common.OK(c, result)
}

// GetThreadSentiments returns run_id -> sentiment for the thread.
func (h *Handler) GetThreadSentiments(c *gin.Context) {
	email, ok := middleware.UserEmail(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}
	threadID := c.Param("thread_id")

	sentiments, err := h.Threads.Sentiments(c.Request.Context(), threadID, email)
	if err != nil {
		log.Printf("[http] sentiments failed thread=%s email=%s err=%v", threadID, email, err)
		common.Fail(c, http.StatusInternalServerError, 50004, "failed to get sentiments")
		return
	}

	common.OK(c, sentiments)
}

type sentimentReq struct {
	RunID     string `json:"run_id" binding:"required"`
	Sentiment *bool  `json:"sentiment"`
}

// UpdateSentiment records thumbs up/down (or clears it with null) on a run.
// A run that is missing or owned by someone else yields the same 404.
func (h *Handler) UpdateSentiment(c *gin.Context) {
	email, ok := middleware.UserEmail(c)
	if !ok {
		common.Fail(c, http.StatusUnauthorized, 40101, "unauthorized")
		return
	}

	var req sentimentReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, 10001, "invalid json")
		return
	}

	updated, err := h.Threads.UpdateSentiment(c.Request.Context(), req.RunID, req.Sentiment, email)
	if err != nil {
		log.Printf("[http] sentiment update failed run=%s email=%s err=%v", req.RunID, email, err)
		common.Fail(c, http.StatusInternalServerError, 50005, "failed to update sentiment")
		return
	}
	if !updated {
		common.Fail(c, http.StatusNotFound, 40404, "run not found")
		return
	}

	common.OK(c, gin.H{"run_id": req.RunID, "sentiment": req.Sentiment})
}
