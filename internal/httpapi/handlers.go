package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/asterv/marketbot/internal/approval"
	"github.com/asterv/marketbot/internal/buildinfo"
	"github.com/asterv/marketbot/internal/store"
)

type balanceResponse struct {
	UserID int64   `json:"user_id"`
	UnitA  float64 `json:"unit_a"`
	UnitB  float64 `json:"unit_b"`
	Wallet string  `json:"wallet,omitempty"`
	Paid   bool    `json:"paid"`
}

type decisionRequest struct {
	Outcome string `json:"outcome" binding:"required"`
	AdminID int64  `json:"admin_id" binding:"required"`
}

func (s *Server) health(c *gin.Context) {
	// A store read doubles as a corruption check.
	if _, err := s.store.Read(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "version": buildinfo.Version})
}

func (s *Server) getBalance(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid user id"})
		return
	}

	doc, err := s.store.Read()
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "store read failed"})
		return
	}
	u, ok := doc.Users[id]
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "user not found"})
		return
	}

	unitA, unitB, err := s.ledger.Balance(c.Request.Context(), id)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "balance read failed"})
		return
	}
	c.JSON(http.StatusOK, balanceResponse{
		UserID: id,
		UnitA:  unitA,
		UnitB:  unitB,
		Wallet: u.Wallet,
		Paid:   u.Paid,
	})
}

func (s *Server) listPending(c *gin.Context) {
	limit := 20
	if raw := c.Query("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}

	pending, err := s.approval.ListPending(c.Request.Context(), limit)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if pending == nil {
		pending = []store.PendingPayment{}
	}
	c.JSON(http.StatusOK, gin.H{"pending": pending})
}

func (s *Server) decide(c *gin.Context) {
	paymentID := c.Param("id")

	var req decisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "outcome and admin_id are required"})
		return
	}

	var outcome approval.Outcome
	switch req.Outcome {
	case "approve":
		outcome = approval.Approve
	case "reject":
		outcome = approval.Reject
	default:
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "outcome must be approve or reject"})
		return
	}

	decided, err := s.approval.Decide(c.Request.Context(), paymentID, req.AdminID, outcome)
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "payment not found"})
	case errors.Is(err, approval.ErrAlreadyDecided):
		c.AbortWithStatusJSON(http.StatusConflict, gin.H{"error": "payment already decided"})
	case err != nil:
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusOK, decided)
	}
}
