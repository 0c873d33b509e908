// Package handler exposes the credit ledger over HTTP.
package handler

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"unnati-cloud-labs/backend/internal/ledger"
	"unnati-cloud-labs/backend/internal/ledger/domain"
	"unnati-cloud-labs/backend/internal/server/middleware"
	userrepo "unnati-cloud-labs/backend/internal/user/repository"
)

// CreditService is the ledger surface the handlers need.
type CreditService interface {
	Balance(ctx context.Context, userID string) (int, error)
	History(ctx context.Context, userID string, limit int32) ([]*domain.Transaction, error)
	Purchase(ctx context.Context, userID string, amount int) (int, error)
}

var _ CreditService = (*ledger.Ledger)(nil)

// CreditsHandler serves balance, transaction history, and purchases.
type CreditsHandler struct {
	ledger CreditService
}

func NewCreditsHandler(l CreditService) *CreditsHandler {
	return &CreditsHandler{ledger: l}
}

// Register mounts the credit routes on an authenticated route group.
func (h *CreditsHandler) Register(r gin.IRoutes) {
	r.GET("/user/credits", h.Balance)
	r.GET("/user/credits/history", h.History)
	r.POST("/credits/purchase", h.Purchase)
}

type transactionResponse struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Amount    int       `json:"amount"`
	Detail    string    `json:"description,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

func toTransactionResponse(tx *domain.Transaction) transactionResponse {
	return transactionResponse{
		ID:        tx.ID,
		Kind:      string(tx.Kind),
		Amount:    tx.Amount,
		Detail:    tx.Description,
		CreatedAt: tx.CreatedAt,
	}
}

// Balance returns the user's current credit balance.
func (h *CreditsHandler) Balance(c *gin.Context) {
	balance, err := h.ledger.Balance(c.Request.Context(), middleware.UserID(c))
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credits": balance})
}

// History returns the user's credit transactions, newest first.
func (h *CreditsHandler) History(c *gin.Context) {
	txs, err := h.ledger.History(c.Request.Context(), middleware.UserID(c), 100)
	if err != nil {
		h.writeError(c, err)
		return
	}
	out := make([]transactionResponse, 0, len(txs))
	for _, tx := range txs {
		out = append(out, toTransactionResponse(tx))
	}
	c.JSON(http.StatusOK, gin.H{"transactions": out})
}

type purchaseRequest struct {
	Amount int `json:"amount" binding:"required"`
}

// Purchase credits the account with an externally captured payment. Payment
// capture itself happens upstream; this endpoint records the outcome.
func (h *CreditsHandler) Purchase(c *gin.Context) {
	var req purchaseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount is required"})
		return
	}

	balance, err := h.ledger.Purchase(c.Request.Context(), middleware.UserID(c), req.Amount)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"credits": balance})
}

func (h *CreditsHandler) writeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ledger.ErrInvalidAmount):
		c.JSON(http.StatusBadRequest, gin.H{"error": "amount must be positive"})
	case errors.Is(err, userrepo.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "user not found"})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}
