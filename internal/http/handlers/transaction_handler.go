package handlers

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/tbourn/group-sync/internal/domain"
	"github.com/tbourn/group-sync/internal/http/middleware"
	"github.com/tbourn/group-sync/internal/services"
)

// HeaderReplayed marks a create answered from a previously used Idempotency-Key.
const HeaderReplayed = middleware.HeaderReplayed

//
// DTOs
//

// ItemRequest is one receipt line.
type ItemRequest struct {
	Name     string          `json:"name"     example:"Croissant"`
	Amount   decimal.Decimal `json:"amount"   swaggertype:"string" example:"2.40"`
	Quantity int             `json:"quantity" example:"2"`
}

// TransactionRequest is the JSON payload for creating or replacing a transaction.
type TransactionRequest struct {
	Date           time.Time       `json:"date"             binding:"required" example:"2024-03-04T10:00:00Z"`
	Merchant       string          `json:"merchant"         binding:"required" example:"Bakery"`
	Total          decimal.Decimal `json:"total"            swaggertype:"string" example:"12.50"`
	Currency       string          `json:"currency"         example:"EUR"`
	Items          []ItemRequest   `json:"items"`
	SharedGroupIDs []string        `json:"shared_group_ids" example:"g1"`
}

func (r TransactionRequest) input() services.TransactionInput {
	in := services.TransactionInput{
		Date:           r.Date,
		Merchant:       r.Merchant,
		Total:          r.Total,
		Currency:       r.Currency,
		SharedGroupIDs: r.SharedGroupIDs,
	}
	for _, it := range r.Items {
		in.Items = append(in.Items, domain.Item{Name: it.Name, Amount: it.Amount, Quantity: it.Quantity})
	}
	return in
}

func bindTransaction(c *gin.Context) (services.TransactionInput, bool) {
	var req TransactionRequest
	if err := c.ShouldBindJSON(&req); err != nil || req.Date.IsZero() || strings.TrimSpace(req.Merchant) == "" {
		fail(c, http.StatusBadRequest, ErrCodeBadRequest, "date and merchant are required")
		return services.TransactionInput{}, false
	}
	return req.input(), true
}

// GetTransaction godoc
// @ID          getTransaction
// @Summary     Get a transaction
// @Tags        Transactions
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(alice)
// @Param       id         path    string  true  "Transaction ID (UUID)"  format(uuid)
//
// @Success     200  {object} domain.Transaction
// @Failure     404  {object} handlers.ErrorResponse "Transaction not found"
// @Router      /transactions/{id} [get]
func (h *Handlers) GetTransaction(c *gin.Context) {
	t, err := h.txs.Get(c.Request.Context(), userID(c), c.Param("id"))
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, t)
}

// CreateTransaction godoc
// @ID          createTransaction
// @Summary     Create a transaction
// @Description Stores a transaction in the caller's partition. Members of every shared group (except the caller) get a push notification, at most one per group and caller per minute. With an Idempotency-Key, a retried request returns the original transaction with 200 and Idempotent-Replayed: true.
// @Tags        Transactions
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID        header  string  false "User ID (demo header)"         example(alice)
// @Param       Idempotency-Key  header  string  false "Retry-safe key for this create" example(7f1c-2024-03-04)
// @Param       body             body    handlers.TransactionRequest  true  "Transaction"
//
// @Success     201  {object} domain.Transaction
// @Success     200  {object} domain.Transaction "Replayed"
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     403  {object} handlers.ErrorResponse "Not a member of a shared group"
// @Failure     500  {object} handlers.ErrorResponse "Internal error"
// @Router      /transactions [post]
func (h *Handlers) CreateTransaction(c *gin.Context) {
	in, valid := bindTransaction(c)
	if !valid {
		return
	}
	key, _ := middleware.GetIdempotencyKey(c)

	t, again, err := h.txs.Create(c.Request.Context(), userID(c), key, in)
	if err != nil {
		failService(c, err)
		return
	}
	if again {
		replayed(c, t)
		return
	}
	created(c, c.FullPath()+"/"+t.ID, t)
}

// UpdateTransaction godoc
// @ID          updateTransaction
// @Summary     Replace a transaction
// @Description Replaces the caller's transaction. Only groups newly added to shared_group_ids trigger notifications.
// @Tags        Transactions
// @Accept      json
// @Produce     json
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(alice)
// @Param       id         path    string  true  "Transaction ID (UUID)"  format(uuid)
// @Param       body       body    handlers.TransactionRequest  true  "Transaction"
//
// @Success     200  {object} domain.Transaction
// @Failure     400  {object} handlers.ErrorResponse "Bad request"
// @Failure     403  {object} handlers.ErrorResponse "Not a member of a shared group"
// @Failure     404  {object} handlers.ErrorResponse "Transaction not found"
// @Router      /transactions/{id} [put]
func (h *Handlers) UpdateTransaction(c *gin.Context) {
	in, valid := bindTransaction(c)
	if !valid {
		return
	}
	t, err := h.txs.Update(c.Request.Context(), userID(c), c.Param("id"), in)
	if err != nil {
		failService(c, err)
		return
	}
	ok(c, http.StatusOK, t)
}

// DeleteTransaction godoc
// @ID          deleteTransaction
// @Summary     Delete a transaction
// @Description Soft-deletes the caller's transaction; groups drop it on their next sync.
// @Tags        Transactions
//
// @Param       X-User-ID  header  string  false "User ID (demo header)"  example(alice)
// @Param       id         path    string  true  "Transaction ID (UUID)"  format(uuid)
//
// @Success     204  {string} string "No Content"
// @Failure     404  {object} handlers.ErrorResponse "Transaction not found"
// @Router      /transactions/{id} [delete]
func (h *Handlers) DeleteTransaction(c *gin.Context) {
	if err := h.txs.Delete(c.Request.Context(), userID(c), c.Param("id")); err != nil {
		failService(c, err)
		return
	}
	noContent(c)
}
