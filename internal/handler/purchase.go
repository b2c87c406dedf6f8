package handler

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/kart-purchases/internal/domain/purchase"
)

// IdempotencyKeyHeader carries the client key deduplicating purchase creation.
const IdempotencyKeyHeader = "Idempotency-Key"

// ListPurchases returns every purchase with its line items.
func (h *Handler) ListPurchases(w http.ResponseWriter, r *http.Request) {
	purchases, err := h.reader.List(r.Context())
	if err != nil {
		h.writePurchaseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for i := range purchases {
			encodePurchase(e, &purchases[i])
		}
		e.ArrEnd()
	})
}

// GetPurchase returns a single purchase aggregate.
func (h *Handler) GetPurchase(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	p, err := h.reader.Get(r.Context(), id)
	if err != nil {
		h.writePurchaseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodePurchase(e, p) })
}

// CreatePurchase places a new purchase. A repeated Idempotency-Key returns
// the purchase created by the first request with 200.
func (h *Handler) CreatePurchase(w http.ResponseWriter, r *http.Request) {
	req, ok := readPurchaseRequest(w, r)
	if !ok {
		return
	}
	req.IdempotencyKey = strings.TrimSpace(r.Header.Get(IdempotencyKeyHeader))

	p, err := h.purchases.Create(r.Context(), req)
	var dup *purchase.DuplicateRequestError
	if errors.As(err, &dup) && dup.PurchaseID != 0 {
		if p, err = h.reader.Get(r.Context(), dup.PurchaseID); err == nil {
			writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodePurchase(e, p) })
			return
		}
		// The original purchase is gone; report the duplicate itself.
		err = dup
	}
	if err != nil {
		h.writePurchaseError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) { encodePurchase(e, p) })
}

// UpsertPurchase replaces the purchase under the path id, creating it when
// absent. The response carries "created" and the status is 201 or 200.
func (h *Handler) UpsertPurchase(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	req, ok := readPurchaseRequest(w, r)
	if !ok {
		return
	}

	res, err := h.purchases.Upsert(r.Context(), id, req)
	if err != nil {
		h.writePurchaseError(w, r, err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		encodePurchaseFields(e, res.Purchase)
		e.FieldStart("created")
		e.Bool(res.Created)
		e.ObjEnd()
	})
}

// DeletePurchase removes a purchase and restores its stock.
func (h *Handler) DeletePurchase(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r)
	if !ok {
		return
	}
	if err := h.purchases.Delete(r.Context(), id); err != nil {
		h.writePurchaseError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func readPurchaseRequest(w http.ResponseWriter, r *http.Request) (purchase.Request, bool) {
	data, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return purchase.Request{}, false
	}
	req, err := decodePurchaseRequest(data)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return purchase.Request{}, false
	}
	return req, true
}

// pathID parses the {id} path value, answering 400 when it is not an integer.
func pathID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id: "+strconv.Quote(raw))
		return 0, false
	}
	return id, true
}

// writePurchaseError maps purchase errors to HTTP responses.
func (h *Handler) writePurchaseError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		validationErr *purchase.ValidationError
		notFoundErr   *purchase.NotFoundError
		stockErr      *purchase.InsufficientStockError
		immutableErr  *purchase.ImmutableStateError
		duplicateErr  *purchase.DuplicateRequestError
	)
	switch {
	case errors.As(err, &validationErr):
		writeError(w, http.StatusBadRequest, validationErr.Error())
	case errors.As(err, &notFoundErr):
		writeError(w, http.StatusNotFound, notFoundErr.Error())
	case errors.As(err, &stockErr):
		writeError(w, http.StatusConflict, stockErr.Error())
	case errors.As(err, &immutableErr):
		writeError(w, http.StatusConflict, immutableErr.Error())
	case errors.As(err, &duplicateErr):
		writeError(w, http.StatusConflict, duplicateErr.Error())
	case purchase.IsRetryable(err):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, "transaction conflict, retry the request")
	default:
		zctx.From(r.Context()).Error("Purchase request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
