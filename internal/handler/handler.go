// Package handler exposes purchases and the product catalog over HTTP.
package handler

import (
	"context"
	"net/http"

	"github.com/xenking/kart-purchases/internal/domain/product"
	"github.com/xenking/kart-purchases/internal/domain/purchase"
)

// PurchaseService mutates purchases. Implemented by *purchase.Service.
type PurchaseService interface {
	Create(ctx context.Context, req purchase.Request) (*purchase.Purchase, error)
	Upsert(ctx context.Context, id int64, req purchase.Request) (*purchase.UpsertResult, error)
	Delete(ctx context.Context, id int64) error
}

// PurchaseReader serves purchase read queries. Implemented by
// *purchase.Projection.
type PurchaseReader interface {
	List(ctx context.Context) ([]purchase.Purchase, error)
	Get(ctx context.Context, id int64) (*purchase.Purchase, error)
}

var (
	_ PurchaseService = (*purchase.Service)(nil)
	_ PurchaseReader  = (*purchase.Projection)(nil)
)

// Config holds non-dependency configuration for the Handler.
type Config struct {
	// ImageBaseURL is prepended to relative image paths in product responses.
	// When empty, image paths are returned as stored in the database.
	ImageBaseURL string
}

// Handler serves the JSON API, delegating business logic to the purchase
// service, the purchase projection and the product repository.
type Handler struct {
	purchases    PurchaseService
	reader       PurchaseReader
	products     product.Repository
	imageBaseURL string
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	cfg Config,
	purchases PurchaseService,
	reader PurchaseReader,
	products product.Repository,
) *Handler {
	return &Handler{
		purchases:    purchases,
		reader:       reader,
		products:     products,
		imageBaseURL: cfg.ImageBaseURL,
	}
}

// Register mounts the API routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/purchases", h.ListPurchases)
	mux.HandleFunc("POST /api/purchases", h.CreatePurchase)
	mux.HandleFunc("GET /api/purchases/{id}", h.GetPurchase)
	mux.HandleFunc("PUT /api/purchases/{id}", h.UpsertPurchase)
	mux.HandleFunc("DELETE /api/purchases/{id}", h.DeletePurchase)

	mux.HandleFunc("GET /api/products", h.ListProducts)
	mux.HandleFunc("POST /api/products", h.CreateProduct)
	mux.HandleFunc("GET /api/products/{id}", h.GetProduct)
	mux.HandleFunc("PUT /api/products/{id}", h.UpdateProduct)
	mux.HandleFunc("DELETE /api/products/{id}", h.DeleteProduct)
}
