// Package server is a self-contained tenant API for local development and
// testing: catalog, sale creation with temp-receipt idempotency, and image
// delivery, all held in memory. It speaks the same wire contract as the
// hosted tenant API so a register can be pointed at either.
package server

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
	"github.com/tillware/possync/internal/types"
)

// Server holds the in-memory tenant state.
type Server struct {
	apiKey  string
	version string
	now     func() time.Time

	mu            sync.Mutex
	products      []types.CachedProduct
	categories    []types.CachedCategory
	images        map[string]string
	confirmations map[string]types.SaleConfirmation
	receiptSeq    int
}

// New creates an empty dev tenant server.
func New(apiKey, version string) *Server {
	return &Server{
		apiKey:        apiKey,
		version:       version,
		now:           func() time.Time { return time.Now().UTC() },
		images:        map[string]string{},
		confirmations: map[string]types.SaleConfirmation{},
	}
}

// LoadCatalog replaces the served catalog.
func (s *Server) LoadCatalog(products []types.CachedProduct, categories []types.CachedCategory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products = append([]types.CachedProduct(nil), products...)
	s.categories = append([]types.CachedCategory(nil), categories...)
}

// AddImage registers an image payload under a storage path.
func (s *Server) AddImage(path, base64 string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.images[path] = base64
}

// Router builds the HTTP handler.
func (s *Server) Router() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Group(func(r chi.Router) {
			r.Use(authMiddleware(s.apiKey))
			r.Get("/catalog", s.handleCatalog)
			r.Post("/sales", s.handleCreateSale)
			r.Get("/images", s.handleImage)
			r.Post("/images/batch", s.handleImageBatch)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	count := len(s.products)
	s.mu.Unlock()

	writeJSON(w, map[string]any{
		"status":        "healthy",
		"version":       s.version,
		"product_count": count,
	})
}

func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	resp := types.CatalogResponse{
		Products:   append([]types.CachedProduct(nil), s.products...),
		Categories: append([]types.CachedCategory(nil), s.categories...),
		AsOf:       s.now(),
	}
	s.mu.Unlock()

	writeJSON(w, resp)
}

// handleCreateSale creates a sale, idempotent on the temporary receipt
// identifier: a replay returns the original confirmation instead of a
// duplicate sale.
func (s *Server) handleCreateSale(w http.ResponseWriter, r *http.Request) {
	var sub types.SaleSubmission
	if err := json.NewDecoder(r.Body).Decode(&sub); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}
	if sub.TempReceipt == "" {
		WriteProblem(w, r, http.StatusUnprocessableEntity, "temp_receipt is required")
		return
	}
	if len(sub.Lines) == 0 {
		WriteProblem(w, r, http.StatusUnprocessableEntity, "sale has no line items")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if conf, ok := s.confirmations[sub.TempReceipt]; ok {
		writeJSON(w, conf)
		return
	}

	total := decimal.Zero
	for _, line := range sub.Lines {
		p := s.findProduct(line.ProductID)
		if p == nil {
			WriteProblem(w, r, http.StatusUnprocessableEntity, fmt.Sprintf("unknown product %s", line.ProductID))
			return
		}
		lineTotal := line.UnitPrice.Mul(decimal.NewFromInt(line.Quantity)).Sub(line.Discount)
		if p.Taxable {
			lineTotal = lineTotal.Add(lineTotal.Mul(p.TaxRate))
		}
		total = total.Add(lineTotal)
	}
	total = total.Sub(sub.Discount)

	change := sub.AmountTendered.Sub(total)
	if sub.PaymentMethod == types.PaymentCash && change.IsNegative() {
		WriteProblem(w, r, http.StatusUnprocessableEntity, "amount tendered is less than the total")
		return
	}

	for _, line := range sub.Lines {
		if p := s.findProduct(line.ProductID); p != nil && p.TrackStock {
			p.StockQty -= line.Quantity
		}
	}

	now := s.now()
	s.receiptSeq++
	conf := types.SaleConfirmation{
		SaleID:        fmt.Sprintf("sale-%06d", s.receiptSeq),
		ReceiptNumber: fmt.Sprintf("RCP-%s-%04d", now.Format("20060102"), s.receiptSeq),
		Total:         total,
		Change:        change,
		CreatedAt:     now,
	}
	s.confirmations[sub.TempReceipt] = conf

	writeJSON(w, conf)
}

func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Query().Get("path")

	s.mu.Lock()
	payload, ok := s.images[path]
	s.mu.Unlock()

	if !ok {
		WriteProblem(w, r, http.StatusNotFound, fmt.Sprintf("no image at %s", path))
		return
	}
	writeJSON(w, types.ImageResponse{Path: path, Base64: payload})
}

func (s *Server) handleImageBatch(w http.ResponseWriter, r *http.Request) {
	var req types.ImageBatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return
	}

	s.mu.Lock()
	images := map[string]string{}
	for _, p := range req.Paths {
		if payload, ok := s.images[p]; ok {
			images[p] = payload
		}
	}
	s.mu.Unlock()

	writeJSON(w, types.ImageBatchResponse{Images: images})
}

// findProduct returns a pointer into the catalog slice; caller holds s.mu.
func (s *Server) findProduct(id string) *types.CachedProduct {
	for i := range s.products {
		if s.products[i].ID == id {
			return &s.products[i]
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

func constantTimeEqual(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// authMiddleware validates the Bearer token using constant-time comparison.
func authMiddleware(apiKey string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !constantTimeEqual(extractBearerToken(r), apiKey) {
				slog.Warn("auth failure",
					"path", r.URL.Path,
					"method", r.Method,
					"remote_ip", r.RemoteAddr,
				)
				WriteProblem(w, r, http.StatusUnauthorized, "Missing or invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// loggingMiddleware logs HTTP requests.
func loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		slog.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
