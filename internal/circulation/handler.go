package circulation

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"libraai/internal/membership"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type Handler struct {
	service Service
	ledger  Ledger
	logger  *zap.Logger
}

func NewHandler(service Service, ledger Ledger, logger *zap.Logger) *Handler {
	return &Handler{service: service, ledger: ledger, logger: logger.Named("http")}
}

// Routes mounts the circulation endpoints. Every route expects an identity
// in the request context.
func (h *Handler) Routes(r chi.Router) {
	r.Route("/borrowings", func(r chi.Router) {
		r.Post("/", h.HandleBorrow)
		r.Get("/", h.HandleListBorrowings)
		r.Get("/overdue", h.HandleListOverdue)
		r.Post("/{loanID}/return", h.HandleReturn)
		r.Post("/{loanID}/renew", h.HandleRenew)
		r.Get("/{loanID}/history", h.HandleHistory)
	})
	r.Route("/reservations", func(r chi.Router) {
		r.Post("/", h.HandleReserve)
		r.Get("/", h.HandleListReservations)
		r.Delete("/{reservationID}", h.HandleCancelReservation)
	})
	r.Route("/fines", func(r chi.Router) {
		r.Get("/balance", h.HandleBalance)
		r.Post("/payments", h.HandlePayment)
		r.Get("/payments", h.HandleListPayments)
	})
}

func (h *Handler) HandleBorrow(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req struct {
		BookID uuid.UUID `json:"book_id"`
		UserID uuid.UUID `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	userID, ok := h.subject(w, actor, req.UserID)
	if !ok {
		return
	}

	loan, err := h.service.Borrow(r.Context(), userID, req.BookID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, loan)
}

func (h *Handler) HandleReturn(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.identity(w, r)
	if !ok {
		return
	}
	loanID, ok := pathID(w, r, "loanID")
	if !ok {
		return
	}

	receipt, err := h.service.ReturnLoan(r.Context(), loanID, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, receipt)
}

func (h *Handler) HandleRenew(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.identity(w, r)
	if !ok {
		return
	}
	loanID, ok := pathID(w, r, "loanID")
	if !ok {
		return
	}

	loan, err := h.service.Renew(r.Context(), loanID, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, loan)
}

func (h *Handler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.identity(w, r)
	if !ok {
		return
	}
	loanID, ok := pathID(w, r, "loanID")
	if !ok {
		return
	}

	events, err := h.service.LoanHistory(r.Context(), loanID, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"loan_id": loanID, "events": events})
}

func (h *Handler) HandleListBorrowings(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.identity(w, r)
	if !ok {
		return
	}

	status := LoanStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		http.Error(w, "invalid status filter", http.StatusBadRequest)
		return
	}

	loans, err := h.service.ListBorrowings(r.Context(), actor.UserID, status)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"borrowings": loans, "total_count": len(loans)})
}

func (h *Handler) HandleListOverdue(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.identity(w, r)
	if !ok {
		return
	}

	overdue, err := h.service.ListOverdue(r.Context(), actor.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":            actor.UserID,
		"overdue_borrowings": overdue,
		"total_count":        len(overdue),
	})
}

func (h *Handler) HandleReserve(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req struct {
		BookID uuid.UUID `json:"book_id"`
		UserID uuid.UUID `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	userID, ok := h.subject(w, actor, req.UserID)
	if !ok {
		return
	}

	reservation, err := h.service.Reserve(r.Context(), userID, req.BookID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, reservation)
}

func (h *Handler) HandleListReservations(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.identity(w, r)
	if !ok {
		return
	}

	reservations, err := h.service.ListReservations(r.Context(), actor.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"reservations": reservations, "total_count": len(reservations)})
}

func (h *Handler) HandleCancelReservation(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.identity(w, r)
	if !ok {
		return
	}
	reservationID, ok := pathID(w, r, "reservationID")
	if !ok {
		return
	}

	reservation, err := h.service.CancelReservation(r.Context(), reservationID, actor)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, reservation)
}

func (h *Handler) HandleBalance(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.identity(w, r)
	if !ok {
		return
	}

	balance := h.ledger.TotalFines(r.Context(), actor.UserID)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id":     actor.UserID,
		"fine_amount": balance.StringFixed(2),
	})
}

func (h *Handler) HandlePayment(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.identity(w, r)
	if !ok {
		return
	}

	var req struct {
		Amount decimal.Decimal `json:"amount"`
		UserID uuid.UUID       `json:"user_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	userID, ok := h.subject(w, actor, req.UserID)
	if !ok {
		return
	}

	result, err := h.ledger.ApplyPayment(r.Context(), userID, req.Amount)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

func (h *Handler) HandleListPayments(w http.ResponseWriter, r *http.Request) {
	actor, ok := h.identity(w, r)
	if !ok {
		return
	}

	payments, err := h.ledger.ListPayments(r.Context(), actor.UserID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]interface{}{"payments": payments})
}

func (h *Handler) identity(w http.ResponseWriter, r *http.Request) (membership.Identity, bool) {
	actor, ok := membership.IdentityFrom(r.Context())
	if !ok {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	}
	return actor, ok
}

// subject resolves whom a request acts for. Admins may name another member;
// everyone else acts for themselves.
func (h *Handler) subject(w http.ResponseWriter, actor membership.Identity, requested uuid.UUID) (uuid.UUID, bool) {
	if requested == uuid.Nil || requested == actor.UserID {
		return actor.UserID, true
	}
	if !actor.IsAdmin {
		http.Error(w, "forbidden", http.StatusForbidden)
		return uuid.Nil, false
	}
	return requested, true
}

func pathID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		http.Error(w, "invalid "+param, http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

// StatusCode maps a taxonomy error to an HTTP status.
func StatusCode(err error) int {
	switch {
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrInvalidAmount):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	code := StatusCode(err)
	if code == http.StatusInternalServerError {
		h.logger.Error("unclassified error", zap.Error(err))
	}
	h.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func (h *Handler) writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Warn("failed to encode response", zap.Error(err))
	}
}
