// Package handler содержит HTTP-обработчики API сервиса сверки.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ayakhalid01/accounting-sub000/internal/middleware"
	"github.com/ayakhalid01/accounting-sub000/internal/model"
	"github.com/ayakhalid01/accounting-sub000/internal/preview"
	"github.com/ayakhalid01/accounting-sub000/internal/repository"
	"github.com/ayakhalid01/accounting-sub000/internal/service"
	"github.com/ayakhalid01/accounting-sub000/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	CreatePaymentMethod(ctx context.Context, name string) (int64, error)
	ListPaymentMethods(ctx context.Context) ([]model.PaymentMethod, error)
	DeactivatePaymentMethod(ctx context.Context, id int64) error
	AddInvoice(ctx context.Context, inv model.Invoice) (int64, error)
	AddCreditNote(ctx context.Context, cn model.CreditNote) (int64, error)

	CreateDeposit(ctx context.Context, in service.DepositInput) (*model.Deposit, error)
	GetDeposit(ctx context.Context, id int64) (*model.Deposit, error)
	ListDeposits(ctx context.Context, status model.DepositStatus) ([]model.Deposit, error)
	DeleteDeposit(ctx context.Context, id int64) error
	Approve(ctx context.Context, id int64) (*model.Deposit, []model.DepositAllocation, error)
	Reject(ctx context.Context, id int64, reason string) (*model.Deposit, error)

	Preview(ctx context.Context, id int64, force bool) (preview.Result, error)
	Commit(ctx context.Context, id int64) ([]model.DepositAllocation, error)
	ListAllocations(ctx context.Context, id int64) ([]model.DepositAllocation, error)
	Clear(ctx context.Context, methodID int64, start, end time.Time) (int64, error)
	RefreshAll(ctx context.Context) (*service.RefreshReport, error)
	Audit(ctx context.Context) ([]model.FundingViolation, error)
	PeriodGap(ctx context.Context, methodID int64, start, end time.Time) (*model.PeriodGap, error)
}

// Handler реализует HTTP-обработчики API сервиса сверки.
type Handler struct {
	service        Service
	logger         *zap.Logger
	operatorAuth   *middleware.OperatorAuth
	allowedOrigins []string
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.OperatorAuth, allowedOrigins []string) *Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if auth == nil {
		auth = middleware.NewOperatorAuth("")
	}
	return &Handler{
		service:        s,
		logger:         logger,
		operatorAuth:   auth,
		allowedOrigins: allowedOrigins,
	}
}

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

type idResponse struct {
	ID int64 `json:"id"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, details string) {
	writeJSON(w, status, errorResponse{Error: http.StatusText(status), Details: details})
}

// writeServiceError переводит ошибку бизнес-логики в HTTP-статус.
func (h *Handler) writeServiceError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrDepositNotFound),
		errors.Is(err, model.ErrPaymentMethodNotFound),
		errors.Is(err, model.ErrInvoiceNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, model.ErrDepositNotApproved),
		errors.Is(err, model.ErrDepositAlreadyReviewed),
		errors.Is(err, repository.ErrPaymentMethodExists):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, model.ErrPreviewUnavailable):
		writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: model.ErrPreviewUnavailable.Error()})
	default:
		h.logger.Error(op+" error", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "")
	}
}

// decodeJSON читает тело запроса и проверяет его по тегам validate.
func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return &model.InputError{Field: "body", Reason: "malformed JSON"}
	}
	return validation.Struct(dst)
}

func pathID(r *http.Request) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, &model.InputError{Field: "id", Reason: "must be a positive integer"}
	}
	return id, nil
}

type paymentMethodRequest struct {
	Name string `json:"name" validate:"required,max=128"`
}

// CreatePaymentMethod создаёт способ оплаты.
func (h *Handler) CreatePaymentMethod(w http.ResponseWriter, r *http.Request) {
	var req paymentMethodRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.service.CreatePaymentMethod(r.Context(), req.Name)
	if err != nil {
		h.writeServiceError(w, "create payment method", err)
		return
	}

	writeJSON(w, http.StatusCreated, model.PaymentMethod{ID: id, Name: req.Name, Active: true})
}

// ListPaymentMethods возвращает все способы оплаты.
func (h *Handler) ListPaymentMethods(w http.ResponseWriter, r *http.Request) {
	methods, err := h.service.ListPaymentMethods(r.Context())
	if err != nil {
		h.writeServiceError(w, "list payment methods", err)
		return
	}
	if methods == nil {
		methods = []model.PaymentMethod{}
	}
	writeJSON(w, http.StatusOK, methods)
}

// DeactivatePaymentMethod отключает способ оплаты.
func (h *Handler) DeactivatePaymentMethod(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.DeactivatePaymentMethod(r.Context(), id); err != nil {
		h.writeServiceError(w, "deactivate payment method", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type invoiceRequest struct {
	PaymentMethodID int64           `json:"payment_method_id" validate:"required,gt=0"`
	SaleOrderDate   string          `json:"sale_order_date" validate:"required,date"`
	AmountTotal     decimal.Decimal `json:"amount_total"`
	State           string          `json:"state" validate:"omitempty,oneof=draft posted"`
}

// AddInvoice принимает счёт продажи.
func (h *Handler) AddInvoice(w http.ResponseWriter, r *http.Request) {
	var req invoiceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	saleDate, _ := model.ParseDate(req.SaleOrderDate)
	id, err := h.service.AddInvoice(r.Context(), model.Invoice{
		PaymentMethodID: req.PaymentMethodID,
		SaleOrderDate:   saleDate,
		AmountTotal:     req.AmountTotal,
		State:           model.DocumentState(req.State),
	})
	if err != nil {
		h.writeServiceError(w, "add invoice", err)
		return
	}

	writeJSON(w, http.StatusCreated, idResponse{ID: id})
}

type creditNoteRequest struct {
	OriginalInvoiceID int64           `json:"original_invoice_id" validate:"required,gt=0"`
	PaymentMethodID   int64           `json:"payment_method_id" validate:"gte=0"`
	AmountTotal       decimal.Decimal `json:"amount_total"`
	State             string          `json:"state" validate:"omitempty,oneof=draft posted"`
}

// AddCreditNote принимает кредит-ноту по исходному счёту.
func (h *Handler) AddCreditNote(w http.ResponseWriter, r *http.Request) {
	var req creditNoteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.service.AddCreditNote(r.Context(), model.CreditNote{
		OriginalInvoiceID: req.OriginalInvoiceID,
		PaymentMethodID:   req.PaymentMethodID,
		AmountTotal:       req.AmountTotal,
		State:             model.DocumentState(req.State),
	})
	if err != nil {
		h.writeServiceError(w, "add credit note", err)
		return
	}

	writeJSON(w, http.StatusCreated, idResponse{ID: id})
}
