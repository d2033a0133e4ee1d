package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ayakhalid01/accounting-sub000/internal/middleware"
	"github.com/ayakhalid01/accounting-sub000/internal/model"
	"github.com/ayakhalid01/accounting-sub000/internal/service"
	"github.com/ayakhalid01/accounting-sub000/internal/validation"
)

type depositRequest struct {
	PaymentMethodID int64           `json:"payment_method_id" validate:"required_without=MethodGroup,gte=0"`
	MethodGroup     []int64         `json:"method_group" validate:"omitempty,dive,gt=0"`
	StartDate       string          `json:"start_date" validate:"required,date"`
	EndDate         string          `json:"end_date" validate:"required,date"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	TaxAmount       decimal.Decimal `json:"tax_amount"`
}

type depositResponse struct {
	ID              int64           `json:"id"`
	PaymentMethodID int64           `json:"payment_method_id"`
	MethodGroup     []int64         `json:"method_group,omitempty"`
	StartDate       string          `json:"start_date"`
	EndDate         string          `json:"end_date"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	TaxAmount       decimal.Decimal `json:"tax_amount"`
	NetAmount       decimal.Decimal `json:"net_amount"`
	Status          string          `json:"status"`
	RejectionReason string          `json:"rejection_reason,omitempty"`
	CreatedAt       string          `json:"created_at"`
	ReviewedAt      *string         `json:"reviewed_at,omitempty"`
}

func toDepositResponse(d model.Deposit) depositResponse {
	resp := depositResponse{
		ID:              d.ID,
		PaymentMethodID: d.PaymentMethodID,
		MethodGroup:     d.MethodGroup,
		StartDate:       d.StartDate.Format(model.DateLayout),
		EndDate:         d.EndDate.Format(model.DateLayout),
		TotalAmount:     d.TotalAmount,
		TaxAmount:       d.TaxAmount,
		NetAmount:       d.NetAmount,
		Status:          string(d.Status),
		RejectionReason: d.RejectionReason,
		CreatedAt:       d.CreatedAt.Format(time.RFC3339),
	}
	if d.ReviewedAt != nil {
		reviewed := d.ReviewedAt.Format(time.RFC3339)
		resp.ReviewedAt = &reviewed
	}
	return resp
}

type allocationResponse struct {
	DepositID       int64           `json:"deposit_id"`
	PaymentMethodID int64           `json:"payment_method_id"`
	PeriodStart     string          `json:"period_start"`
	PeriodEnd       string          `json:"period_end"`
	AllocatedAmount decimal.Decimal `json:"allocated_amount"`
}

func toAllocationResponses(rows []model.DepositAllocation) []allocationResponse {
	resp := make([]allocationResponse, 0, len(rows))
	for _, row := range rows {
		resp = append(resp, allocationResponse{
			DepositID:       row.DepositID,
			PaymentMethodID: row.PaymentMethodID,
			PeriodStart:     row.PeriodStart.Format(model.DateLayout),
			PeriodEnd:       row.PeriodEnd.Format(model.DateLayout),
			AllocatedAmount: row.AllocatedAmount,
		})
	}
	return resp
}

// CreateDeposit принимает депозит на рассмотрение.
func (h *Handler) CreateDeposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start, end, err := validation.DateRange(req.StartDate, req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := h.service.CreateDeposit(r.Context(), service.DepositInput{
		PaymentMethodID: req.PaymentMethodID,
		StartDate:       start,
		EndDate:         end,
		TotalAmount:     req.TotalAmount,
		TaxAmount:       req.TaxAmount,
		MethodGroup:     req.MethodGroup,
	})
	if err != nil {
		h.writeServiceError(w, "create deposit", err)
		return
	}

	writeJSON(w, http.StatusCreated, toDepositResponse(*d))
}

// ListDeposits возвращает депозиты, опционально отфильтрованные по статусу.
func (h *Handler) ListDeposits(w http.ResponseWriter, r *http.Request) {
	status := model.DepositStatus(r.URL.Query().Get("status"))

	deposits, err := h.service.ListDeposits(r.Context(), status)
	if err != nil {
		h.writeServiceError(w, "list deposits", err)
		return
	}

	if len(deposits) == 0 {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	resp := make([]depositResponse, 0, len(deposits))
	for _, d := range deposits {
		resp = append(resp, toDepositResponse(d))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetDeposit возвращает депозит.
func (h *Handler) GetDeposit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	d, err := h.service.GetDeposit(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "get deposit", err)
		return
	}

	writeJSON(w, http.StatusOK, toDepositResponse(*d))
}

// DeleteDeposit удаляет депозит и его строки распределения.
func (h *Handler) DeleteDeposit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.service.DeleteDeposit(r.Context(), id); err != nil {
		h.writeServiceError(w, "delete deposit", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type previewResponse struct {
	Plan       model.AllocationPlan `json:"plan"`
	ComputedAt string               `json:"computed_at"`
	Cached     bool                 `json:"cached"`
	Stale      bool                 `json:"stale"`
}

// Preview возвращает план распределения депозита. Параметр force=true требует пересчёта.
func (h *Handler) Preview(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	force := false
	if raw := r.URL.Query().Get("force"); raw != "" {
		force, err = strconv.ParseBool(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, "force must be a boolean")
			return
		}
	}

	res, err := h.service.Preview(r.Context(), id, force)
	if err != nil {
		h.writeServiceError(w, "preview", err)
		return
	}

	writeJSON(w, http.StatusOK, previewResponse{
		Plan:       res.Plan,
		ComputedAt: res.ComputedAt.UTC().Format(time.RFC3339),
		Cached:     res.Cached,
		Stale:      res.Stale,
	})
}

// ListAllocations возвращает строки распределения депозита.
func (h *Handler) ListAllocations(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := h.service.ListAllocations(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "list allocations", err)
		return
	}

	writeJSON(w, http.StatusOK, toAllocationResponses(rows))
}

type approveResponse struct {
	Deposit     depositResponse      `json:"deposit"`
	Allocations []allocationResponse `json:"allocations"`
}

// Approve одобряет депозит и фиксирует его распределение.
func (h *Handler) Approve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	operator, _ := middleware.GetOperatorFromContext(r.Context())

	d, rows, err := h.service.Approve(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "approve deposit", err)
		return
	}

	h.logger.Info("deposit approved", zap.Int64("depositID", id), zap.String("operator", operator))
	writeJSON(w, http.StatusOK, approveResponse{
		Deposit:     toDepositResponse(*d),
		Allocations: toAllocationResponses(rows),
	})
}

type rejectRequest struct {
	Reason string `json:"reason" validate:"required"`
}

// Reject отклоняет депозит.
func (h *Handler) Reject(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var req rejectRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	operator, _ := middleware.GetOperatorFromContext(r.Context())

	d, err := h.service.Reject(r.Context(), id, req.Reason)
	if err != nil {
		h.writeServiceError(w, "reject deposit", err)
		return
	}

	h.logger.Info("deposit rejected", zap.Int64("depositID", id), zap.String("operator", operator))
	writeJSON(w, http.StatusOK, toDepositResponse(*d))
}

// Commit заново фиксирует распределение одобренного депозита.
func (h *Handler) Commit(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rows, err := h.service.Commit(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, "commit", err)
		return
	}

	writeJSON(w, http.StatusOK, toAllocationResponses(rows))
}
