package handler

import (
	"net/http"
	"strconv"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/ayakhalid01/accounting-sub000/internal/middleware"
	"github.com/ayakhalid01/accounting-sub000/internal/model"
	"github.com/ayakhalid01/accounting-sub000/internal/validation"
)

type periodGapResponse struct {
	PaymentMethodID int64           `json:"payment_method_id,omitempty"`
	StartDate       string          `json:"start_date"`
	EndDate         string          `json:"end_date"`
	NetSales        decimal.Decimal `json:"net_sales"`
	Approved        decimal.Decimal `json:"approved"`
	Pending         decimal.Decimal `json:"pending"`
	Gap             decimal.Decimal `json:"gap"`
}

// PeriodGap возвращает отчёт о разрыве по способу оплаты за период.
func (h *Handler) PeriodGap(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var methodID int64
	if raw := q.Get("payment_method_id"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id < 0 {
			writeError(w, http.StatusBadRequest, "payment_method_id must be a non-negative integer")
			return
		}
		methodID = id
	}

	start, end, err := validation.DateRange(q.Get("start_date"), q.Get("end_date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	gap, err := h.service.PeriodGap(r.Context(), methodID, start, end)
	if err != nil {
		h.writeServiceError(w, "period gap", err)
		return
	}

	writeJSON(w, http.StatusOK, periodGapResponse{
		PaymentMethodID: gap.PaymentMethodID,
		StartDate:       gap.StartDate.Format(model.DateLayout),
		EndDate:         gap.EndDate.Format(model.DateLayout),
		NetSales:        gap.NetSales,
		Approved:        gap.Approved,
		Pending:         gap.Pending,
		Gap:             gap.Gap,
	})
}

type clearRequest struct {
	PaymentMethodID int64  `json:"payment_method_id" validate:"gte=0"`
	StartDate       string `json:"start_date" validate:"required,date"`
	EndDate         string `json:"end_date" validate:"required,date"`
}

type clearResponse struct {
	Deleted int64 `json:"deleted"`
}

// ClearAllocations удаляет строки распределения за период.
func (h *Handler) ClearAllocations(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	start, end, err := validation.DateRange(req.StartDate, req.EndDate)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	deleted, err := h.service.Clear(r.Context(), req.PaymentMethodID, start, end)
	if err != nil {
		h.writeServiceError(w, "clear allocations", err)
		return
	}

	operator, _ := middleware.GetOperatorFromContext(r.Context())
	h.logger.Info("allocations cleared by operator", zap.String("operator", operator), zap.Int64("deleted", deleted))

	writeJSON(w, http.StatusOK, clearResponse{Deleted: deleted})
}

type violationResponse struct {
	PaymentMethodID int64           `json:"payment_method_id"`
	PeriodStart     string          `json:"period_start"`
	PeriodEnd       string          `json:"period_end"`
	NetSales        decimal.Decimal `json:"net_sales"`
	Allocated       decimal.Decimal `json:"allocated"`
	Excess          decimal.Decimal `json:"excess"`
}

func toViolationResponses(vs []model.FundingViolation) []violationResponse {
	resp := make([]violationResponse, 0, len(vs))
	for _, v := range vs {
		resp = append(resp, violationResponse{
			PaymentMethodID: v.PaymentMethodID,
			PeriodStart:     v.PeriodStart.Format(model.DateLayout),
			PeriodEnd:       v.PeriodEnd.Format(model.DateLayout),
			NetSales:        v.NetSales,
			Allocated:       v.Allocated,
			Excess:          v.Excess,
		})
	}
	return resp
}

type refreshResponse struct {
	Cleared    int64               `json:"cleared"`
	Deposits   int                 `json:"deposits"`
	Rows       int                 `json:"rows"`
	Failed     []int64             `json:"failed"`
	Violations []violationResponse `json:"violations"`
}

// RefreshAllocations пересчитывает реестр распределений с нуля.
func (h *Handler) RefreshAllocations(w http.ResponseWriter, r *http.Request) {
	report, err := h.service.RefreshAll(r.Context())
	if err != nil {
		h.writeServiceError(w, "refresh allocations", err)
		return
	}

	failed := report.Failed
	if failed == nil {
		failed = []int64{}
	}

	writeJSON(w, http.StatusOK, refreshResponse{
		Cleared:    report.Cleared,
		Deposits:   report.Deposits,
		Rows:       report.Rows,
		Failed:     failed,
		Violations: toViolationResponses(report.Violations),
	})
}

// AuditAllocations проверяет реестр на превышение продаж распределениями.
func (h *Handler) AuditAllocations(w http.ResponseWriter, r *http.Request) {
	violations, err := h.service.Audit(r.Context())
	if err != nil {
		h.writeServiceError(w, "audit allocations", err)
		return
	}

	writeJSON(w, http.StatusOK, toViolationResponses(violations))
}
