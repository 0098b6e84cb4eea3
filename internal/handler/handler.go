// Package handler содержит HTTP-обработчики API сервиса согласования дозаказов.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/fdc"
	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/middleware"
	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/model"
	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/repository"
	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/service"
	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/validation"
)

// Service определяет контракт бизнес-логики, используемой HTTP-обработчиками.
type Service interface {
	EnqueueReconcile(ctx context.Context, orderNumber, kind string) error
	CompleteBackorder(ctx context.Context, dc model.DemandContext) (*model.Backorder, error)
	OpenBackorder(ctx context.Context, dc model.DemandContext) (*model.Backorder, error)
}

// Handler реализует HTTP-обработчики API сервиса согласования дозаказов.
type Handler struct {
	service        Service
	logger         *zap.Logger
	authMiddleware *middleware.AuthMiddleware
}

// NewHandler создаёт новый экземпляр обработчика HTTP-запросов.
func NewHandler(s Service, logger *zap.Logger, auth *middleware.AuthMiddleware) *Handler {
	return &Handler{
		service:        s,
		logger:         logger,
		authMiddleware: auth,
	}
}

type reconcileRequest struct {
	Order string `json:"order"`
	Event string `json:"event"`
}

// jobKindForEvent отображает событие розничного заказа на вид задания
// согласования. Размещение создаёт заказ при необходимости, остальные
// события только правят уже открытый.
func jobKindForEvent(event string) (string, bool) {
	switch event {
	case "placed":
		return service.JobKindPlace, true
	case "changed", "cancelled":
		return service.JobKindAmend, true
	default:
		return "", false
	}
}

// Reconcile ставит в очередь задание согласования по событию розничного заказа.
func (h *Handler) Reconcile(w http.ResponseWriter, r *http.Request) {
	var req reconcileRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if !validation.IsValidOrderNumber(req.Order) {
		http.Error(w, http.StatusText(http.StatusUnprocessableEntity), http.StatusUnprocessableEntity)
		return
	}

	kind, ok := jobKindForEvent(req.Event)
	if !ok {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if err := h.service.EnqueueReconcile(r.Context(), req.Order, kind); err != nil {
		if errors.Is(err, repository.ErrOrderNotFound) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		h.logger.Error("enqueue reconcile error", zap.Error(err), zap.String("order", req.Order))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

type completeRequest struct {
	OrderCycleID  int64 `json:"order_cycle_id"`
	DistributorID int64 `json:"distributor_id"`
}

type lineResponse struct {
	SemanticID string `json:"semantic_id"`
	Offer      string `json:"offer"`
	Quantity   int64  `json:"quantity"`
}

type backorderResponse struct {
	SemanticID string         `json:"semantic_id"`
	Status     string         `json:"status"`
	Lines      []lineResponse `json:"lines"`
}

func makeBackorderResponse(order *model.Backorder) backorderResponse {
	resp := backorderResponse{
		SemanticID: order.SemanticID,
		Status:     string(order.Status),
		Lines:      make([]lineResponse, 0, len(order.Lines)),
	}
	for _, line := range order.Lines {
		lr := lineResponse{
			SemanticID: line.SemanticID,
			Quantity:   line.Quantity,
		}
		if line.Offer != nil {
			lr.Offer = line.Offer.SemanticID
		}
		resp.Lines = append(resp.Lines, lr)
	}
	return resp
}

// Complete закрывает открытый оптовый заказ для пары цикл закупки + дистрибьютор.
func (h *Handler) Complete(w http.ResponseWriter, r *http.Request) {
	var req completeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	if req.OrderCycleID <= 0 || req.DistributorID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	dc := model.DemandContext{OrderCycleID: req.OrderCycleID, DistributorID: req.DistributorID}

	order, err := h.service.CompleteBackorder(r.Context(), dc)
	if err != nil {
		if errors.Is(err, service.ErrNoOpenOrder) {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}
		var apiErr *fdc.APIError
		if errors.As(err, &apiErr) {
			h.logger.Error("complete backorder remote error", zap.Error(err),
				zap.Int64("orderCycleID", dc.OrderCycleID), zap.Int64("distributorID", dc.DistributorID))
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}
		h.logger.Error("complete backorder error", zap.Error(err),
			zap.Int64("orderCycleID", dc.OrderCycleID), zap.Int64("distributorID", dc.DistributorID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(makeBackorderResponse(order)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}

// Open возвращает открытый оптовый заказ для пары цикл закупки + дистрибьютор.
func (h *Handler) Open(w http.ResponseWriter, r *http.Request) {
	cycleID, err := strconv.ParseInt(r.URL.Query().Get("order_cycle_id"), 10, 64)
	if err != nil || cycleID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	distributorID, err := strconv.ParseInt(r.URL.Query().Get("distributor_id"), 10, 64)
	if err != nil || distributorID <= 0 {
		http.Error(w, http.StatusText(http.StatusBadRequest), http.StatusBadRequest)
		return
	}

	dc := model.DemandContext{OrderCycleID: cycleID, DistributorID: distributorID}

	order, err := h.service.OpenBackorder(r.Context(), dc)
	if err != nil {
		var apiErr *fdc.APIError
		if errors.As(err, &apiErr) {
			h.logger.Error("open backorder remote error", zap.Error(err),
				zap.Int64("orderCycleID", cycleID), zap.Int64("distributorID", distributorID))
			http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)
			return
		}
		h.logger.Error("open backorder error", zap.Error(err),
			zap.Int64("orderCycleID", cycleID), zap.Int64("distributorID", distributorID))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	if order == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(makeBackorderResponse(order)); err != nil {
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
}
