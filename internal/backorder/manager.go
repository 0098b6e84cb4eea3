// Package backorder реализует ядро согласования: управление жизненным циклом
// удалённого оптового заказа и расчёт его целевого состояния по локальному
// спросу.
package backorder

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/fdc"
	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/model"
)

// OrderAPI описывает контракт удалённого API заказов. Реализуется fdc.Client.
type OrderAPI interface {
	ListOrders(ctx context.Context, ordersURL string) ([]*model.Backorder, error)
	GetOrder(ctx context.Context, orderID string) (*model.Backorder, error)
	CreateOrder(ctx context.Context, ordersURL string, order *model.Backorder) (*model.Backorder, error)
	UpdateOrder(ctx context.Context, order *model.Backorder) (*model.Backorder, error)
}

// Manager управляет жизненным циклом удалённого оптового заказа:
// поиск открытого заказа, построение нового, сопоставление строк и отправка.
type Manager struct {
	api    OrderAPI
	logger *zap.Logger
}

// NewManager создаёт Manager поверх клиента удалённого API заказов.
func NewManager(api OrderAPI, logger *zap.Logger) *Manager {
	return &Manager{
		api:    api,
		logger: logger,
	}
}

// FindOpenOrder ищет открытый (Held) заказ. Основной путь — по сохранённой
// внешней ссылке, точный. Запасной путь для заказов, созданных до появления
// реестра ссылок, — перебор всех заказов коллекции; при нескольких кандидатах
// берётся последний, без гарантий корректности, поэтому количество кандидатов
// логируется. Возвращает nil без ошибки, если открытого заказа нет.
func (m *Manager) FindOpenOrder(ctx context.Context, endpoints fdc.Endpoints, storedLink string) (*model.Backorder, error) {
	if storedLink != "" {
		order, err := m.api.GetOrder(ctx, storedLink)
		if err != nil {
			return nil, err
		}
		if order != nil && order.Status == model.OrderStatusHeld {
			m.logger.Debug("open order located",
				zap.String("strategy", "byStoredLink"),
				zap.String("order", order.SemanticID))
			return order, nil
		}
		// Ссылка есть, но заказ закрыт или исчез — открытого заказа нет.
		return nil, nil
	}

	orders, err := m.api.ListOrders(ctx, endpoints.Orders)
	if err != nil {
		return nil, err
	}

	var open *model.Backorder
	candidates := 0
	for _, order := range orders {
		if order.Status == model.OrderStatusHeld {
			open = order
			candidates++
		}
	}

	if open == nil {
		return nil, nil
	}

	if candidates > 1 {
		m.logger.Warn("ambiguous open order scan, last candidate wins",
			zap.String("strategy", "byHeuristicScan"),
			zap.Int("candidates", candidates),
			zap.String("order", open.SemanticID))
	} else {
		m.logger.Debug("open order located",
			zap.String("strategy", "byHeuristicScan"),
			zap.String("order", open.SemanticID))
	}

	return open, nil
}

// FindOrBuildOrder возвращает открытый заказ либо строит новый, ещё не
// созданный в удалённой системе. Идентификатором нового заказа служит адрес
// коллекции заказов; до вызова Push побочных эффектов нет, повторный вызов
// возвращает эквивалентный несохранённый заказ.
func (m *Manager) FindOrBuildOrder(ctx context.Context, endpoints fdc.Endpoints, storedLink string) (*model.Backorder, error) {
	order, err := m.FindOpenOrder(ctx, endpoints, storedLink)
	if err != nil {
		return nil, err
	}
	if order != nil {
		return order, nil
	}

	return &model.Backorder{
		SemanticID:    endpoints.Orders,
		Status:        model.OrderStatusHeld,
		SaleSessionID: endpoints.SaleSession,
	}, nil
}

// FindOrBuildLine возвращает строку заказа для указанного предложения.
// Сопоставление ведётся по внешнему идентификатору предлагаемого продукта:
// удалённая система не сохраняет идентификаторы строк. Если строки нет,
// добавляется новая с нулевым количеством; её порядковый идентификатор —
// деталь представления и в сравнении строк не участвует.
func (m *Manager) FindOrBuildLine(order *model.Backorder, off *model.Offer) *model.BackorderLine {
	if line := order.LineByProduct(off.Product.SemanticID); line != nil {
		return line
	}

	line := &model.BackorderLine{
		SemanticID: fmt.Sprintf("%s/OrderLines/%d", order.SemanticID, len(order.Lines)+1),
		Quantity:   0,
		Offer:      off,
	}
	order.Lines = append(order.Lines, line)
	return line
}

// Push отправляет заказ в удалённую систему: создание, если заказ ещё не
// существует, иначе обновление. Возвращает авторитетное представление
// удалённой системы.
func (m *Manager) Push(ctx context.Context, endpoints fdc.Endpoints, order *model.Backorder) (*model.Backorder, error) {
	if order.SemanticID == endpoints.Orders {
		return m.api.CreateOrder(ctx, endpoints.Orders, order)
	}
	return m.api.UpdateOrder(ctx, order)
}

// Complete переводит заказ в терминальный статус Complete и отправляет его.
// После завершения изменение строк не ожидается.
func (m *Manager) Complete(ctx context.Context, endpoints fdc.Endpoints, order *model.Backorder) (*model.Backorder, error) {
	order.Status = model.OrderStatusComplete
	return m.Push(ctx, endpoints, order)
}
