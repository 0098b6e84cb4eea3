package backorder

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/fdc"
	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/model"
	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/offer"
	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/stock"
	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/validation"
)

// ErrMixedEndpoints возвращается, если связанные варианты одного прохода
// указывают на разные оптовые системы. Это ошибка конфигурации: проход
// прерывается, молчаливо использовать первый адрес нельзя.
var ErrMixedEndpoints = errors.New("variants reference different wholesale endpoints")

// DemandSource описывает внешние запросы видимости и спроса, а также реестр
// сохранённых ссылок на удалённые заказы.
type DemandSource interface {
	// VariantsDemandedBy возвращает варианты цикла закупки, имеющие внешнюю
	// ссылку на оптовый каталог.
	VariantsDemandedBy(ctx context.Context, dc model.DemandContext) ([]*model.Variant, error)
	// TotalDemand возвращает суммарный спрос по варианту во всех учитываемых
	// розничных заказах цикла.
	TotalDemand(ctx context.Context, dc model.DemandContext, variantID int64) (int64, error)
	// VariantByProductLink возвращает вариант по внешней ссылке на оптовый
	// продукт; nil, если такого варианта нет.
	VariantByProductLink(ctx context.Context, link string) (*model.Variant, error)
	// VariantByRetailProduct возвращает вариант по идентификатору розничного
	// продукта; nil, если такого варианта нет.
	VariantByRetailProduct(ctx context.Context, productID int64) (*model.Variant, error)
	// OrderLink возвращает сохранённую ссылку на удалённый заказ для области
	// согласования; пустую строку, если ссылка ещё не записана.
	OrderLink(ctx context.Context, dc model.DemandContext) (string, error)
}

// CatalogAPI описывает загрузку снимка оптового каталога. Реализуется fdc.Client.
type CatalogAPI interface {
	FetchCatalog(ctx context.Context, catalogURL string) (*model.Catalog, error)
}

// StockChange — отложенная запись нового остатка варианта. Применяется
// вызывающим слоем только после успешной отправки заказа, чтобы неудачная
// отправка не оставила локальные остатки изменёнными.
type StockChange struct {
	VariantID int64
	OnHand    int64
}

// Result — целевое состояние, вычисленное проходом согласования.
// Отправка заказа — отдельный явный шаг вызывающего, чтобы серия локальных
// событий сходилась в одну удалённую запись.
type Result struct {
	Backorder    *model.Backorder
	Endpoints    fdc.Endpoints
	StockChanges []StockChange
}

// NoOp сообщает, что проход не нашёл ни спроса, ни открытого заказа.
func (r *Result) NoOp() bool {
	return r.Backorder == nil
}

// Created сообщает, что заказ ещё не существует в удалённой системе и
// отправка создаст его.
func (r *Result) Created() bool {
	return r.Backorder != nil && r.Backorder.SemanticID == r.Endpoints.Orders
}

// Reconciler вычисляет целевое состояние удалённого заказа по текущему
// локальному спросу. Сам ничего не отправляет и не пишет в хранилище.
type Reconciler struct {
	demand  DemandSource
	catalog CatalogAPI
	manager *Manager
	logger  *zap.Logger
}

// NewReconciler создаёт Reconciler с указанными источником спроса, клиентом
// каталога и менеджером удалённых заказов.
func NewReconciler(demand DemandSource, catalog CatalogAPI, manager *Manager, logger *zap.Logger) *Reconciler {
	return &Reconciler{
		demand:  demand,
		catalog: catalog,
		manager: manager,
		logger:  logger,
	}
}

// Reconcile выполняет проход согласования по событию изменения розничного
// заказа. Если открытого удалённого заказа ещё нет, проход завершается
// вхолостую: создание происходит только при размещении (ReconcilePlacement).
func (r *Reconciler) Reconcile(ctx context.Context, dc model.DemandContext) (*Result, error) {
	return r.reconcile(ctx, dc, false)
}

// ReconcilePlacement выполняет проход по событию размещения розничного
// заказа: при отсутствии открытого удалённого заказа строится новый.
func (r *Reconciler) ReconcilePlacement(ctx context.Context, dc model.DemandContext) (*Result, error) {
	return r.reconcile(ctx, dc, true)
}

func (r *Reconciler) reconcile(ctx context.Context, dc model.DemandContext, create bool) (*Result, error) {
	variants, err := r.demand.VariantsDemandedBy(ctx, dc)
	if err != nil {
		return nil, err
	}
	variants = r.linkedVariants(variants)
	if len(variants) == 0 {
		return &Result{}, nil
	}

	endpoints, err := sharedEndpoints(variants)
	if err != nil {
		return nil, err
	}

	// Снимок каталога загружается один раз за проход: цены и доступность
	// могли измениться, между проходами снимок не переиспользуется.
	catalog, err := r.catalog.FetchCatalog(ctx, endpoints.Catalog)
	if err != nil {
		return nil, err
	}

	storedLink, err := r.demand.OrderLink(ctx, dc)
	if err != nil {
		return nil, err
	}

	var order *model.Backorder
	if create {
		order, err = r.manager.FindOrBuildOrder(ctx, endpoints, storedLink)
	} else {
		order, err = r.manager.FindOpenOrder(ctx, endpoints, storedLink)
	}
	if err != nil {
		return nil, err
	}
	if order == nil {
		return &Result{}, nil
	}

	result := &Result{Backorder: order, Endpoints: endpoints}
	resolver := offer.NewResolver(catalog)
	touched := make(map[*model.BackorderLine]bool, len(variants))

	for _, variant := range variants {
		best := resolver.BestOffer(variant.ProductID)
		if best == nil {
			// Продукт исчез из каталога — вариант пропускается в этом
			// проходе, остальные согласуются независимо.
			r.logger.Info("no wholesale offer for variant, skipped",
				zap.Int64("variant", variant.ID),
				zap.Int64("product", variant.ProductID))
			continue
		}

		line := r.manager.FindOrBuildLine(order, best)

		if variant.OnDemand {
			adj := stock.AdjustOnDemand(variant.OnHand, line.Quantity, best.ConversionFactor)
			line.Quantity = adj.LineQuantity
			if adj.Changed {
				variant.OnHand = adj.OnHand
				result.StockChanges = append(result.StockChanges, StockChange{
					VariantID: variant.ID,
					OnHand:    adj.OnHand,
				})
			}
		} else {
			total, err := r.demand.TotalDemand(ctx, dc, variant.ID)
			if err != nil {
				return nil, err
			}
			line.Quantity = stock.AdjustStockLimited(total, best.ConversionFactor)
		}

		touched[line] = true
	}

	for _, line := range order.Lines {
		if touched[line] {
			continue
		}
		if err := r.cancelStaleLine(ctx, line, result); err != nil {
			return nil, err
		}
	}

	kept := make([]*model.BackorderLine, 0, len(order.Lines))
	for _, line := range order.Lines {
		if line.Quantity != 0 {
			kept = append(kept, line)
		}
	}
	order.Lines = kept

	// Заказ создаётся только при фактическом спросе: построенный, но пустой
	// заказ не должен попасть в удалённую систему.
	if result.Created() && len(order.Lines) == 0 {
		return &Result{}, nil
	}

	return result, nil
}

// cancelStaleLine откатывает вклад строки, предложение которой больше не
// соответствует ни одному востребованному варианту, и обнуляет её количество.
func (r *Reconciler) cancelStaleLine(ctx context.Context, line *model.BackorderLine, result *Result) error {
	if line.Offer == nil || line.Offer.Product == nil {
		line.Quantity = 0
		return nil
	}

	productID := line.Offer.Product.SemanticID
	factor := line.Offer.ConversionFactor

	variant, err := r.demand.VariantByProductLink(ctx, productID)
	if err != nil {
		return err
	}

	if variant == nil {
		// Деградированный запасной путь: оптовый идентификатор трактуется
		// как розничный с коэффициентом 1. Соответствие не гарантировано,
		// поэтому случай всегда попадает в лог.
		if retailID, ok := retailIDFromLink(productID); ok {
			variant, err = r.demand.VariantByRetailProduct(ctx, retailID)
			if err != nil {
				return err
			}
			if variant != nil {
				factor = 1
				r.logger.Warn("stale line matched via degraded identity fallback",
					zap.String("product", productID),
					zap.Int64("variant", variant.ID))
			}
		}
	}

	if variant != nil && variant.OnDemand && line.Quantity > 0 {
		result.StockChanges = append(result.StockChanges, StockChange{
			VariantID: variant.ID,
			OnHand:    stock.RevertOnDemand(variant.OnHand, line.Quantity, factor),
		})
	}

	line.Quantity = 0
	return nil
}

// linkedVariants отбрасывает варианты с внешней ссылкой нераспознанной формы:
// одна повреждённая ссылка не должна прерывать согласование остальных.
func (r *Reconciler) linkedVariants(variants []*model.Variant) []*model.Variant {
	kept := make([]*model.Variant, 0, len(variants))
	for _, variant := range variants {
		if !validation.IsValidProductLink(variant.ProductLink) {
			r.logger.Warn("variant has malformed wholesale link, skipped",
				zap.Int64("variant", variant.ID),
				zap.String("link", variant.ProductLink))
			continue
		}
		kept = append(kept, variant)
	}
	return kept
}

func sharedEndpoints(variants []*model.Variant) (fdc.Endpoints, error) {
	endpoints, err := fdc.DeriveEndpoints(variants[0].ProductLink)
	if err != nil {
		return fdc.Endpoints{}, err
	}

	for _, variant := range variants[1:] {
		other, err := fdc.DeriveEndpoints(variant.ProductLink)
		if err != nil {
			return fdc.Endpoints{}, err
		}
		if other != endpoints {
			return fdc.Endpoints{}, fmt.Errorf("%w: %s and %s", ErrMixedEndpoints, endpoints.Catalog, other.Catalog)
		}
	}

	return endpoints, nil
}

// retailIDFromLink извлекает числовой идентификатор из последнего сегмента
// внешней ссылки на продукт.
func retailIDFromLink(link string) (int64, bool) {
	idx := strings.LastIndex(link, "/")
	if idx < 0 || idx == len(link)-1 {
		return 0, false
	}

	id, err := strconv.ParseInt(link[idx+1:], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}
