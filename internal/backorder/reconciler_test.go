package backorder

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/model"
)

const (
	productLink10 = "https://supplier.example.net/SuppliedProducts/10"
	productLink20 = "https://supplier.example.net/SuppliedProducts/20"
)

type stubDemand struct {
	variants []*model.Variant
	totals   map[int64]int64
	byLink   map[string]*model.Variant
	byRetail map[int64]*model.Variant
	link     string
}

func (s *stubDemand) VariantsDemandedBy(ctx context.Context, dc model.DemandContext) ([]*model.Variant, error) {
	return s.variants, nil
}

func (s *stubDemand) TotalDemand(ctx context.Context, dc model.DemandContext, variantID int64) (int64, error) {
	return s.totals[variantID], nil
}

func (s *stubDemand) VariantByProductLink(ctx context.Context, link string) (*model.Variant, error) {
	return s.byLink[link], nil
}

func (s *stubDemand) VariantByRetailProduct(ctx context.Context, productID int64) (*model.Variant, error) {
	return s.byRetail[productID], nil
}

func (s *stubDemand) OrderLink(ctx context.Context, dc model.DemandContext) (string, error) {
	return s.link, nil
}

type stubCatalogAPI struct {
	catalog *model.Catalog
	err     error
}

func (s *stubCatalogAPI) FetchCatalog(ctx context.Context, catalogURL string) (*model.Catalog, error) {
	return s.catalog, s.err
}

func catalogWith(items ...*model.CatalogItem) *model.Catalog {
	for _, item := range items {
		for _, off := range item.Offers {
			off.Product = item
		}
	}
	return &model.Catalog{Items: items}
}

func newTestReconciler(demand *stubDemand, catalog *stubCatalogAPI, api *stubOrderAPI) *Reconciler {
	logger := zap.NewNop()
	return NewReconciler(demand, catalog, NewManager(api, logger), logger)
}

func TestReconcile_NoLinkedVariants(t *testing.T) {
	r := newTestReconciler(&stubDemand{}, &stubCatalogAPI{}, &stubOrderAPI{})

	result, err := r.Reconcile(context.Background(), model.DemandContext{OrderCycleID: 1, DistributorID: 2})
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if !result.NoOp() {
		t.Fatalf("expected no-op without linked variants")
	}
}

func TestReconcile_NoOpenOrderIsNoOp(t *testing.T) {
	demand := &stubDemand{
		variants: []*model.Variant{
			{ID: 1, ProductID: 55, OnDemand: true, OnHand: -3, ProductLink: productLink10},
		},
	}
	catalog := &stubCatalogAPI{catalog: catalogWith(&model.CatalogItem{
		SemanticID:      productLink10,
		RetailProductID: "55",
		Offers:          []*model.Offer{{SemanticID: "offers/1", ConversionFactor: 12}},
	})}
	api := &stubOrderAPI{}

	r := newTestReconciler(demand, catalog, api)

	result, err := r.Reconcile(context.Background(), model.DemandContext{})
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if !result.NoOp() {
		t.Fatalf("change event must not fabricate a remote order")
	}
	if api.created != nil {
		t.Fatalf("no remote calls besides lookup are expected")
	}
}

func TestReconcilePlacement_BuildsOrderAndOrdersPack(t *testing.T) {
	demand := &stubDemand{
		variants: []*model.Variant{
			{ID: 1, ProductID: 55, OnDemand: true, OnHand: -3, ProductLink: productLink10},
		},
	}
	catalog := &stubCatalogAPI{catalog: catalogWith(&model.CatalogItem{
		SemanticID:      productLink10,
		RetailProductID: "55",
		Offers:          []*model.Offer{{SemanticID: "offers/1", ConversionFactor: 12}},
	})}

	r := newTestReconciler(demand, catalog, &stubOrderAPI{})

	result, err := r.ReconcilePlacement(context.Background(), model.DemandContext{})
	if err != nil {
		t.Fatalf("ReconcilePlacement error: %v", err)
	}
	if result.NoOp() {
		t.Fatalf("placement must build an order")
	}
	if !result.Created() {
		t.Fatalf("built order must carry the orders endpoint sentinel")
	}
	if len(result.Backorder.Lines) != 1 {
		t.Fatalf("lines = %d, want 1", len(result.Backorder.Lines))
	}
	if got := result.Backorder.Lines[0].Quantity; got != 1 {
		t.Fatalf("line quantity = %d, want 1 (deficit of 3, pack of 12)", got)
	}
	if len(result.StockChanges) != 1 || result.StockChanges[0].OnHand != 9 {
		t.Fatalf("unexpected stock changes: %+v", result.StockChanges)
	}
}

func TestReconcilePlacement_NoNetDemandIsNoOp(t *testing.T) {
	demand := &stubDemand{
		variants: []*model.Variant{
			{ID: 1, ProductID: 55, OnDemand: true, OnHand: 5, ProductLink: productLink10},
		},
	}
	catalog := &stubCatalogAPI{catalog: catalogWith(&model.CatalogItem{
		SemanticID:      productLink10,
		RetailProductID: "55",
		Offers:          []*model.Offer{{SemanticID: "offers/1", ConversionFactor: 12}},
	})}
	api := &stubOrderAPI{}

	r := newTestReconciler(demand, catalog, api)

	result, err := r.ReconcilePlacement(context.Background(), model.DemandContext{})
	if err != nil {
		t.Fatalf("ReconcilePlacement error: %v", err)
	}
	if !result.NoOp() {
		t.Fatalf("placement without net demand must not build an empty order: %+v", result.Backorder)
	}
	if len(result.StockChanges) != 0 {
		t.Fatalf("no demand means no stock changes: %+v", result.StockChanges)
	}
}

func TestReconcile_MalformedLinkSkipped(t *testing.T) {
	demand := &stubDemand{
		variants: []*model.Variant{
			{ID: 1, ProductID: 77, OnDemand: true, OnHand: -1, ProductLink: "not-a-url"},
			{ID: 2, ProductID: 55, OnDemand: true, OnHand: -3, ProductLink: productLink10},
		},
		link: "https://supplier.example.net/Orders/7",
	}
	catalog := &stubCatalogAPI{catalog: catalogWith(&model.CatalogItem{
		SemanticID:      productLink10,
		RetailProductID: "55",
		Offers:          []*model.Offer{{SemanticID: "offers/1", ConversionFactor: 12}},
	})}
	api := &stubOrderAPI{
		getOrder: &model.Backorder{
			SemanticID: "https://supplier.example.net/Orders/7",
			Status:     model.OrderStatusHeld,
		},
	}

	r := newTestReconciler(demand, catalog, api)

	result, err := r.Reconcile(context.Background(), model.DemandContext{})
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if len(result.Backorder.Lines) != 1 {
		t.Fatalf("lines = %d, want 1 (variant with malformed link skipped)", len(result.Backorder.Lines))
	}
	if result.Backorder.Lines[0].Quantity != 1 {
		t.Fatalf("line quantity = %d, want 1", result.Backorder.Lines[0].Quantity)
	}
}

func TestReconcile_AllLinksMalformedIsNoOp(t *testing.T) {
	demand := &stubDemand{
		variants: []*model.Variant{
			{ID: 1, ProductID: 77, OnDemand: true, OnHand: -1, ProductLink: "ftp://supplier/SuppliedProducts/9"},
		},
	}

	r := newTestReconciler(demand, &stubCatalogAPI{}, &stubOrderAPI{})

	result, err := r.Reconcile(context.Background(), model.DemandContext{})
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if !result.NoOp() {
		t.Fatalf("expected no-op when no variant carries a recognizable link")
	}
}

func TestReconcile_IncrementalGrowth(t *testing.T) {
	demand := &stubDemand{
		variants: []*model.Variant{
			{ID: 1, ProductID: 55, OnDemand: true, OnHand: -1, ProductLink: productLink10},
		},
		link: "https://supplier.example.net/Orders/7",
	}
	item := &model.CatalogItem{
		SemanticID:      productLink10,
		RetailProductID: "55",
		Offers:          []*model.Offer{{SemanticID: "offers/1", ConversionFactor: 12}},
	}
	catalog := &stubCatalogAPI{catalog: catalogWith(item)}
	api := &stubOrderAPI{
		getOrder: &model.Backorder{
			SemanticID: "https://supplier.example.net/Orders/7",
			Status:     model.OrderStatusHeld,
			Lines: []*model.BackorderLine{
				{SemanticID: "lines/1", Quantity: 1, Offer: item.Offers[0]},
			},
		},
	}

	r := newTestReconciler(demand, catalog, api)

	result, err := r.Reconcile(context.Background(), model.DemandContext{})
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if got := result.Backorder.Lines[0].Quantity; got != 2 {
		t.Fatalf("line quantity = %d, want 2", got)
	}
	if len(result.StockChanges) != 1 || result.StockChanges[0].OnHand != 11 {
		t.Fatalf("unexpected stock changes: %+v", result.StockChanges)
	}
}

func TestReconcile_Idempotent(t *testing.T) {
	variant := &model.Variant{ID: 1, ProductID: 55, OnDemand: true, OnHand: -3, ProductLink: productLink10}
	demand := &stubDemand{
		variants: []*model.Variant{variant},
		link:     "https://supplier.example.net/Orders/7",
	}
	item := &model.CatalogItem{
		SemanticID:      productLink10,
		RetailProductID: "55",
		Offers:          []*model.Offer{{SemanticID: "offers/1", ConversionFactor: 12}},
	}
	catalog := &stubCatalogAPI{catalog: catalogWith(item)}
	order := &model.Backorder{
		SemanticID: "https://supplier.example.net/Orders/7",
		Status:     model.OrderStatusHeld,
	}
	api := &stubOrderAPI{getOrder: order}

	r := newTestReconciler(demand, catalog, api)

	first, err := r.Reconcile(context.Background(), model.DemandContext{})
	if err != nil {
		t.Fatalf("first pass error: %v", err)
	}
	if first.Backorder.Lines[0].Quantity != 1 {
		t.Fatalf("first pass quantity = %d, want 1", first.Backorder.Lines[0].Quantity)
	}

	// Применяем вычисленный остаток, как сделал бы вызывающий слой после
	// успешной отправки, и повторяем проход с неизменённым спросом.
	variant.OnHand = first.StockChanges[0].OnHand

	second, err := r.Reconcile(context.Background(), model.DemandContext{})
	if err != nil {
		t.Fatalf("second pass error: %v", err)
	}
	if second.Backorder.Lines[0].Quantity != 1 {
		t.Fatalf("second pass quantity = %d, want 1", second.Backorder.Lines[0].Quantity)
	}
	if len(second.StockChanges) != 0 {
		t.Fatalf("second pass must not change stock: %+v", second.StockChanges)
	}
	if variant.OnHand != 9 {
		t.Fatalf("onHand = %d, want 9", variant.OnHand)
	}
}

func TestReconcile_StockLimitedSetsQuantity(t *testing.T) {
	demand := &stubDemand{
		variants: []*model.Variant{
			{ID: 1, ProductID: 55, OnDemand: false, OnHand: 100, ProductLink: productLink10},
		},
		totals: map[int64]int64{1: 8},
		link:   "https://supplier.example.net/Orders/7",
	}
	item := &model.CatalogItem{
		SemanticID:      productLink10,
		RetailProductID: "55",
		Offers:          []*model.Offer{{SemanticID: "offers/1", ConversionFactor: 1}},
	}
	catalog := &stubCatalogAPI{catalog: catalogWith(item)}
	api := &stubOrderAPI{
		getOrder: &model.Backorder{
			SemanticID: "https://supplier.example.net/Orders/7",
			Status:     model.OrderStatusHeld,
			Lines: []*model.BackorderLine{
				{SemanticID: "lines/1", Quantity: 5, Offer: item.Offers[0]},
			},
		},
	}

	r := newTestReconciler(demand, catalog, api)

	result, err := r.Reconcile(context.Background(), model.DemandContext{})
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if got := result.Backorder.Lines[0].Quantity; got != 8 {
		t.Fatalf("line quantity = %d, want 8 (set, not 5+8)", got)
	}
	if len(result.StockChanges) != 0 {
		t.Fatalf("stock-limited model must not mutate stock: %+v", result.StockChanges)
	}
}

func TestReconcile_StaleLineRevertsStock(t *testing.T) {
	cancelled := &model.Variant{ID: 2, ProductID: 77, OnDemand: true, OnHand: 12, ProductLink: productLink20}
	demand := &stubDemand{
		variants: []*model.Variant{
			{ID: 1, ProductID: 55, OnDemand: true, OnHand: 0, ProductLink: productLink10},
		},
		byLink: map[string]*model.Variant{productLink20: cancelled},
		link:   "https://supplier.example.net/Orders/7",
	}
	item := &model.CatalogItem{
		SemanticID:      productLink10,
		RetailProductID: "55",
		Offers:          []*model.Offer{{SemanticID: "offers/1", ConversionFactor: 12}},
	}
	staleProduct := &model.CatalogItem{SemanticID: productLink20}
	catalog := &stubCatalogAPI{catalog: catalogWith(item)}
	api := &stubOrderAPI{
		getOrder: &model.Backorder{
			SemanticID: "https://supplier.example.net/Orders/7",
			Status:     model.OrderStatusHeld,
			Lines: []*model.BackorderLine{
				{
					SemanticID: "lines/1",
					Quantity:   1,
					Offer:      &model.Offer{SemanticID: "offers/2", ConversionFactor: 12, Product: staleProduct},
				},
			},
		},
	}

	r := newTestReconciler(demand, catalog, api)

	result, err := r.Reconcile(context.Background(), model.DemandContext{})
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}

	if len(result.StockChanges) != 1 {
		t.Fatalf("stock changes = %+v, want one revert", result.StockChanges)
	}
	change := result.StockChanges[0]
	if change.VariantID != 2 || change.OnHand != 0 {
		t.Fatalf("revert = %+v, want variant 2 back to 0 (12 - 1*12)", change)
	}

	for _, line := range result.Backorder.Lines {
		if line.SemanticID == "lines/1" {
			t.Fatalf("zero-quantity stale line must be pruned")
		}
	}
}

func TestReconcile_StaleLineDegradedFallback(t *testing.T) {
	cancelled := &model.Variant{ID: 2, ProductID: 20, OnDemand: true, OnHand: 3, ProductLink: ""}
	demand := &stubDemand{
		variants: []*model.Variant{
			{ID: 1, ProductID: 55, OnDemand: true, OnHand: 0, ProductLink: productLink10},
		},
		byRetail: map[int64]*model.Variant{20: cancelled},
		link:     "https://supplier.example.net/Orders/7",
	}
	item := &model.CatalogItem{
		SemanticID:      productLink10,
		RetailProductID: "55",
		Offers:          []*model.Offer{{SemanticID: "offers/1", ConversionFactor: 12}},
	}
	catalog := &stubCatalogAPI{catalog: catalogWith(item)}
	api := &stubOrderAPI{
		getOrder: &model.Backorder{
			SemanticID: "https://supplier.example.net/Orders/7",
			Status:     model.OrderStatusHeld,
			Lines: []*model.BackorderLine{
				{
					SemanticID: "lines/1",
					Quantity:   3,
					Offer: &model.Offer{
						SemanticID:       "offers/2",
						ConversionFactor: 12,
						Product:          &model.CatalogItem{SemanticID: productLink20},
					},
				},
			},
		},
	}

	r := newTestReconciler(demand, catalog, api)

	result, err := r.Reconcile(context.Background(), model.DemandContext{})
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}

	// Запасной путь: коэффициент 1, откат ровно на количество строки.
	if len(result.StockChanges) != 1 || result.StockChanges[0].OnHand != 0 {
		t.Fatalf("unexpected stock changes: %+v", result.StockChanges)
	}
}

func TestReconcile_MissingOfferSkipsOnlyThatVariant(t *testing.T) {
	demand := &stubDemand{
		variants: []*model.Variant{
			{ID: 1, ProductID: 55, OnDemand: true, OnHand: -3, ProductLink: productLink10},
			{ID: 2, ProductID: 77, OnDemand: true, OnHand: -1, ProductLink: productLink20},
		},
		link: "https://supplier.example.net/Orders/7",
	}
	// Продукт 77 исчез из каталога.
	item := &model.CatalogItem{
		SemanticID:      productLink10,
		RetailProductID: "55",
		Offers:          []*model.Offer{{SemanticID: "offers/1", ConversionFactor: 12}},
	}
	catalog := &stubCatalogAPI{catalog: catalogWith(item)}
	api := &stubOrderAPI{
		getOrder: &model.Backorder{
			SemanticID: "https://supplier.example.net/Orders/7",
			Status:     model.OrderStatusHeld,
		},
	}

	r := newTestReconciler(demand, catalog, api)

	result, err := r.Reconcile(context.Background(), model.DemandContext{})
	if err != nil {
		t.Fatalf("Reconcile error: %v", err)
	}
	if len(result.Backorder.Lines) != 1 {
		t.Fatalf("lines = %d, want 1 (second variant skipped)", len(result.Backorder.Lines))
	}
	if result.Backorder.Lines[0].Quantity != 1 {
		t.Fatalf("line quantity = %d, want 1", result.Backorder.Lines[0].Quantity)
	}
}

func TestReconcile_MixedEndpointsAborted(t *testing.T) {
	demand := &stubDemand{
		variants: []*model.Variant{
			{ID: 1, ProductID: 55, ProductLink: productLink10},
			{ID: 2, ProductID: 77, ProductLink: "https://other.example.com/SuppliedProducts/9"},
		},
	}

	r := newTestReconciler(demand, &stubCatalogAPI{}, &stubOrderAPI{})

	_, err := r.Reconcile(context.Background(), model.DemandContext{})
	if !errors.Is(err, ErrMixedEndpoints) {
		t.Fatalf("expected ErrMixedEndpoints, got %v", err)
	}
}
