package fdc

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/model"
)

// Документы внешнего формата. Удалённая система передаёт количества и
// коэффициенты пересчёта десятичными числами, локально они целочисленные.

type catalogDocument struct {
	Items []productDocument `json:"items"`
}

type productDocument struct {
	ID              string          `json:"@id"`
	RetailProductID string          `json:"retailProductId,omitempty"`
	Offers          []offerDocument `json:"offers,omitempty"`
}

type offerDocument struct {
	ID               string           `json:"@id"`
	ConversionFactor decimal.Decimal  `json:"conversionFactor"`
	OfferedProduct   *productDocument `json:"offeredProduct,omitempty"`
}

type orderListDocument struct {
	Orders []orderDocument `json:"orders"`
}

type orderDocument struct {
	ID          string               `json:"@id"`
	Status      string               `json:"status"`
	Lines       []lineDocument       `json:"lines"`
	SaleSession *saleSessionDocument `json:"saleSession,omitempty"`
}

type lineDocument struct {
	ID       string          `json:"@id"`
	Quantity decimal.Decimal `json:"quantity"`
	Offer    offerDocument   `json:"offer"`
}

type saleSessionDocument struct {
	ID string `json:"@id"`
}

func decodeCatalog(data []byte) (*model.Catalog, error) {
	var doc catalogDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	catalog := &model.Catalog{}
	for _, p := range doc.Items {
		item := &model.CatalogItem{
			SemanticID:      p.ID,
			RetailProductID: p.RetailProductID,
		}
		for _, o := range p.Offers {
			offer, err := decodeOffer(o)
			if err != nil {
				return nil, err
			}
			// Внешняя кодировка не содержит обратной ссылки предложения на
			// продукт, восстанавливаем её при чтении.
			offer.Product = item
			item.Offers = append(item.Offers, offer)
		}
		catalog.Items = append(catalog.Items, item)
	}

	return catalog, nil
}

func decodeOffer(doc offerDocument) (*model.Offer, error) {
	factor, err := integerPart(doc.ConversionFactor, "conversion factor")
	if err != nil {
		return nil, err
	}

	offer := &model.Offer{
		SemanticID:       doc.ID,
		ConversionFactor: factor,
	}
	if doc.OfferedProduct != nil {
		offer.Product = &model.CatalogItem{
			SemanticID:      doc.OfferedProduct.ID,
			RetailProductID: doc.OfferedProduct.RetailProductID,
		}
	}
	return offer, nil
}

func decodeOrder(data []byte) (*model.Backorder, error) {
	var doc orderDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode order: %w", err)
	}
	return orderFromDocument(doc)
}

func decodeOrderList(data []byte) ([]*model.Backorder, error) {
	var doc orderListDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode order list: %w", err)
	}

	orders := make([]*model.Backorder, 0, len(doc.Orders))
	for _, od := range doc.Orders {
		order, err := orderFromDocument(od)
		if err != nil {
			return nil, err
		}
		orders = append(orders, order)
	}
	return orders, nil
}

func orderFromDocument(doc orderDocument) (*model.Backorder, error) {
	order := &model.Backorder{
		SemanticID: doc.ID,
		Status:     model.OrderStatus(doc.Status),
	}
	if doc.SaleSession != nil {
		order.SaleSessionID = doc.SaleSession.ID
	}

	for _, ld := range doc.Lines {
		quantity, err := integerPart(ld.Quantity, "line quantity")
		if err != nil {
			return nil, err
		}
		offer, err := decodeOffer(ld.Offer)
		if err != nil {
			return nil, err
		}
		order.Lines = append(order.Lines, &model.BackorderLine{
			SemanticID: ld.ID,
			Quantity:   quantity,
			Offer:      offer,
		})
	}

	return order, nil
}

// encodeOrder сериализует заказ вместе с графом строк, предложений, продуктов
// и торговой сессии. Строки с нулевым количеством в выгрузку не попадают.
func encodeOrder(order *model.Backorder) ([]byte, error) {
	doc := orderDocument{
		ID:     order.SemanticID,
		Status: string(order.Status),
		Lines:  make([]lineDocument, 0, len(order.Lines)),
	}
	if order.SaleSessionID != "" {
		doc.SaleSession = &saleSessionDocument{ID: order.SaleSessionID}
	}

	for _, line := range order.Lines {
		if line.Quantity == 0 {
			continue
		}

		ld := lineDocument{
			ID:       line.SemanticID,
			Quantity: decimal.NewFromInt(line.Quantity),
		}
		if line.Offer != nil {
			ld.Offer = offerDocument{
				ID:               line.Offer.SemanticID,
				ConversionFactor: decimal.NewFromInt(line.Offer.ConversionFactor),
			}
			if line.Offer.Product != nil {
				ld.Offer.OfferedProduct = &productDocument{
					ID:              line.Offer.Product.SemanticID,
					RetailProductID: line.Offer.Product.RetailProductID,
				}
			}
		}
		doc.Lines = append(doc.Lines, ld)
	}

	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode order: %w", err)
	}
	return data, nil
}

func integerPart(d decimal.Decimal, field string) (int64, error) {
	if !d.IsInteger() {
		return 0, fmt.Errorf("%s is not an integer: %s", field, d.String())
	}
	return d.IntPart(), nil
}
