// Package offer реализует подбор оптового предложения по розничному продукту.
package offer

import (
	"strconv"

	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/model"
)

// Resolver подбирает предложения по уже загруженному снимку каталога.
// Никаких побочных эффектов и повторных запросов: просмотр снимка и только.
type Resolver struct {
	catalog *model.Catalog
}

// NewResolver создаёт Resolver над снимком каталога текущего прохода.
func NewResolver(catalog *model.Catalog) *Resolver {
	return &Resolver{catalog: catalog}
}

// BestOffer возвращает лучшее оптовое предложение для указанного розничного
// продукта: первое предложение продукта каталога, заявляющего этот
// идентификатор. Если продукта в каталоге нет (например, снят поставщиком),
// возвращается nil — вызывающий пропускает вариант в этом проходе, это не
// ошибка. На один розничный продукт выбирается не более одного предложения.
func (r *Resolver) BestOffer(retailProductID int64) *model.Offer {
	if r.catalog == nil {
		return nil
	}

	want := strconv.FormatInt(retailProductID, 10)
	for _, item := range r.catalog.Items {
		if item.RetailProductID != want || len(item.Offers) == 0 {
			continue
		}

		best := item.Offers[0]
		if best.Product == nil {
			// Удалённая кодировка не содержит обратной ссылки, дополняем её.
			best.Product = item
		}
		return best
	}

	return nil
}
