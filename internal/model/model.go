// Package model содержит доменные сущности сервиса консолидации оптовых закупок.
package model

// OrderStatus описывает статус удалённого оптового заказа.
type OrderStatus string

const (
	// OrderStatusHeld — заказ открыт и допускает изменение строк.
	OrderStatusHeld OrderStatus = "Held"
	// OrderStatusComplete — заказ закрыт координатором, строки больше не меняются.
	OrderStatusComplete OrderStatus = "Complete"
)

// Variant представляет розничную товарную позицию, привязанную к оптовому каталогу.
type Variant struct {
	ID int64
	// ProductID — идентификатор розничного продукта, которому принадлежит вариант.
	ProductID int64
	// OnDemand — признак пополняемой модели учёта: остаток может уходить в минус
	// и означает неудовлетворённый спрос. Для false остаток — жёсткий потолок.
	OnDemand bool
	// OnHand — текущий локальный остаток в розничных единицах (знаковый).
	OnHand int64
	// ProductLink — внешняя ссылка на оптовый продукт в удалённой системе.
	ProductLink string
}

// CatalogItem описывает оптовый продукт из каталога удалённой системы.
type CatalogItem struct {
	// SemanticID — внешний идентификатор оптового продукта.
	SemanticID string
	// RetailProductID — заявленный каталогом идентификатор розничного продукта,
	// который закрывается этим оптовым продуктом.
	RetailProductID string
	Offers          []*Offer
}

// Offer описывает оптовое предложение: единицу продажи оптового продукта.
type Offer struct {
	SemanticID string
	// ConversionFactor — число розничных единиц в одной оптовой упаковке.
	ConversionFactor int64
	// Product — обратная ссылка на предлагаемый оптовый продукт. Удалённая
	// кодировка каталога её не содержит, ссылка восстанавливается на нашей стороне.
	Product *CatalogItem
}

// Catalog — неизменяемый снимок оптового каталога, загружаемый один раз за проход.
type Catalog struct {
	Items []*CatalogItem
}

// Backorder представляет удалённый оптовый заказ.
type Backorder struct {
	// SemanticID — идентификатор заказа. Пока заказ не создан в удалённой
	// системе, здесь хранится адрес коллекции заказов (сигнальное значение).
	SemanticID string
	Status     OrderStatus
	Lines      []*BackorderLine
	// SaleSessionID — необязательная ссылка на торговую сессию удалённой системы.
	SaleSessionID string
}

// BackorderLine — строка оптового заказа.
type BackorderLine struct {
	// SemanticID — локально присвоенный идентификатор строки. Используется
	// только для представления: удалённая система не гарантирует сохранность
	// идентификаторов строк, сопоставление ведётся по продукту предложения.
	SemanticID string
	// Quantity — количество оптовых упаковок. Целочисленное значение,
	// хотя удалённая система передаёт его десятичным числом.
	Quantity int64
	Offer    *Offer
}

// LineByProduct возвращает строку заказа, предложение которой относится к
// оптовому продукту с указанным внешним идентификатором.
func (b *Backorder) LineByProduct(productID string) *BackorderLine {
	for _, line := range b.Lines {
		if line.Offer != nil && line.Offer.Product != nil && line.Offer.Product.SemanticID == productID {
			return line
		}
	}
	return nil
}

// DemandContext определяет область согласования: пара цикл закупки + дистрибьютор.
type DemandContext struct {
	OrderCycleID  int64
	DistributorID int64
}
