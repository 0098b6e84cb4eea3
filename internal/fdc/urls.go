// Package fdc реализует взаимодействие с удалённой оптовой системой:
// вывод адресов из внешних ссылок, HTTP-клиент и кодек заказов.
package fdc

import (
	"errors"
	"fmt"
	"strings"
)

// Сегменты пути, по которым распознаются две известные формы внешних ссылок:
// форма пилотного проекта и устаревшая внутренняя форма.
const (
	pilotProductsSegment  = "/SuppliedProducts/"
	legacyProductsSegment = "/supplied_products/"
)

// ErrUnknownLinkShape возвращается, если внешняя ссылка не соответствует
// ни одной из известных форм.
var ErrUnknownLinkShape = errors.New("unknown external link shape")

// Endpoints содержит адреса удалённой системы, выводимые из внешней ссылки
// на оптовый продукт.
type Endpoints struct {
	// Catalog — адрес списка оптовых продуктов.
	Catalog string
	// Orders — адрес коллекции заказов. Одновременно служит сигнальным
	// идентификатором ещё не созданного заказа.
	Orders string
	// SaleSession — адрес торговой сессии.
	SaleSession string
}

// DeriveEndpoints выводит адреса каталога, заказов и торговой сессии из
// внешней ссылки на оптовый продукт. Функция не хранит состояния и
// вычисляет результат заново при каждом вызове.
func DeriveEndpoints(productLink string) (Endpoints, error) {
	if idx := strings.LastIndex(productLink, pilotProductsSegment); idx >= 0 {
		if err := checkProductTail(productLink, idx+len(pilotProductsSegment)); err != nil {
			return Endpoints{}, err
		}
		base := productLink[:idx]
		return Endpoints{
			Catalog:     base + "/SuppliedProducts",
			Orders:      base + "/Orders",
			SaleSession: base + "/SalesSession/#",
		}, nil
	}

	if idx := strings.LastIndex(productLink, legacyProductsSegment); idx >= 0 {
		if err := checkProductTail(productLink, idx+len(legacyProductsSegment)); err != nil {
			return Endpoints{}, err
		}
		base := productLink[:idx]
		return Endpoints{
			Catalog:     base + "/supplied_products",
			Orders:      base + "/orders",
			SaleSession: base + "/sales_session/#",
		}, nil
	}

	return Endpoints{}, fmt.Errorf("%w: %s", ErrUnknownLinkShape, productLink)
}

func checkProductTail(productLink string, from int) error {
	tail := productLink[from:]
	if tail == "" || strings.HasPrefix(tail, "/") {
		return fmt.Errorf("%w: empty product identifier in %s", ErrUnknownLinkShape, productLink)
	}
	return nil
}
