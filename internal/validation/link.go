// Package validation содержит функции валидации входных данных.
package validation

import (
	"net/url"

	"github.com/openfoodfoundation/openfoodnetwork-sub003/internal/fdc"
)

// IsValidProductLink проверяет, что внешняя ссылка на оптовый продукт является
// абсолютным HTTP-адресом одной из известных форм.
func IsValidProductLink(link string) bool {
	if link == "" {
		return false
	}

	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	if u.Host == "" {
		return false
	}

	_, err = fdc.DeriveEndpoints(link)
	return err == nil
}

// IsValidOrderNumber проверяет корректность номера розничного заказа:
// непустая строка из латинских букв и цифр.
func IsValidOrderNumber(number string) bool {
	if number == "" {
		return false
	}

	for _, ch := range number {
		isDigit := ch >= '0' && ch <= '9'
		isUpper := ch >= 'A' && ch <= 'Z'
		isLower := ch >= 'a' && ch <= 'z'
		if !isDigit && !isUpper && !isLower {
			return false
		}
	}

	return true
}
