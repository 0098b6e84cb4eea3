// Package stock содержит арифметику пересчёта строк оптового заказа и
// локальных остатков. Все функции чистые; запись результатов — обязанность
// вызывающего слоя, и только после успешной отправки заказа.
package stock

// Adjustment описывает результат пересчёта одной строки заказа.
type Adjustment struct {
	// LineQuantity — новое количество оптовых упаковок в строке.
	LineQuantity int64
	// OnHand — новый локальный остаток в розничных единицах.
	OnHand int64
	// Changed — признак, что пересчёт изменил строку или остаток.
	Changed bool
}

// AdjustOnDemand пересчитывает строку заказа для варианта с пополняемой
// моделью учёта. Отрицательный остаток означает неудовлетворённый спрос:
// дозаказываем столько упаковок, сколько нужно для его покрытия, и
// увеличиваем остаток на полученные розничные единицы. Неотрицательный
// остаток позволяет сократить ранее размещённый заказ и израсходовать
// физический запас вместо закупки.
//
// Ветви взаимоисключающие и вместе идемпотентны: повторный вызов с
// неизменённым остатком ничего не меняет. Количество в строке не бывает
// отрицательным.
func AdjustOnDemand(onHand, lineQuantity, factor int64) Adjustment {
	factor = normalizeFactor(factor)

	if onHand < 0 {
		needed := -onHand
		packs := ceilDiv(needed, factor)
		return Adjustment{
			LineQuantity: lineQuantity + packs,
			OnHand:       onHand + packs*factor,
			Changed:      true,
		}
	}

	covered := onHand / factor
	deductable := min(lineQuantity, covered)
	if deductable > 0 {
		return Adjustment{
			LineQuantity: lineQuantity - deductable,
			OnHand:       onHand - deductable*factor,
			Changed:      true,
		}
	}

	return Adjustment{LineQuantity: lineQuantity, OnHand: onHand}
}

// AdjustStockLimited возвращает количество упаковок для варианта с жёстким
// потолком остатка. Значение устанавливается, а не накапливается: спрос
// пересчитывается целиком по всем учитываемым розничным заказам цикла.
// Локальный остаток при этом не меняется.
func AdjustStockLimited(totalDemand, factor int64) int64 {
	if totalDemand <= 0 {
		return 0
	}
	return ceilDiv(totalDemand, normalizeFactor(factor))
}

// RevertOnDemand откатывает вклад устаревшей строки в остаток пополняемого
// варианта: возвращает остаток без розничных единиц, полученных от заказа
// lineQuantity упаковок.
func RevertOnDemand(onHand, lineQuantity, factor int64) int64 {
	return onHand - lineQuantity*normalizeFactor(factor)
}

// normalizeFactor трактует некорректный коэффициент пересчёта как поштучную
// упаковку.
func normalizeFactor(factor int64) int64 {
	if factor < 1 {
		return 1
	}
	return factor
}

func ceilDiv(a, b int64) int64 {
	return (a + b - 1) / b
}
