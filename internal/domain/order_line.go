package domain

// OrderLine — запрос клиента на количество единиц одного SKU в рамках заказа.
// Значение сравнимо (==) и используется как ключ map: две строки с одинаковыми
// полями взаимозаменяемы.
type OrderLine struct {
	OrderID string
	SKU     string
	Qty     int
}

// Validate проверяет обязательные поля строки заказа.
func (l OrderLine) Validate() []error {
	var errs []error

	if l.OrderID == "" {
		errs = append(errs, ErrOrderIDRequired)
	}
	if l.SKU == "" {
		errs = append(errs, ErrSKURequired)
	}
	if l.Qty <= 0 {
		errs = append(errs, ErrQtyInvalid)
	}

	return errs
}

// lessOrderLine задаёт детерминированный порядок строк для выдачи наружу.
func lessOrderLine(a, b OrderLine) bool {
	if a.OrderID != b.OrderID {
		return a.OrderID < b.OrderID
	}
	if a.SKU != b.SKU {
		return a.SKU < b.SKU
	}
	return a.Qty < b.Qty
}
