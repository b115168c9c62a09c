package domain

import (
	"sort"
	"time"
)

// Batch — партия одного SKU с фиксированным закупленным количеством.
// ETA == nil означает, что партия уже на складе.
//
// Идентичность партии определяется только Reference (см. Equal), в отличие от
// OrderLine, где равенство структурное.
type Batch struct {
	Reference string
	SKU       string
	ETA       *time.Time
	// Version используется хранилищами для optimistic locking.
	Version int64

	purchasedQty int
	availableQty int
	allocations  map[OrderLine]struct{}
}

// NewBatch создаёт партию без аллокаций, проверяя входные данные.
func NewBatch(reference, sku string, qty int, eta *time.Time) (*Batch, error) {
	var errs []error
	if reference == "" {
		errs = append(errs, ErrBatchReferenceRequired)
	}
	if sku == "" {
		errs = append(errs, ErrSKURequired)
	}
	if qty <= 0 {
		errs = append(errs, ErrQtyInvalid)
	}
	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}

	return &Batch{
		Reference:    reference,
		SKU:          sku,
		ETA:          normalizeETA(eta),
		purchasedQty: qty,
		availableQty: qty,
		allocations:  make(map[OrderLine]struct{}),
	}, nil
}

// RestoreBatch восстанавливает партию из хранилища вместе с её аллокациями.
// Строки, которые не проходят CanAllocate, отбрасываются так же, как при обычном Allocate.
func RestoreBatch(reference, sku string, purchasedQty int, eta *time.Time, version int64, allocations []OrderLine) *Batch {
	b := &Batch{
		Reference:    reference,
		SKU:          sku,
		ETA:          normalizeETA(eta),
		Version:      version,
		purchasedQty: purchasedQty,
		availableQty: purchasedQty,
		allocations:  make(map[OrderLine]struct{}, len(allocations)),
	}
	for _, line := range allocations {
		b.Allocate(line)
	}
	return b
}

// PurchasedQuantity возвращает закупленное количество (не меняется после создания).
func (b *Batch) PurchasedQuantity() int {
	return b.purchasedQty
}

// AvailableQuantity возвращает количество, доступное для новых аллокаций.
func (b *Batch) AvailableQuantity() int {
	return b.availableQty
}

// AllocatedQuantity возвращает суммарное количество по всем аллокациям.
func (b *Batch) AllocatedQuantity() int {
	return b.purchasedQty - b.availableQty
}

// InStock сообщает, находится ли партия физически на складе.
func (b *Batch) InStock() bool {
	return b.ETA == nil
}

// CanAllocate проверяет, можно ли разместить строку в партии. Без побочных эффектов.
func (b *Batch) CanAllocate(line OrderLine) bool {
	return b.SKU == line.SKU &&
		b.availableQty >= line.Qty &&
		!b.HasAllocation(line)
}

// Allocate размещает строку в партии. Если CanAllocate ложно, ничего не делает.
func (b *Batch) Allocate(line OrderLine) {
	if !b.CanAllocate(line) {
		return
	}
	if b.allocations == nil {
		b.allocations = make(map[OrderLine]struct{})
	}
	b.availableQty -= line.Qty
	b.allocations[line] = struct{}{}
}

// Deallocate снимает ранее размещённую строку. Неизвестную строку игнорирует.
func (b *Batch) Deallocate(line OrderLine) {
	if !b.HasAllocation(line) {
		return
	}
	b.availableQty += line.Qty
	delete(b.allocations, line)
}

// HasAllocation сообщает, размещена ли строка в партии.
func (b *Batch) HasAllocation(line OrderLine) bool {
	_, ok := b.allocations[line]
	return ok
}

// Allocations возвращает копию аллокаций в детерминированном порядке.
func (b *Batch) Allocations() []OrderLine {
	lines := make([]OrderLine, 0, len(b.allocations))
	for line := range b.allocations {
		lines = append(lines, line)
	}
	sort.Slice(lines, func(i, j int) bool {
		return lessOrderLine(lines[i], lines[j])
	})
	return lines
}

// Less задаёт порядок предпочтения партий: партии на складе идут раньше партий в пути,
// партии в пути упорядочены по возрастанию ETA. Для равных ключей Less ложно в обе стороны.
func (b *Batch) Less(other *Batch) bool {
	switch {
	case b.ETA == nil:
		return other.ETA != nil
	case other.ETA == nil:
		return false
	default:
		return b.ETA.Before(*other.ETA)
	}
}

// Equal сравнивает партии по Reference.
func (b *Batch) Equal(other *Batch) bool {
	if b == nil || other == nil {
		return b == other
	}
	return b.Reference == other.Reference
}

// Clone возвращает независимую копию партии.
func (b *Batch) Clone() *Batch {
	clone := *b
	clone.ETA = normalizeETA(b.ETA)
	clone.allocations = make(map[OrderLine]struct{}, len(b.allocations))
	for line := range b.allocations {
		clone.allocations[line] = struct{}{}
	}
	return &clone
}

// normalizeETA приводит ETA к дате (полночь UTC) и копирует значение.
func normalizeETA(eta *time.Time) *time.Time {
	if eta == nil {
		return nil
	}
	y, m, d := eta.Date()
	date := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return &date
}
