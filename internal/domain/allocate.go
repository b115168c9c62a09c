package domain

import "sort"

// Allocate выбирает партию для строки заказа и размещает строку в ней.
//
// Кандидаты упорядочиваются по Batch.Less, при равенстве по Reference, поэтому
// результат не зависит от порядка входного среза. Если ни одна партия не подходит,
// возвращается *OutOfStockError, и ни одна партия не изменяется.
func Allocate(line OrderLine, batches []*Batch) (string, error) {
	candidates := make([]*Batch, 0, len(batches))
	for _, b := range batches {
		if b != nil {
			candidates = append(candidates, b)
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return precedes(candidates[i], candidates[j])
	})

	for _, b := range candidates {
		if b.CanAllocate(line) {
			b.Allocate(line)
			return b.Reference, nil
		}
	}

	return "", &OutOfStockError{Line: line}
}

func precedes(a, b *Batch) bool {
	if a.Less(b) {
		return true
	}
	if b.Less(a) {
		return false
	}
	return a.Reference < b.Reference
}

// KnownSKU сообщает, есть ли среди партий хотя бы одна с указанным SKU.
func KnownSKU(sku string, batches []*Batch) bool {
	for _, b := range batches {
		if b != nil && b.SKU == sku {
			return true
		}
	}
	return false
}

// FindAllocation возвращает партию, в которой размещена строка, или nil.
func FindAllocation(line OrderLine, batches []*Batch) *Batch {
	for _, b := range batches {
		if b != nil && b.HasAllocation(line) {
			return b
		}
	}
	return nil
}
