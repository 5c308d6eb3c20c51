package core

import (
	"sort"

	"github.com/shopspring/decimal"
)

// BatchAllocation is one batch's contribution to a FIFO-allocated outgoing
// quantity.
type BatchAllocation struct {
	Batch    BatchCache
	Quantity decimal.Decimal
}

// allocateFIFO sorts batches in place into FIFO order (expiry ascending
// nulls last, received date ascending, batch number ascending — the order
// BatchCacheStore.ListFIFO returns) and distributes qty across them,
// short-changing the last
// allocation if the batches don't cover the full requested quantity.
// The boolean return reports whether the full quantity was covered.
func allocateFIFO(batches []BatchCache, qty decimal.Decimal) ([]BatchAllocation, bool) {
	sort.SliceStable(batches, func(i, j int) bool {
		return fifoLess(batches[i], batches[j])
	})

	var allocations []BatchAllocation
	remaining := qty
	for _, b := range batches {
		if remaining.LessThanOrEqual(decimal.Zero) {
			break
		}
		take := b.RemainingQty
		if take.GreaterThan(remaining) {
			take = remaining
		}
		allocations = append(allocations, BatchAllocation{Batch: b, Quantity: take})
		remaining = remaining.Sub(take)
	}
	return allocations, remaining.LessThanOrEqual(decimal.Zero)
}

func fifoLess(a, b BatchCache) bool {
	if a.ExpiryDate == nil && b.ExpiryDate != nil {
		return false
	}
	if a.ExpiryDate != nil && b.ExpiryDate == nil {
		return true
	}
	if a.ExpiryDate != nil && b.ExpiryDate != nil && !a.ExpiryDate.Equal(*b.ExpiryDate) {
		return a.ExpiryDate.Before(*b.ExpiryDate)
	}
	if !a.ReceivedDate.Equal(b.ReceivedDate) {
		return a.ReceivedDate.Before(b.ReceivedDate)
	}
	return a.BatchNumber < b.BatchNumber
}
