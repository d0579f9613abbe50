// Package dispatch coordinates message processing across many application
// databases: store providers (static or discovery-refreshed), selection
// strategies, per-store leased iteration and the write-path router.
package dispatch

// SelectionStrategy picks the store an iteration should process.
// Implementations receive the current store ids, the store processed last
// iteration, and how many rows that iteration handled.
type SelectionStrategy interface {
	Next(storeIDs []string, last string, lastProcessed int) string
}

// RoundRobin cycles through stores, one batch per store per cycle.
type RoundRobin struct{}

func (RoundRobin) Next(storeIDs []string, last string, _ int) string {
	if len(storeIDs) == 0 {
		return ""
	}
	for i, id := range storeIDs {
		if id == last {
			return storeIDs[(i+1)%len(storeIDs)]
		}
	}
	// Last store vanished, or first call. Start from the top.
	return storeIDs[0]
}

// DrainFirst stays on the previous store until it returns an empty batch,
// then advances like RoundRobin. Lower latency for a busy store, at the
// price of fairness.
type DrainFirst struct{}

func (DrainFirst) Next(storeIDs []string, last string, lastProcessed int) string {
	if len(storeIDs) == 0 {
		return ""
	}
	if lastProcessed > 0 {
		for _, id := range storeIDs {
			if id == last {
				return id
			}
		}
	}
	return RoundRobin{}.Next(storeIDs, last, lastProcessed)
}
