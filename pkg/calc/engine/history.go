package engine

import "time"

const defaultHistoryLimit = 10

// historyLog keeps the most recent calculations, newest first. Owned by the
// controller loop; snapshots are copies.
type historyLog struct {
	entries []HistoryEntry
	limit   int
}

func newHistoryLog(limit int) *historyLog {
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	return &historyLog{
		entries: make([]HistoryEntry, 0, limit),
		limit:   limit,
	}
}

// push inserts at the head and evicts past the bound.
func (h *historyLog) push(expression, result string, at time.Time) {
	h.entries = append([]HistoryEntry{{Expression: expression, Result: result, At: at}}, h.entries...)
	if len(h.entries) > h.limit {
		h.entries = h.entries[:h.limit]
	}
}

func (h *historyLog) clear() {
	h.entries = h.entries[:0]
}

func (h *historyLog) snapshot() []HistoryEntry {
	out := make([]HistoryEntry, len(h.entries))
	copy(out, h.entries)
	return out
}
