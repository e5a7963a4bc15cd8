package keyfold

import (
	"fmt"
	"sync"
)

// defaultTicketCount bounds concurrently open transactional operations on each
// side, to prevent thousands of threads from blocking the entire store.
const defaultTicketCount = 128

// TicketHolder is a counting gate: Acquire blocks while all tickets are out.
type TicketHolder struct {
	mu    sync.Mutex
	cond  *sync.Cond
	total int
	used  int
}

func NewTicketHolder(total int) *TicketHolder {
	if total <= 0 {
		total = defaultTicketCount
	}
	h := &TicketHolder{total: total}
	h.cond = sync.NewCond(&h.mu)
	return h
}

// Acquire takes a ticket, blocking until one is available.
func (h *TicketHolder) Acquire() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for h.used >= h.total {
		h.cond.Wait()
	}
	h.used++
}

// TryAcquire takes a ticket without blocking.
func (h *TicketHolder) TryAcquire() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.used >= h.total {
		return false
	}
	h.used++
	return true
}

func (h *TicketHolder) Release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.used <= 0 {
		panic("ticket released without acquire")
	}
	h.used--
	h.cond.Broadcast()
}

// Resize changes the total ticket count. Shrinking below the number of
// tickets currently out does not revoke them; holders drain naturally.
func (h *TicketHolder) Resize(total int) error {
	if total <= 0 {
		return fmt.Errorf("ticket count has to be > 0, got %d", total)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.total = total
	h.cond.Broadcast()
	return nil
}

func (h *TicketHolder) Used() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.used
}

func (h *TicketHolder) Available() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.used >= h.total {
		return 0
	}
	return h.total - h.used
}

func (h *TicketHolder) Total() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.total
}
