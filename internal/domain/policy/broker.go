package policy

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultMaxPending bounds how many approvals may wait at once.
const DefaultMaxPending = 100

// PendingApproval is a confirm-level tool call waiting on a human decision.
type PendingApproval struct {
	ID        string                 `json:"id"`
	Tool      string                 `json:"tool"`
	Args      map[string]interface{} `json:"args,omitempty"`
	CreatedAt time.Time              `json:"createdAt"`
	result    chan bool
}

// Broker turns the Engine's Approver callback into an operator-facing queue:
// each confirm-level call parks as a PendingApproval until someone calls
// Approve or Deny, or the engine's timeout cancels the wait. Capacity is
// bounded; at the limit the oldest entry is evicted as a denial.
type Broker struct {
	mu      sync.Mutex
	pending map[string]*PendingApproval
	order   []string
	maxSize int
}

// NewBroker creates a Broker with the given capacity.
func NewBroker(maxSize int) *Broker {
	if maxSize <= 0 {
		maxSize = DefaultMaxPending
	}
	return &Broker{
		pending: make(map[string]*PendingApproval),
		order:   make([]string, 0, maxSize),
		maxSize: maxSize,
	}
}

// Approver returns the callback to register on the Engine.
func (b *Broker) Approver() Approver {
	return func(ctx context.Context, tool string, args map[string]interface{}) (bool, error) {
		p := &PendingApproval{
			ID:        uuid.New().String(),
			Tool:      tool,
			Args:      args,
			CreatedAt: time.Now().UTC(),
			result:    make(chan bool, 1),
		}
		b.add(p)
		defer b.remove(p.ID)

		select {
		case approved := <-p.result:
			return approved, nil
		case <-ctx.Done():
			return false, nil
		}
	}
}

// Pending lists the approvals currently waiting, oldest first.
func (b *Broker) Pending() []*PendingApproval {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*PendingApproval, 0, len(b.order))
	for _, id := range b.order {
		if p, ok := b.pending[id]; ok {
			out = append(out, p)
		}
	}
	return out
}

// Approve resolves a pending approval as permitted.
func (b *Broker) Approve(id string) error {
	return b.resolve(id, true)
}

// Deny resolves a pending approval as refused.
func (b *Broker) Deny(id string) error {
	return b.resolve(id, false)
}

func (b *Broker) resolve(id string, approved bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.pending[id]
	if !ok {
		return fmt.Errorf("policy: approval %s not found", id)
	}
	select {
	case p.result <- approved:
	default:
	}
	b.removeLocked(id)
	return nil
}

func (b *Broker) add(p *PendingApproval) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.order) >= b.maxSize {
		oldID := b.order[0]
		if old, ok := b.pending[oldID]; ok {
			select {
			case old.result <- false:
			default:
			}
		}
		b.removeLocked(oldID)
	}
	b.pending[p.ID] = p
	b.order = append(b.order, p.ID)
}

func (b *Broker) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(id)
}

func (b *Broker) removeLocked(id string) {
	delete(b.pending, id)
	for i, oid := range b.order {
		if oid == id {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}
