// internal/chaos/target.go
package chaos

import (
	"context"
	"errors"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"

	"tollgate/internal/clients"
	"tollgate/internal/events"
	"tollgate/internal/membership"
	"tollgate/internal/store/memory"
	"tollgate/internal/tariff"
	"tollgate/internal/token"
)

// ErrInjected is the failure returned by an armed fault.
var ErrInjected = errors.New("injected storage failure")

// FaultSwitch arms and disarms store operations at runtime.
type FaultSwitch struct {
	mu    sync.Mutex
	armed map[string]error
}

func NewFaultSwitch() *FaultSwitch {
	return &FaultSwitch{armed: make(map[string]error)}
}

func (f *FaultSwitch) Arm(op string, err error) {
	f.mu.Lock()
	f.armed[op] = err
	f.mu.Unlock()
}

func (f *FaultSwitch) Disarm(op string) {
	f.mu.Lock()
	delete(f.armed, op)
	f.mu.Unlock()
}

// Check satisfies memory.Fault.
func (f *FaultSwitch) Check(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.armed[op]
}

// Target is an isolated in-memory ledger experiments run against.
type Target struct {
	Store       *memory.Store
	Faults      *FaultSwitch
	Tariffs     tariff.Service
	Tokens      token.Service
	Memberships membership.Service
}

const (
	targetResource = "chaos-resource"
	targetAdmin    = "chaos-admin"
)

// NewTarget wires the three ledgers over a fault-injectable memory store.
func NewTarget(emitter events.Emitter, clock clockwork.Clock) *Target {
	faults := NewFaultSwitch()
	store := memory.NewStore(memory.WithFaults(faults.Check))
	dir := clients.NewStaticDirectory(false)
	dir.AddResource(targetResource, targetAdmin)
	return &Target{
		Store:       store,
		Faults:      faults,
		Tariffs:     tariff.NewService(store, dir, clock),
		Tokens:      token.NewService(store, store, dir, emitter, clock),
		Memberships: membership.NewService(store, emitter, clock),
	}
}

// IssueToken creates a fresh tariff and issues a token against it.
func (t *Target) IssueToken(ctx context.Context, durationDays, maxUses int) (*token.Issued, error) {
	tr, err := t.Tariffs.Create(ctx, targetResource, "chaos", decimal.NewFromInt(1), durationDays, 7)
	if err != nil {
		return nil, err
	}
	return t.Tokens.Issue(ctx, tr.ID, targetAdmin, maxUses)
}
