package network

import (
	"sort"
	"sync"
)

// registration is one entry of the registry. The pointer doubles as the
// checkout token: a worker that checked an entry out gives the same pointer
// back, so a relocation by Relogin or a newer Register cannot make it
// restore or remove the wrong entry.
type registration struct {
	userID uint64
	h      *handle
	busy   bool
}

type checkoutStatus int

const (
	checkoutAbsent checkoutStatus = iota
	checkoutBusy
	checkoutOK
)

// registry maps user ids to live connection handles
type registry struct {
	mu   sync.Mutex
	regs map[uint64]*registration
}

func newRegistry() *registry {
	return &registry{
		regs: make(map[uint64]*registration),
	}
}

// register installs or overwrites the registration for userID
func (r *registry) register(userID uint64, h *handle) {
	r.mu.Lock()
	r.regs[userID] = &registration{userID: userID, h: h}
	r.mu.Unlock()
}

// relogin moves newID's registration, if any, into oldID's slot.
// Whatever oldID held before is dropped.
func (r *registry) relogin(oldID, newID uint64) bool {
	if oldID == newID {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.regs[newID]
	if !ok {
		return false
	}
	delete(r.regs, newID)
	reg.userID = oldID
	r.regs[oldID] = reg
	return true
}

// checkout takes exclusive use of userID's handle
func (r *registry) checkout(userID uint64) (*registration, checkoutStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.regs[userID]
	if !ok {
		return nil, checkoutAbsent
	}
	if reg.busy {
		return nil, checkoutBusy
	}
	reg.busy = true
	return reg, checkoutOK
}

// checkin returns a checked-out handle
func (r *registry) checkin(reg *registration) {
	r.mu.Lock()
	reg.busy = false
	r.mu.Unlock()
}

// remove deletes reg wherever it currently lives. A newer registration for
// the same id is left alone.
func (r *registry) remove(reg *registration) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.regs[reg.userID]; ok && cur == reg {
		delete(r.regs, reg.userID)
		return true
	}
	return false
}

func (r *registry) has(userID uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.regs[userID]
	return ok
}

func (r *registry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.regs)
}

// users returns the registered ids in ascending order
func (r *registry) users() []uint64 {
	r.mu.Lock()
	ids := make([]uint64, 0, len(r.regs))
	for id := range r.regs {
		ids = append(ids, id)
	}
	r.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}
