package hub

import (
	"sort"
	"sync"
)

// RequestReply is the result code of a RequestName call.
type RequestReply uint32

// RequestName result codes.
const (
	RequestReplyPrimaryOwner RequestReply = iota + 1
	RequestReplyInQueue
	RequestReplyExists
	RequestReplyAlreadyOwner
)

// ReleaseReply is the result code of a ReleaseName call.
type ReleaseReply uint32

// ReleaseName result codes.
const (
	ReleaseReplyReleased ReleaseReply = iota + 1
	ReleaseReplyNonExistent
	ReleaseReplyNotOwner
)

// RequestFlags influence queueing and preemption when a name is requested.
type RequestFlags uint32

// RequestName flags.
const (
	FlagAllowReplacement RequestFlags = 1 << iota
	FlagReplaceExisting
	FlagDoNotQueue
)

// ownerChange describes one ownership transition of a single name. Empty
// strings stand for "no owner".
type ownerChange struct {
	Name string
	Old  string
	New  string
}

type nameClaim struct {
	owner string
	flags RequestFlags
}

// Invariant: a name entry exists only while it has an owner, so an unowned
// name never has waiters.
type nameEntry struct {
	owner nameClaim
	queue []nameClaim
}

func (e *nameEntry) queued(conn string) int {
	for i, c := range e.queue {
		if c.owner == conn {
			return i
		}
	}
	return -1
}

func (e *nameEntry) dequeue(i int) {
	e.queue = append(e.queue[:i], e.queue[i+1:]...)
}

// nameRegistry is the process-wide name ownership table. Every method is a
// single atomic compound operation; callers never observe a half-updated
// entry. Ownership transitions are reported back as changes so the router can
// synthesize the matching signals.
type nameRegistry struct {
	mu     sync.Mutex
	names  map[string]*nameEntry
	unique map[string]struct{}
}

func newNameRegistry() *nameRegistry {
	return &nameRegistry{
		names:  map[string]*nameEntry{},
		unique: map[string]struct{}{},
	}
}

// AddUnique registers a connection's unique name. A unique name is
// permanently owned by its connection and cannot be requested or released.
func (r *nameRegistry) AddUnique(conn string) []ownerChange {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.unique[conn] = struct{}{}
	return []ownerChange{{Name: conn, New: conn}}
}

// Request implements the ownership state machine for one RequestName call.
func (r *nameRegistry) Request(conn, name string, flags RequestFlags) (RequestReply, []ownerChange) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.names[name]
	if !exists {
		r.names[name] = &nameEntry{owner: nameClaim{owner: conn, flags: flags}}
		return RequestReplyPrimaryOwner, []ownerChange{{Name: name, New: conn}}
	}

	if e.owner.owner == conn {
		e.owner.flags = flags
		return RequestReplyAlreadyOwner, nil
	}

	if flags&FlagReplaceExisting != 0 && e.owner.flags&FlagAllowReplacement != 0 {
		old := e.owner
		e.owner = nameClaim{owner: conn, flags: flags}
		if i := e.queued(conn); i >= 0 {
			e.dequeue(i)
		}
		if old.flags&FlagDoNotQueue == 0 {
			e.queue = append([]nameClaim{old}, e.queue...)
		}
		return RequestReplyPrimaryOwner, []ownerChange{{Name: name, Old: old.owner, New: conn}}
	}

	if flags&FlagDoNotQueue != 0 {
		// A queued claimant asking again with DoNotQueue withdraws its claim.
		if i := e.queued(conn); i >= 0 {
			e.dequeue(i)
		}
		return RequestReplyExists, nil
	}

	if i := e.queued(conn); i >= 0 {
		e.queue[i].flags = flags
	} else {
		e.queue = append(e.queue, nameClaim{owner: conn, flags: flags})
	}
	return RequestReplyInQueue, nil
}

// Release implements one ReleaseName call.
func (r *nameRegistry) Release(conn, name string) (ReleaseReply, []ownerChange) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.names[name]
	if !exists {
		return ReleaseReplyNonExistent, nil
	}

	if e.owner.owner != conn {
		if i := e.queued(conn); i >= 0 {
			e.dequeue(i)
			return ReleaseReplyReleased, nil
		}
		return ReleaseReplyNotOwner, nil
	}

	return ReleaseReplyReleased, []ownerChange{r.promote(name, e)}
}

// promote hands the name to the longest-waiting claimant or drops the entry.
// Caller holds the lock.
func (r *nameRegistry) promote(name string, e *nameEntry) ownerChange {
	old := e.owner.owner
	if len(e.queue) == 0 {
		delete(r.names, name)
		return ownerChange{Name: name, Old: old}
	}
	e.owner = e.queue[0]
	e.queue = e.queue[1:]
	return ownerChange{Name: name, Old: old, New: e.owner.owner}
}

// ReleaseAll removes every claim the connection holds: its unique name, every
// name it owns (promoting waiters) and every queue membership. Performed as
// one atomic operation so no concurrent lookup observes a dead connection as
// an owner.
func (r *nameRegistry) ReleaseAll(conn string) []ownerChange {
	r.mu.Lock()
	defer r.mu.Unlock()

	var changes []ownerChange
	for name, e := range r.names {
		if e.owner.owner == conn {
			changes = append(changes, r.promote(name, e))
			continue
		}
		if i := e.queued(conn); i >= 0 {
			e.dequeue(i)
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Name < changes[j].Name })

	if _, exists := r.unique[conn]; exists {
		delete(r.unique, conn)
		changes = append(changes, ownerChange{Name: conn, Old: conn})
	}
	return changes
}

// Owner returns the current owner of a name, or "" if it has none. Unique
// names are owned by themselves while their connection lives.
func (r *nameRegistry) Owner(name string) string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(name) > 0 && name[0] == ':' {
		if _, exists := r.unique[name]; exists {
			return name
		}
		return ""
	}
	if e, exists := r.names[name]; exists {
		return e.owner.owner
	}
	return ""
}

// ListNames returns all names present on the bus: unique names and owned
// well-known names.
func (r *nameRegistry) ListNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	names := make([]string, 0, len(r.unique)+len(r.names))
	for name := range r.unique {
		names = append(names, name)
	}
	for name := range r.names {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// QueuedOwners returns the owner followed by the queued claimants of a name.
func (r *nameRegistry) QueuedOwners(name string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.names[name]
	if !exists {
		return nil
	}
	owners := make([]string, 0, len(e.queue)+1)
	owners = append(owners, e.owner.owner)
	for _, c := range e.queue {
		owners = append(owners, c.owner)
	}
	return owners
}
