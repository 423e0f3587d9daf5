package download

import (
	"fmt"
	"sort"
	"sync"

	"github.com/rs/zerolog/log"
)

// stackEntry tracks one named group of downloads. members keeps the
// original order for the stack-finished notification; outstanding is
// the set still waiting on a terminal state.
type stackEntry struct {
	members     []*Download
	outstanding map[*Download]struct{}
	delegate    Delegate
}

// Manager is the registry and dispatcher for grouped downloads. It maps
// stack ids to their outstanding members and is the sole source of
// truth for which stacks are still running. A zero registry entry never
// exists: a registered stack always has outstanding members, and the
// entry is removed in the same critical section that drains it.
type Manager struct {
	mu     sync.Mutex
	stacks map[string]*stackEntry
}

func NewManager() *Manager {
	return &Manager{stacks: make(map[string]*stackEntry)}
}

var (
	sharedOnce sync.Once
	sharedMgr  *Manager
)

// Shared returns the process-wide manager, created on first use. Tests
// and library callers that want scoped lifetimes should use NewManager.
func Shared() *Manager {
	sharedOnce.Do(func() {
		sharedMgr = NewManager()
	})
	return sharedMgr
}

// Perform starts a single standalone download. It is equivalent to
// calling d.Start directly; no stack accounting takes place.
func (m *Manager) Perform(d *Download, delegate Delegate) error {
	return d.Start(delegate)
}

// PerformStack starts every download in the slice concurrently as one
// named stack. The delegate's OnStackFinished fires exactly once, with
// the full original slice, after every member resolves — by success,
// failure, or individual cancellation alike. Reusing an id that still
// has outstanding members is rejected with ErrStackActive.
func (m *Manager) PerformStack(downloads []*Download, delegate Delegate, stackID string) error {
	if stackID == "" {
		return ErrEmptyStackID
	}
	if len(downloads) == 0 {
		return ErrEmptyStack
	}
	for _, d := range downloads {
		if err := d.startable(); err != nil {
			return fmt.Errorf("download %s: %w", d.ID(), err)
		}
	}

	entry := &stackEntry{
		members:     append([]*Download(nil), downloads...),
		outstanding: make(map[*Download]struct{}, len(downloads)),
		delegate:    delegate,
	}
	for _, d := range downloads {
		entry.outstanding[d] = struct{}{}
	}

	m.mu.Lock()
	if _, exists := m.stacks[stackID]; exists {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrStackActive, stackID)
	}
	m.stacks[stackID] = entry
	m.mu.Unlock()
	log.Debug().Str("op", "download/manager").Str("stack", stackID).Msgf("Performing stack with %d downloads", len(downloads))

	for _, d := range downloads {
		d.joinStack(m, stackID)
		if err := d.Start(delegate); err != nil {
			// Validated above, so this only happens when the caller
			// raced a manual Start. Settle the member so the stack
			// count cannot hang.
			log.Error().Str("op", "download/manager").Str("stack", stackID).Err(err).Msgf("Could not start download %s", d.ID())
			m.resolve(d, stackID, false)
		}
	}
	return nil
}

// CancelStack cancels every outstanding download in the stack. Unknown
// ids are a no-op. Draining a stack this way deliberately suppresses
// the stack-finished notification: cancelling a stack never reports it
// as finished.
func (m *Manager) CancelStack(stackID string) {
	m.mu.Lock()
	entry, ok := m.stacks[stackID]
	if !ok {
		m.mu.Unlock()
		return
	}
	outstanding := make([]*Download, 0, len(entry.outstanding))
	for d := range entry.outstanding {
		outstanding = append(outstanding, d)
	}
	m.mu.Unlock()
	log.Debug().Str("op", "download/manager").Str("stack", stackID).Msgf("Cancelling %d outstanding downloads", len(outstanding))

	for _, d := range outstanding {
		d.cancelWith(true)
	}
}

// ActiveStacks lists the ids of stacks with outstanding downloads.
func (m *Manager) ActiveStacks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.stacks))
	for id := range m.stacks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// OutstandingIn reports how many downloads in the stack are still
// waiting on a terminal state. Unknown ids report zero.
func (m *Manager) OutstandingIn(stackID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry, ok := m.stacks[stackID]
	if !ok {
		return 0
	}
	return len(entry.outstanding)
}

// resolve is the single decrement-and-maybe-finalize primitive. Every
// terminal path of a stacked download funnels through it exactly once:
// natural completion and individual cancel with suppress=false, bulk
// cancel with suppress=true. The decrement and the zero check share one
// critical section so two members can never both observe themselves as
// the last one.
func (m *Manager) resolve(d *Download, stackID string, suppress bool) {
	m.mu.Lock()
	entry, ok := m.stacks[stackID]
	if !ok {
		m.mu.Unlock()
		return
	}
	if _, member := entry.outstanding[d]; !member {
		m.mu.Unlock()
		return
	}
	delete(entry.outstanding, d)
	if len(entry.outstanding) > 0 {
		m.mu.Unlock()
		return
	}
	delete(m.stacks, stackID)
	delegate := entry.delegate
	members := entry.members
	m.mu.Unlock()

	if suppress {
		log.Debug().Str("op", "download/manager").Str("stack", stackID).Msg("Stack drained by bulk cancel, notification suppressed")
		return
	}
	log.Debug().Str("op", "download/manager").Str("stack", stackID).Msgf("Stack finished with %d downloads", len(members))
	if delegate != nil {
		delegate.OnStackFinished(m, members)
	}
}
