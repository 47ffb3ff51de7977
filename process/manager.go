package process

import (
	"fmt"
	"time"
)

// Clock abstracts wall-time, so the scheduler's last-run/created-at
// timestamps are reproducible under test. Grounded on spec.md's Design
// Notes ("abstract Date.now() behind a Clock capability"); no teacher file
// does this (gintendo calls time.Now()/time.NewTicker directly), so this is
// an original-source-informed addition expressed as a one-method interface
// in the teacher's plain-struct idiom.
type Clock interface {
	Now() time.Time
}

// RealClock is the production Clock, a thin wrapper over time.Now().
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// DefaultMaxProcesses is the process cap applied when CreateOptions doesn't
// come via a Manager configured otherwise.
const DefaultMaxProcesses = 32

// Manager owns the process table and the scheduler's running slot.
type Manager struct {
	clock         Clock
	maxProcesses  int
	roundRobin    bool
	nextID        ID
	table         map[ID]*Process
	order         []ID // insertion order, for deterministic iteration
	running       ID   // 0 == none
	lastByPriority map[int]ID
}

// NewManager creates a Manager. maxProcesses <= 0 means DefaultMaxProcesses.
func NewManager(clock Clock, maxProcesses int, roundRobin bool) *Manager {
	if clock == nil {
		clock = RealClock{}
	}
	if maxProcesses <= 0 {
		maxProcesses = DefaultMaxProcesses
	}
	return &Manager{
		clock:          clock,
		maxProcesses:   maxProcesses,
		roundRobin:     roundRobin,
		nextID:         1,
		table:          make(map[ID]*Process),
		lastByPriority: make(map[int]ID),
	}
}

// Create allocates a new process. Returns an error if the process cap is
// reached.
func (m *Manager) Create(opts CreateOptions) (*Process, error) {
	if len(m.table) >= m.maxProcesses {
		return nil, fmt.Errorf("process: cap of %d processes reached", m.maxProcesses)
	}

	quantum := opts.Quantum
	if quantum <= 0 {
		quantum = 1
	}

	p := &Process{
		ID:            m.nextID,
		Name:          opts.Name,
		Owner:         opts.Owner,
		Priority:      opts.Priority,
		Quantum:       quantum,
		CreatedAt:     m.clock.Now(),
		State:         Ready,
		OwnedSegments: opts.Segments,
		entryPC:       opts.EntryPC,
		stackTop:      opts.StackTop,
	}
	p.resetRegisters()

	for _, s := range opts.Segments {
		p.MemoryFootprintBytes += s.Size
	}

	m.nextID++
	m.table[p.ID] = p
	m.order = append(m.order, p.ID)

	return p, nil
}

// Get returns the process with the given id, or false if it doesn't exist.
func (m *Manager) Get(id ID) (*Process, bool) {
	p, ok := m.table[id]
	return p, ok
}

// Count returns the number of processes in the table (including
// Terminated ones, which are never removed).
func (m *Manager) Count() int {
	return len(m.table)
}

// Active returns the number of processes whose state isn't Terminated.
func (m *Manager) Active() int {
	n := 0
	for _, p := range m.table {
		if p.State != Terminated {
			n++
		}
	}
	return n
}

// Reset returns a process to Ready, zero-filling registers (except pc,
// reset to the entry point) and clearing quantum/cycle counters.
func (m *Manager) Reset(id ID) error {
	p, ok := m.table[id]
	if !ok {
		return fmt.Errorf("process: no such process %d", id)
	}

	p.Registers = Registers{PC: p.entryPC}
	p.CyclesInQuantum = 0
	p.CyclesUsedTotal = 0
	p.Score = 0
	p.State = Ready
	if m.running == id {
		m.running = 0
	}
	return nil
}

// Terminate idempotently transitions a process to Terminated, stamping
// LastRunAt and clearing owned segments and its memory footprint. It never
// mutates arena cells — dead bots leave corpses there.
func (m *Manager) Terminate(id ID, reason string) error {
	p, ok := m.table[id]
	if !ok {
		return fmt.Errorf("process: no such process %d", id)
	}
	if p.State == Terminated {
		return nil
	}

	p.State = Terminated
	p.LastRunAt = m.clock.Now()
	p.OwnedSegments = nil
	p.MemoryFootprintBytes = 0

	if m.running == id {
		m.running = 0
	}

	return nil
}

// GetRunning returns the currently-running process, if any.
func (m *Manager) GetRunning() (*Process, bool) {
	if m.running == 0 {
		return nil, false
	}
	return m.Get(m.running)
}

// Stats aggregates process-table counters for diagnostics.
type Stats struct {
	ByState      map[State]int
	TotalCycles  uint64
	AvgWaitNanos float64
}

func (m *Manager) Stats() Stats {
	s := Stats{ByState: make(map[State]int)}
	var waitSum float64
	var waitCount int
	now := m.clock.Now()

	for _, id := range m.order {
		p := m.table[id]
		s.ByState[p.State]++
		s.TotalCycles += p.CyclesUsedTotal
		if p.State == Ready {
			waitSum += float64(now.Sub(p.CreatedAt).Nanoseconds())
			waitCount++
		}
	}
	if waitCount > 0 {
		s.AvgWaitNanos = waitSum / float64(waitCount)
	}
	return s
}
