package process

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) Now() time.Time { return f.t }

func newManager(t *testing.T, roundRobin bool) (*Manager, *fakeClock) {
	t.Helper()
	fc := &fakeClock{t: time.Unix(0, 0)}
	return NewManager(fc, 0, roundRobin), fc
}

func TestRoundRobinAlternatesEqualPriority(t *testing.T) {
	m, _ := newManager(t, true)
	a, err := m.Create(CreateOptions{Priority: 1, Quantum: 1})
	require.NoError(t, err)
	b, err := m.Create(CreateOptions{Priority: 1, Quantum: 1})
	require.NoError(t, err)

	seenA, seenB := false, false
	// P3: within 2*quantum+2 schedule calls both must run at least once.
	for i := 0; i < 2*1+2; i++ {
		pid, ok := m.Schedule()
		require.True(t, ok)
		if pid == a.ID {
			seenA = true
		}
		if pid == b.ID {
			seenB = true
		}
	}
	require.True(t, seenA)
	require.True(t, seenB)
}

func TestHighestPriorityWinsWithoutRoundRobin(t *testing.T) {
	m, _ := newManager(t, false)
	low, _ := m.Create(CreateOptions{Priority: 1, Quantum: 5})
	high, _ := m.Create(CreateOptions{Priority: 9, Quantum: 5})
	_ = low

	pid, ok := m.Schedule()
	require.True(t, ok)
	require.Equal(t, high.ID, pid)
}

func TestQuantumRotation(t *testing.T) {
	m, _ := newManager(t, true)
	a, _ := m.Create(CreateOptions{Priority: 1, Quantum: 2})
	b, _ := m.Create(CreateOptions{Priority: 1, Quantum: 2})

	pid1, _ := m.Schedule()
	pid2, _ := m.Schedule() // still pid1: quantum not exhausted yet
	require.Equal(t, pid1, pid2)

	pid3, _ := m.Schedule() // quantum exhausted, rotates
	require.NotEqual(t, pid1, pid3)

	if pid1 == a.ID {
		require.Equal(t, b.ID, pid3)
	} else {
		require.Equal(t, a.ID, pid3)
	}
}

func TestTerminatedIsAbsorbing(t *testing.T) {
	m, _ := newManager(t, false)
	p, _ := m.Create(CreateOptions{Priority: 1, Quantum: 1})

	require.NoError(t, m.Terminate(p.ID, "halt"))
	require.Equal(t, Terminated, p.State)

	require.NoError(t, m.Terminate(p.ID, "halt again")) // idempotent
	require.Equal(t, Terminated, p.State)

	_, ok := m.Schedule()
	require.False(t, ok) // P4: no Ready process left to schedule
}

func TestProcessCapEnforced(t *testing.T) {
	m, _ := newManager(t, false)
	m.maxProcesses = 2

	_, err := m.Create(CreateOptions{})
	require.NoError(t, err)
	_, err = m.Create(CreateOptions{})
	require.NoError(t, err)
	_, err = m.Create(CreateOptions{})
	require.Error(t, err)
}

func TestResetClearsCountersButKeepsID(t *testing.T) {
	m, _ := newManager(t, false)
	p, _ := m.Create(CreateOptions{EntryPC: 0x40, Quantum: 3})
	p.CyclesInQuantum = 2
	p.CyclesUsedTotal = 100
	p.Registers.R0 = 42

	require.NoError(t, m.Reset(p.ID))
	require.Equal(t, Ready, p.State)
	require.Equal(t, 0, p.CyclesInQuantum)
	require.EqualValues(t, 0, p.CyclesUsedTotal)
	require.Equal(t, uint16(0x40), p.Registers.PC)
	require.EqualValues(t, 0, p.Registers.R0)
}
