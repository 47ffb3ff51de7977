package process

import "sort"

// Schedule implements the priority + round-robin scheduling algorithm from
// spec.md §4.C. It both advances the currently-running process's quantum
// bookkeeping and, when needed, picks the next process to run. It returns
// (0, false) when no process is eligible to run.
func (m *Manager) Schedule() (ID, bool) {
	if m.running != 0 {
		p, ok := m.table[m.running]
		if ok && p.State == Running {
			p.CyclesInQuantum++
			p.CyclesUsedTotal++

			if p.CyclesInQuantum < p.Quantum {
				return m.running, true
			}

			// Quantum exhausted: rotate back to Ready and fall through
			// to pick a (possibly different) process.
			p.State = Ready
			p.CyclesInQuantum = 0
		}
		m.running = 0
	}

	pid, ok := m.pickNext()
	if !ok {
		return 0, false
	}

	p := m.table[pid]
	p.State = Running
	p.LastRunAt = m.clock.Now()
	p.CyclesInQuantum = 0
	m.running = pid

	return pid, true
}

func (m *Manager) pickNext() (ID, bool) {
	ready := make([]ID, 0, len(m.order))
	for _, id := range m.order {
		if p := m.table[id]; p.State == Ready {
			ready = append(ready, id)
		}
	}
	if len(ready) == 0 {
		return 0, false
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i] < ready[j] })

	if !m.roundRobin {
		best := ready[0]
		bestPriority := m.table[best].Priority
		for _, id := range ready[1:] {
			if pr := m.table[id].Priority; pr > bestPriority {
				best, bestPriority = id, pr
			}
		}
		return best, true
	}

	// Group by priority; operate on the highest-priority group only.
	topPriority := m.table[ready[0]].Priority
	for _, id := range ready[1:] {
		if pr := m.table[id].Priority; pr > topPriority {
			topPriority = pr
		}
	}

	group := make([]ID, 0, len(ready))
	for _, id := range ready {
		if m.table[id].Priority == topPriority {
			group = append(group, id)
		}
	}

	if len(group) == 1 {
		return group[0], true
	}

	last, hadLast := m.lastByPriority[topPriority]
	var chosen ID
	if !hadLast {
		chosen = group[0]
	} else {
		idx := -1
		for i, id := range group {
			if id == last {
				idx = i
				break
			}
		}
		if idx == -1 {
			chosen = group[0]
		} else {
			chosen = group[(idx+1)%len(group)]
		}
	}

	m.lastByPriority[topPriority] = chosen
	return chosen, true
}
