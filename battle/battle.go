// Package battle owns the turn loop: loading bots into the arena, driving
// the scheduler and interpreter one cycle at a time, detecting victory,
// and producing scored results.
//
// Grounded on gintendo/console/bus.go's Run(ctx) loop (the outer
// ticks-until-done driver interleaving cpu/ppu steps) generalized to
// interleave bots via the scheduler instead of a fixed 1:3 cpu:ppu ratio,
// and on console/machine.go's BIOS(ctx) menu, which this package's hook
// interface (OnBeforeExecution/OnAfterExecution) replaces per spec.md
// §9's re-architecture note about prototype monkey-patching.
package battle

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"time"

	"github.com/rs/zerolog"

	"github.com/corewars/battlecore/arena"
	"github.com/corewars/battlecore/asm"
	"github.com/corewars/battlecore/interp"
	"github.com/corewars/battlecore/process"
)

// Status is the battle's lifecycle state.
type Status int

const (
	Pending Status = iota
	Running
	Paused
	Completed
)

func (s Status) String() string {
	switch s {
	case Pending:
		return "pending"
	case Running:
		return "running"
	case Paused:
		return "paused"
	case Completed:
		return "completed"
	default:
		return "unknown"
	}
}

// Options configures a Controller, mirroring spec.md §6's Battle.new
// option set.
type Options struct {
	MemorySize          uint32
	MaxTurns            int
	MaxCyclesPerTurn    int
	MaxMemoryPerProcess uint32
	MaxLogEntries       int
	CycleLimit          int
	TimeLimit           time.Duration
	RoundRobin          bool
	CoreDump            bool
	MinCyclesPerProcess int
	PlacementSeed       int64
}

// LogEntry is one execution record: which process ran which instruction
// and when.
type LogEntry struct {
	WallTimestamp   time.Time  `json:"wall_timestamp"`
	ProcessID       process.ID `json:"process_id"`
	InstructionText string     `json:"instruction_text"`
	PCAtFetch       uint16     `json:"pc_at_fetch"`
}

// BotLoadResult reports the outcome of loading one bot's source.
type BotLoadResult struct {
	PID        process.ID
	Name       string
	EntryPoint int32
	MemoryUsed uint32
}

// Results summarizes a finished (or in-progress) battle.
type Results struct {
	Winner     process.ID
	HasWinner  bool
	Scores     map[process.ID]uint64
	DurationMs int64
	Turns      int
	CoreDumps  map[process.ID]map[string][]byte
}

// State is a read-only snapshot of the Controller's BattleState.
type State struct {
	Status     Status
	Turn       int
	MaxTurns   int
	ProcessIDs []process.ID
	Winner     process.ID
	HasWinner  bool
	StartTime  time.Time
	EndTime    time.Time
	Scores     map[process.ID]uint64
	Log        []LogEntry
}

// Controller drives a battle: bot loading, turn-by-turn execution, and
// victory detection.
type Controller struct {
	opts    Options
	arena   *arena.Arena
	manager *process.Manager
	interp  *interp.Interpreter
	clock   process.Clock
	log     zerolog.Logger
	rng     *rand.Rand

	status       Status
	turn         int
	totalCycles  int
	processIDs   []process.ID
	scores       map[process.ID]uint64
	winner       process.ID
	hasWinner    bool
	startTime    time.Time
	endTime      time.Time
	execLog      []LogEntry
	coreDumps    map[process.ID]map[string][]byte

	onBefore func(process.ID)
	onAfter  func(process.ID)
}

// NewController creates a Controller. A nil clock defaults to wall time.
func NewController(opts Options, clock process.Clock, log zerolog.Logger) *Controller {
	if opts.MemorySize == 0 {
		opts.MemorySize = 65536
	}
	if opts.MaxTurns <= 0 {
		opts.MaxTurns = 1000
	}
	if opts.MaxCyclesPerTurn <= 0 {
		opts.MaxCyclesPerTurn = 1000
	}
	if opts.MinCyclesPerProcess <= 0 {
		opts.MinCyclesPerProcess = 5
	}
	if opts.MaxLogEntries <= 0 {
		opts.MaxLogEntries = 1000
	}
	if clock == nil {
		clock = process.RealClock{}
	}

	a := arena.New(opts.MemorySize, opts.MaxLogEntries)
	m := process.NewManager(clock, 0, opts.RoundRobin)

	return &Controller{
		opts:    opts,
		arena:   a,
		manager: m,
		interp:  interp.New(a, m, log),
		clock:   clock,
		log:     log,
		rng:     rand.New(rand.NewSource(opts.PlacementSeed)),
		status:  Pending,
		scores:  map[process.ID]uint64{},
	}
}

// OnBeforeExecution registers a hook fired once per cycle with the pid that
// ran. It fires after the interpreter's Step has executed the cycle's
// instruction and before the cycle is logged and scored; it is not called
// ahead of the instruction itself. It replaces the interpreter
// monkey-patching spec.md §9 flags as a pattern to re-architect away from.
func (c *Controller) OnBeforeExecution(fn func(process.ID)) { c.onBefore = fn }

// OnAfterExecution registers the hook fired immediately after a cycle's
// instruction executes.
func (c *Controller) OnAfterExecution(fn func(process.ID)) { c.onAfter = fn }

// LoadBot assembles source, places it in the arena, and creates its
// process. It may only be called while the battle hasn't started.
func (c *Controller) LoadBot(source, owner string) (BotLoadResult, error) {
	if c.status != Pending {
		return BotLoadResult{}, fmt.Errorf("battle: cannot load a bot once the battle has started")
	}

	assembled := asm.Assemble(source)
	if len(assembled.Errors) > 0 {
		return BotLoadResult{}, fmt.Errorf("battle: bot failed to assemble: %w", assembled.Errors[0])
	}

	var used uint32
	for _, seg := range assembled.Segments {
		used += seg.Size
	}
	if c.opts.MaxMemoryPerProcess > 0 && used > c.opts.MaxMemoryPerProcess {
		return BotLoadResult{}, fmt.Errorf("battle: bot needs %d bytes, exceeding the %d-byte cap", used, c.opts.MaxMemoryPerProcess)
	}

	base := c.choosePlacement()
	assembled.Relocate(base)

	segs := make([]process.Segment, len(assembled.Segments))
	for i, seg := range assembled.Segments {
		segs[i] = process.Segment{Name: seg.Name, Start: seg.Start, Size: seg.Size}
	}

	p, err := c.manager.Create(process.CreateOptions{
		Name:     assembled.Meta.Name,
		Owner:    owner,
		Priority: 1,
		Quantum:  1,
		EntryPC:  uint16(assembled.EntryPoint),
		StackTop: uint16(c.arena.Size() - 1),
		Segments: segs,
	})
	if err != nil {
		return BotLoadResult{}, err
	}

	for _, seg := range assembled.Segments {
		c.arena.LoadSegment(seg.Start, seg.Data, arena.ProcessID(p.ID))
	}

	c.addToRoster(p.ID)

	return BotLoadResult{
		PID:        p.ID,
		Name:       assembled.Meta.Name,
		EntryPoint: assembled.EntryPoint,
		MemoryUsed: used,
	}, nil
}

// choosePlacement picks a deterministic pseudo-random base address within
// the first 80% of the arena, seeded by Options.PlacementSeed so battles
// replay identically given the same sources, seed and option set.
func (c *Controller) choosePlacement() uint32 {
	limit := uint32(float64(c.arena.Size()) * 0.8)
	if limit == 0 {
		return 0
	}
	return uint32(c.rng.Int63n(int64(limit)))
}

// AddProcess folds an already-created process (e.g. one assembled and
// created outside LoadBot) into the battle roster.
func (c *Controller) AddProcess(pid process.ID) error {
	if c.status != Pending {
		return fmt.Errorf("battle: cannot add a process once the battle has started")
	}
	if _, ok := c.manager.Get(pid); !ok {
		return fmt.Errorf("battle: no such process %d", pid)
	}
	c.addToRoster(pid)
	return nil
}

func (c *Controller) addToRoster(pid process.ID) {
	c.processIDs = append(c.processIDs, pid)
	if c.scores == nil {
		c.scores = map[process.ID]uint64{}
	}
	c.scores[pid] = 0
}

// Start transitions the battle to Running. It requires at least one
// registered process (spec.md B5).
func (c *Controller) Start() error {
	if c.status != Pending && c.status != Paused {
		return fmt.Errorf("battle: cannot start from status %s", c.status)
	}
	if len(c.processIDs) == 0 {
		return fmt.Errorf("battle: cannot start with zero processes")
	}
	if c.startTime.IsZero() {
		c.startTime = c.clock.Now()
	}
	c.status = Running
	return nil
}

// Pause suspends a running battle; NextTurn becomes a no-op until Start
// resumes it.
func (c *Controller) Pause() error {
	if c.status != Running {
		return fmt.Errorf("battle: cannot pause from status %s", c.status)
	}
	c.status = Paused
	return nil
}

// Reset returns every roster process to Ready and zeroes turn/score
// bookkeeping. It does not reload bot memory — self-modified or
// combat-damaged arena bytes stay as they are.
func (c *Controller) Reset() error {
	for _, pid := range c.processIDs {
		if err := c.manager.Reset(pid); err != nil {
			return err
		}
		c.scores[pid] = 0
	}
	c.turn = 0
	c.totalCycles = 0
	c.status = Pending
	c.hasWinner = false
	c.winner = 0
	c.execLog = nil
	c.coreDumps = nil
	c.startTime = time.Time{}
	c.endTime = time.Time{}
	return nil
}

// NextTurn runs one turn: a bounded burst of interpreter cycles
// distributed across Ready processes by the scheduler, per spec.md
// §4.E's six-step algorithm. It returns false once the battle concludes.
func (c *Controller) NextTurn() bool {
	if c.status == Paused {
		return false
	}
	if c.status != Running || c.turn >= c.opts.MaxTurns {
		c.conclude(false)
		return false
	}
	if c.opts.TimeLimit > 0 && !c.startTime.IsZero() && c.clock.Now().Sub(c.startTime) >= c.opts.TimeLimit {
		c.conclude(true)
		return false
	}
	if c.opts.CycleLimit > 0 && c.totalCycles >= c.opts.CycleLimit {
		c.conclude(true)
		return false
	}

	active := c.activeProcessIDs()
	if len(active) == 0 {
		c.conclude(false)
		return false
	}

	cyclesThisTurn := 0
	ran := map[process.ID]bool{}

	for {
		r := c.interp.Step()
		if r.Idle {
			break
		}

		if c.onBefore != nil {
			c.onBefore(r.PID)
		}

		c.execLog = c.appendLog(LogEntry{
			WallTimestamp:   c.clock.Now(),
			ProcessID:       r.PID,
			InstructionText: r.InstructionText,
			PCAtFetch:       r.PCAtFetch,
		})
		c.scores[r.PID]++
		if rp, ok := c.manager.Get(r.PID); ok {
			rp.Score = c.scores[r.PID]
		}
		ran[r.PID] = true

		if c.onAfter != nil {
			c.onAfter(r.PID)
		}

		if r.Spawn != nil {
			c.addToRoster(r.Spawn.Child.ID)
		}

		cyclesThisTurn++
		c.totalCycles++

		if r.Terminated && c.checkVictory() {
			break
		}
		if cyclesThisTurn >= c.opts.MaxCyclesPerTurn {
			break
		}
		if cyclesThisTurn >= len(active)*c.opts.MinCyclesPerProcess && allRan(ran, active) {
			break
		}
	}

	c.turn++
	if c.checkVictory() {
		c.conclude(false)
		return false
	}
	return true
}

func (c *Controller) appendLog(e LogEntry) []LogEntry {
	log := append(c.execLog, e)
	if c.opts.MaxLogEntries > 0 && len(log) > c.opts.MaxLogEntries {
		log = log[len(log)-c.opts.MaxLogEntries:]
	}
	return log
}

func allRan(ran map[process.ID]bool, ids []process.ID) bool {
	for _, id := range ids {
		if !ran[id] {
			return false
		}
	}
	return true
}

func (c *Controller) activeProcessIDs() []process.ID {
	out := make([]process.ID, 0, len(c.processIDs))
	for _, pid := range c.processIDs {
		if p, ok := c.manager.Get(pid); ok && p.State != process.Terminated {
			out = append(out, pid)
		}
	}
	return out
}

// checkVictory evaluates spec.md §4.E's victory predicate and, if it
// holds, records the winner. It does not itself conclude the battle.
// A solo bot (no other process ever entered the roster, including via
// SPL) is never "last one standing" by itself; it runs to MaxTurns.
func (c *Controller) checkVictory() bool {
	active := c.activeProcessIDs()
	switch {
	case len(active) == 1 && len(c.processIDs) > 1:
		c.winner, c.hasWinner = active[0], true
		return true
	case len(active) == 0:
		c.winner, c.hasWinner = c.pickTiebreakWinner()
		return true
	case c.turn >= c.opts.MaxTurns:
		c.winner, c.hasWinner = c.pickTiebreakWinner()
		return true
	default:
		return false
	}
}

// pickTiebreakWinner implements spec.md §9's chosen resolution of the
// victory-tiebreak ambiguity: last-active-then-highest-score.
func (c *Controller) pickTiebreakWinner() (process.ID, bool) {
	var best process.ID
	var bestTime time.Time
	found := false

	for _, pid := range c.processIDs {
		p, ok := c.manager.Get(pid)
		if !ok || p.LastRunAt.IsZero() {
			continue
		}
		if !found || p.LastRunAt.After(bestTime) {
			best, bestTime, found = pid, p.LastRunAt, true
		}
	}
	if found {
		return best, true
	}
	return c.pickHighestScore()
}

func (c *Controller) pickHighestScore() (process.ID, bool) {
	var best process.ID
	var bestScore uint64
	found := false
	for _, pid := range c.processIDs {
		if s := c.scores[pid]; !found || s > bestScore {
			best, bestScore, found = pid, s, true
		}
	}
	return best, found
}

// conclude transitions the battle to Completed, terminating every roster
// process. byScore forces a victory-by-score decision (used by the
// time-limit and cycle-limit escape hatches) rather than re-deriving the
// winner from the normal active-count predicate.
func (c *Controller) conclude(byScore bool) {
	if c.status == Completed {
		return
	}
	if byScore {
		c.winner, c.hasWinner = c.pickHighestScore()
	} else if !c.hasWinner {
		c.checkVictory()
	}
	if c.opts.CoreDump {
		c.coreDumps = make(map[process.ID]map[string][]byte, len(c.processIDs))
		for _, pid := range c.processIDs {
			if p, ok := c.manager.Get(pid); ok && p.State != process.Terminated {
				c.coreDumps[pid] = p.CoreDump(c.arena)
			}
		}
	}
	c.status = Completed
	c.endTime = c.clock.Now()
	for _, pid := range c.processIDs {
		c.manager.Terminate(pid, "battle concluded")
	}
}

// Run drives NextTurn to completion, optionally capped at turnCap turns
// (0 means use the configured MaxTurns). Grounded on gintendo's
// Bus.Run(ctx)/gintendo.go's context-cancellation plumbing: ctx gives an
// external caller (the batch CLI today, a future server driver tomorrow) a
// standard way to stop a battle early without the core importing anything
// about sockets or HTTP.
func (c *Controller) Run(ctx context.Context, turnCap int) (Results, error) {
	if err := c.Start(); err != nil {
		return Results{}, err
	}
	for c.NextTurn() {
		select {
		case <-ctx.Done():
			c.conclude(false)
			return c.GetResults(), ctx.Err()
		default:
		}
		if turnCap > 0 && c.turn >= turnCap {
			c.conclude(false)
			break
		}
	}
	return c.GetResults(), nil
}

// GetState returns a snapshot of the battle's current state.
func (c *Controller) GetState() State {
	scores := make(map[process.ID]uint64, len(c.scores))
	for k, v := range c.scores {
		scores[k] = v
	}
	return State{
		Status:     c.status,
		Turn:       c.turn,
		MaxTurns:   c.opts.MaxTurns,
		ProcessIDs: append([]process.ID{}, c.processIDs...),
		Winner:     c.winner,
		HasWinner:  c.hasWinner,
		StartTime:  c.startTime,
		EndTime:    c.endTime,
		Scores:     scores,
		Log:        append([]LogEntry{}, c.execLog...),
	}
}

// GetResults summarizes the battle for display or storage.
func (c *Controller) GetResults() Results {
	scores := make(map[process.ID]uint64, len(c.scores))
	for k, v := range c.scores {
		scores[k] = v
	}
	var duration int64
	if !c.startTime.IsZero() {
		end := c.endTime
		if end.IsZero() {
			end = c.clock.Now()
		}
		duration = end.Sub(c.startTime).Milliseconds()
	}
	return Results{
		Winner:     c.winner,
		HasWinner:  c.hasWinner,
		Scores:     scores,
		DurationMs: duration,
		Turns:      c.turn,
		CoreDumps:  c.coreDumps,
	}
}

// MemorySnapshot returns a copy of length bytes starting at start, for
// visualization bridges.
func (c *Controller) MemorySnapshot(start, length uint32) []byte {
	return c.arena.SnapshotRange(start, length)
}

// CoreDump returns a full snapshot of the arena, for post-mortem analysis.
func (c *Controller) CoreDump() []byte {
	return c.arena.SnapshotRange(0, c.arena.Size())
}

// Process returns one process's current state, for debugging tools.
func (c *Controller) Process(pid process.ID) (*process.Process, bool) {
	return c.manager.Get(pid)
}

// AccessLog returns the arena's access log (owner-change writes only).
func (c *Controller) AccessLog() []arena.AccessRecord {
	return c.arena.AccessLog()
}

type scoreEntry struct {
	PID   process.ID `json:"pid"`
	Score uint64     `json:"score"`
}

type persistedState struct {
	Status     Status       `json:"status"`
	Turn       int          `json:"turn"`
	MaxTurns   int          `json:"max_turns"`
	ProcessIDs []process.ID `json:"process_ids"`
	Winner     process.ID   `json:"winner"`
	HasWinner  bool         `json:"has_winner"`
	Scores     []scoreEntry `json:"scores"`
	Log        []LogEntry   `json:"log"`
}

// SaveState serializes the BattleState to a stable JSON string, per
// spec.md §6's Persisted state contract: scores are linearised as
// [pid, score] pairs rather than as a JSON object, since the spec treats
// map round-tripping as not universally reliable across serial formats.
func (c *Controller) SaveState() (string, error) {
	ps := persistedState{
		Status:     c.status,
		Turn:       c.turn,
		MaxTurns:   c.opts.MaxTurns,
		ProcessIDs: append([]process.ID{}, c.processIDs...),
		Winner:     c.winner,
		HasWinner:  c.hasWinner,
		Log:        append([]LogEntry{}, c.execLog...),
	}
	for _, pid := range c.processIDs {
		ps.Scores = append(ps.Scores, scoreEntry{PID: pid, Score: c.scores[pid]})
	}
	b, err := json.Marshal(ps)
	if err != nil {
		return "", fmt.Errorf("battle: save state: %w", err)
	}
	return string(b), nil
}

// LoadState restores a BattleState produced by SaveState. The caller's
// ProcessManager must still contain every referenced process id.
func (c *Controller) LoadState(data string) error {
	var ps persistedState
	if err := json.Unmarshal([]byte(data), &ps); err != nil {
		return fmt.Errorf("battle: load state: %w", err)
	}
	c.status = ps.Status
	c.turn = ps.Turn
	c.opts.MaxTurns = ps.MaxTurns
	c.processIDs = ps.ProcessIDs
	c.winner = ps.Winner
	c.hasWinner = ps.HasWinner
	c.execLog = ps.Log
	c.scores = make(map[process.ID]uint64, len(ps.Scores))
	for _, se := range ps.Scores {
		c.scores[se.PID] = se.Score
		if p, ok := c.manager.Get(se.PID); ok {
			p.Score = se.Score
		}
	}
	return nil
}
