// Package interp implements the fetch-decode-execute loop: one instruction
// of the currently scheduled process per Step call.
//
// Grounded on gintendo's mos6502/mos6502.go for the overall shape (fetch
// opcode at pc, look up its layout, dispatch, advance pc unless the
// instruction set it explicitly) and its branch/addWithOverflow/baseCMP
// helpers for the flags-register pattern used by CMP/TEST and the
// conditional jumps. Dispatch itself is a plain switch on the opcode byte,
// not gintendo's reflect.ValueOf(c).MethodByName(op.name).Call(...) —
// see DESIGN.md for why that indirection isn't worth reproducing.
package interp

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/corewars/battlecore/arena"
	"github.com/corewars/battlecore/asm"
	"github.com/corewars/battlecore/process"
)

// Flags bits set by CMP/TEST and read by conditional branches. Modeled on
// mos6502's zero/negative status flags rather than a full x86-style flags
// register, since only equality and sign are ever tested here.
const (
	FlagZero     uint16 = 1 << 0
	FlagNegative uint16 = 1 << 1
)

// SpawnRequest reports a process the interpreter created on behalf of an
// SPL instruction. The battle controller folds Child into its own roster
// and scores map; the interpreter only owns the process table itself.
type SpawnRequest struct {
	Parent process.ID
	Child  *process.Process
}

// StepResult reports the outcome of one Step call, mirroring spec.md
// §4.D's per-step protocol.
type StepResult struct {
	PID                process.ID
	Idle               bool
	InstructionText    string
	PCAtFetch          uint16
	Terminated         bool
	TerminationReason  string
	Spawn              *SpawnRequest
}

// Interpreter executes one instruction at a time against a shared arena
// and process table.
type Interpreter struct {
	Arena   *arena.Arena
	Manager *process.Manager
	Log     zerolog.Logger
}

// New creates an Interpreter over the given arena and process manager.
func New(a *arena.Arena, m *process.Manager, log zerolog.Logger) *Interpreter {
	return &Interpreter{Arena: a, Manager: m, Log: log}
}

// Decode reports the byte size of the instruction named by opcode, for
// debugging tools that want to render an instruction without running it.
func Decode(opcode byte) (size uint8, known bool) {
	return asm.InstructionSize(opcode)
}

// Step asks the scheduler for the running process and executes its next
// instruction. A panic during execution (an interpreter bug, not a bot
// error — the arena never refuses a read or write) is recovered and
// converted into a process termination, per spec.md §7's runtime-error
// handling, so one misbehaving step can never take down the whole battle.
func (ip *Interpreter) Step() (result StepResult) {
	pid, ok := ip.Manager.Schedule()
	if !ok {
		return StepResult{Idle: true}
	}

	p, ok := ip.Manager.Get(pid)
	if !ok || p.State != process.Running {
		return StepResult{PID: pid, Idle: true}
	}

	ip.Arena.SetCurrentProcess(arena.ProcessID(pid))
	defer ip.Arena.ClearCurrentProcess()

	defer func() {
		if r := recover(); r != nil {
			reason := fmt.Sprintf("execution error: %v", r)
			ip.Manager.Terminate(pid, reason)
			ip.Log.Warn().Uint32("pid", uint32(pid)).Str("reason", reason).Msg("process terminated")
			result = StepResult{PID: pid, Terminated: true, TerminationReason: reason}
		}
	}()

	return ip.execute(pid, p)
}

func (ip *Interpreter) execute(pid process.ID, p *process.Process) StepResult {
	pc := p.Registers.PC
	opcode := ip.Arena.Read(uint32(pc))

	size, known := asm.InstructionSize(opcode)
	if !known {
		size = 1
	}

	var b1, b2 uint8
	if size >= 2 {
		b1 = ip.Arena.Read(uint32(pc) + 1)
	}
	if size >= 3 {
		b2 = ip.Arena.Read(uint32(pc) + 2)
	}

	p.CurrentInstructionText = fmt.Sprintf("0x%02X %02X %02X", opcode, b1, b2)

	var (
		advanced   bool
		terminated bool
		reason     string
		spawn      *SpawnRequest
	)

	switch opcode {
	case asm.NOP:

	case asm.MOV:
		ip.writeOperand(p, b2, ip.readOperand(p, b1))
	case asm.XCHG:
		v1, v2 := ip.readOperand(p, b1), ip.readOperand(p, b2)
		ip.writeOperand(p, b1, v2)
		ip.writeOperand(p, b2, v1)

	case asm.ADD:
		ip.writeOperand(p, b2, ip.readOperand(p, b1)+ip.readOperand(p, b2))
	case asm.SUB:
		ip.writeOperand(p, b2, ip.readOperand(p, b2)-ip.readOperand(p, b1))
	case asm.MUL:
		ip.writeOperand(p, b2, ip.readOperand(p, b1)*ip.readOperand(p, b2))
	case asm.DIV:
		divisor := ip.readOperand(p, b1)
		if divisor == 0 {
			ip.writeOperand(p, b2, 0)
		} else {
			ip.writeOperand(p, b2, ip.readOperand(p, b2)/divisor)
		}

	case asm.AND:
		ip.writeOperand(p, b2, ip.readOperand(p, b1)&ip.readOperand(p, b2))
	case asm.OR:
		ip.writeOperand(p, b2, ip.readOperand(p, b1)|ip.readOperand(p, b2))
	case asm.XOR:
		ip.writeOperand(p, b2, ip.readOperand(p, b1)^ip.readOperand(p, b2))
	case asm.NOT:
		ip.writeOperand(p, b2, ^ip.readOperand(p, b1))

	case asm.INC:
		ip.writeOperand(p, b1, ip.readOperand(p, b1)+1)
	case asm.DEC:
		ip.writeOperand(p, b1, ip.readOperand(p, b1)-1)

	case asm.CMP:
		a, b := ip.readOperand(p, b1), ip.readOperand(p, b2)
		diff := a - b
		ip.setRegister(p, 0, diff)
		ip.updateFlags(p, diff)
	case asm.TEST:
		a, b := ip.readOperand(p, b1), ip.readOperand(p, b2)
		v := a & b
		ip.setRegister(p, 0, v)
		ip.updateFlags(p, v)

	case asm.LEA:
		ip.writeOperand(p, b2, ip.effectiveAddress(p, b1))
	case asm.LOAD:
		addr := ip.effectiveAddress(p, b1)
		ip.writeOperand(p, b2, uint16(ip.Arena.Read(uint32(addr))))
	case asm.STORE:
		addr := ip.effectiveAddress(p, b2)
		ip.Arena.Write(uint32(addr), byte(ip.readOperand(p, b1)))

	case asm.JMP:
		p.Registers.PC = ip.wrapAddr(int32(decodeTarget16(b1, b2)))
		advanced = true
	case asm.JZ:
		advanced = ip.takeBranch(p, b1, b2, p.Registers.Flags&FlagZero != 0)
	case asm.JNZ:
		advanced = ip.takeBranch(p, b1, b2, p.Registers.Flags&FlagZero == 0)
	case asm.JE:
		advanced = ip.takeBranch(p, b1, b2, p.Registers.Flags&FlagZero != 0)
	case asm.JNE:
		advanced = ip.takeBranch(p, b1, b2, p.Registers.Flags&FlagZero == 0)
	case asm.JL:
		advanced = ip.takeBranch(p, b1, b2, p.Registers.Flags&FlagNegative != 0)
	case asm.JG:
		advanced = ip.takeBranch(p, b1, b2, p.Registers.Flags&(FlagZero|FlagNegative) == 0)
	case asm.JGE:
		advanced = ip.takeBranch(p, b1, b2, p.Registers.Flags&FlagNegative == 0)
	case asm.JLE:
		advanced = ip.takeBranch(p, b1, b2, p.Registers.Flags&(FlagZero|FlagNegative) != 0)

	case asm.PUSH:
		ip.push(p, ip.readOperand(p, b1))
	case asm.POP:
		ip.writeOperand(p, b1, ip.pop(p))
	case asm.CALL:
		ip.push(p, ip.wrapAddr(int32(p.Registers.PC)+int32(size)))
		p.Registers.PC = ip.wrapAddr(int32(decodeTarget16(b1, b2)))
		advanced = true
	case asm.RET:
		p.Registers.PC = ip.wrapAddr(int32(ip.pop(p)))
		advanced = true

	case asm.SPL:
		spawn = ip.spawn(pid, p, ip.wrapAddr(int32(decodeTarget16(b1, b2))))

	case asm.DAT:
		terminated, reason = true, "DAT executed"
	case asm.HALT:
		terminated, reason = true, "halt"

	default:
		// unknown opcode: behaves as NOP, per spec.md §4.D point 5.
	}

	if terminated {
		ip.Manager.Terminate(pid, reason)
		ip.Log.Info().Uint32("pid", uint32(pid)).Str("reason", reason).Msg("process terminated")
	} else if !advanced {
		p.Registers.PC = ip.wrapAddr(int32(p.Registers.PC) + int32(size))
	}

	return StepResult{
		PID:               pid,
		InstructionText:   p.CurrentInstructionText,
		PCAtFetch:         pc,
		Terminated:        terminated,
		TerminationReason: reason,
		Spawn:             spawn,
	}
}

// readOperand decodes a src-position operand byte via asm.DecodeOperandByte:
// a register operand reads that register, anything else is the immediate
// itself (spec.md §4.D point 5).
func (ip *Interpreter) readOperand(p *process.Process, b uint8) uint16 {
	op := asm.DecodeOperandByte(b)
	if op.Kind == asm.OperandRegister {
		return ip.getRegister(p, op.Reg)
	}
	return uint16(op.Value)
}

// writeOperand writes to a dest-position operand: register destinations
// are written; immediate "destinations" have nothing to write to and are
// silently ignored (an instruction with no observable effect).
func (ip *Interpreter) writeOperand(p *process.Process, b uint8, v uint16) {
	op := asm.DecodeOperandByte(b)
	if op.Kind == asm.OperandRegister {
		ip.setRegister(p, op.Reg, v)
	}
}

// effectiveAddress resolves a memory-group operand (LEA/LOAD/STORE): a
// register operand holds the address indirectly, an immediate operand byte
// is the address itself.
func (ip *Interpreter) effectiveAddress(p *process.Process, b uint8) uint16 {
	op := asm.DecodeOperandByte(b)
	if op.Kind == asm.OperandRegister {
		return ip.getRegister(p, op.Reg)
	}
	return uint16(op.Value)
}

func (ip *Interpreter) getRegister(p *process.Process, idx int) uint16 {
	switch idx {
	case 0:
		return p.Registers.R0
	case 1:
		return p.Registers.R1
	case 2:
		return p.Registers.R2
	case 3:
		return p.Registers.R3
	default:
		return 0
	}
}

func (ip *Interpreter) setRegister(p *process.Process, idx int, v uint16) {
	switch idx {
	case 0:
		p.Registers.R0 = v
	case 1:
		p.Registers.R1 = v
	case 2:
		p.Registers.R2 = v
	case 3:
		p.Registers.R3 = v
	}
}

func (ip *Interpreter) updateFlags(p *process.Process, v uint16) {
	var f uint16
	if v == 0 {
		f |= FlagZero
	}
	if v&0x8000 != 0 {
		f |= FlagNegative
	}
	p.Registers.Flags = f
}

func (ip *Interpreter) takeBranch(p *process.Process, b1, b2 uint8, cond bool) bool {
	if !cond {
		return false
	}
	p.Registers.PC = ip.wrapAddr(int32(decodeTarget16(b1, b2)))
	return true
}

func (ip *Interpreter) push(p *process.Process, v uint16) {
	p.Registers.SP = ip.wrapAddr(int32(p.Registers.SP) - 2)
	ip.Arena.Write(uint32(p.Registers.SP), byte(v))
	ip.Arena.Write(uint32(p.Registers.SP)+1, byte(v>>8))
}

func (ip *Interpreter) pop(p *process.Process) uint16 {
	lo := ip.Arena.Read(uint32(p.Registers.SP))
	hi := ip.Arena.Read(uint32(p.Registers.SP) + 1)
	p.Registers.SP = ip.wrapAddr(int32(p.Registers.SP) + 2)
	return uint16(lo) | uint16(hi)<<8
}

func (ip *Interpreter) spawn(parent process.ID, p *process.Process, target uint16) *SpawnRequest {
	child, err := ip.Manager.Create(process.CreateOptions{
		Name:     p.Name + "-child",
		Owner:    p.Owner,
		Priority: p.Priority,
		Quantum:  p.Quantum,
		EntryPC:  target,
		StackTop: p.Registers.SP,
		Segments: p.OwnedSegments,
	})
	if err != nil {
		ip.Log.Info().Uint32("parent", uint32(parent)).Err(err).Msg("spawn dropped: cap reached")
		return nil
	}
	ip.Log.Info().Uint32("parent", uint32(parent)).Uint32("child", uint32(child.ID)).Msg("process spawned")
	return &SpawnRequest{Parent: parent, Child: child}
}

func decodeTarget16(lo, hi uint8) uint16 {
	return uint16(lo) | uint16(hi)<<8
}

// wrapAddr reduces v modulo the arena size, per spec.md §3's invariant that
// sp and pc are always reduced modulo N on write (not just modulo 2^16).
func (ip *Interpreter) wrapAddr(v int32) uint16 {
	n := int32(ip.Arena.Size())
	v %= n
	if v < 0 {
		v += n
	}
	return uint16(v)
}
