// Command corewars runs a battle between assembled bot sources and prints
// the result, or drops into an interactive debugger modeled on gintendo's
// console.BIOS menu.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joeycumines/go-prompt"
	pstrings "github.com/joeycumines/go-prompt/strings"
	"github.com/rs/zerolog"

	"github.com/corewars/battlecore/battle"
)

var (
	maxTurns      = flag.Int("max-turns", 1000, "turn limit; when reached, the most recently active process wins")
	maxCycles     = flag.Int("max-cycles", 1000, "cycle budget per turn")
	memorySize    = flag.Uint("memory-size", 65536, "arena size in bytes")
	placementSeed = flag.Int64("placement-seed", 1, "seed for deterministic bot placement")
	verbose       = flag.Bool("verbose", false, "log process terminations and spawns (executed instructions and turns are not logged)")
	interactive   = flag.Bool("interactive", false, "drop into an interactive debugger instead of running to completion")
)

func main() {
	flag.Parse()

	level := zerolog.WarnLevel
	if *verbose {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level).With().Timestamp().Logger()

	sources := flag.Args()
	if len(sources) == 0 {
		fmt.Fprintln(os.Stderr, "usage: corewars [flags] bot1.asm bot2.asm ...")
		os.Exit(1)
	}

	c := battle.NewController(battle.Options{
		MemorySize:          uint32(*memorySize),
		MaxTurns:            *maxTurns,
		MaxCyclesPerTurn:    *maxCycles,
		MinCyclesPerProcess: 1,
		PlacementSeed:       *placementSeed,
	}, nil, log)

	for _, path := range sources {
		src, err := os.ReadFile(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "corewars: reading %s: %v\n", path, err)
			os.Exit(1)
		}
		res, err := c.LoadBot(string(src), path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "corewars: assembling %s: %v\n", path, err)
			os.Exit(1)
		}
		fmt.Printf("loaded %s as %q (pid %d, entry 0x%04X, %d bytes)\n", path, res.Name, res.PID, res.EntryPoint, res.MemoryUsed)
	}

	if *interactive {
		runREPL(c)
		os.Exit(0)
	}

	// Mirrors gintendo.go's ctx/cancel-on-signal plumbing, generalized from
	// cancelling a windowed game loop to cancelling a battle run.
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	res, err := c.Run(ctx, 0)
	if err != nil && err != context.Canceled {
		fmt.Fprintf(os.Stderr, "corewars: %v\n", err)
		os.Exit(1)
	}
	if res.HasWinner {
		fmt.Printf("winner: pid %d after %d turns\n", res.Winner, res.Turns)
		os.Exit(0)
	}
	fmt.Printf("no winner after %d turns\n", res.Turns)
	os.Exit(1)
}

var replCommands = []prompt.Suggest{
	{Text: "run", Description: "run turns to completion"},
	{Text: "step", Description: "advance one turn"},
	{Text: "memory", Description: "dump a memory range: memory <start> <length>"},
	{Text: "processes", Description: "list every process and its state"},
	{Text: "reset", Description: "reset turns, scores and processes (arena memory is kept)"},
	{Text: "quit", Description: "exit the debugger"},
}

func replCompleter(d prompt.Document) ([]prompt.Suggest, pstrings.RuneNumber, pstrings.RuneNumber) {
	end := d.CurrentRuneIndex()
	word := d.GetWordBeforeCursor()
	start := end - pstrings.RuneCountInString(word)
	return prompt.FilterHasPrefix(replCommands, word, true), start, end
}

// runREPL drives the battle under interactive control, generalizing
// gintendo's console.BIOS text menu to this package's richer command set.
func runREPL(c *battle.Controller) {
	var history []string

	for {
		line := prompt.Input(
			prompt.WithPrefix("corewars> "),
			prompt.WithCompleter(replCompleter),
			prompt.WithHistory(history),
		)
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		history = append(history, line)

		if !runREPLCommand(c, line) {
			return
		}
	}
}

// runREPLCommand executes one REPL line, returning false when the debugger
// should exit.
func runREPLCommand(c *battle.Controller, line string) bool {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return true
	}

	switch fields[0] {
	case "run":
		if c.GetState().Status != battle.Running {
			if err := c.Start(); err != nil {
				fmt.Println(err)
				return true
			}
		}
		for c.NextTurn() {
		}
		printResults(c)
	case "step":
		if c.GetState().Status != battle.Running {
			if err := c.Start(); err != nil {
				fmt.Println(err)
				return true
			}
		}
		if !c.NextTurn() {
			printResults(c)
		}
	case "memory":
		if len(fields) != 3 {
			fmt.Println("usage: memory <start> <length>")
			return true
		}
		start, err1 := strconv.ParseUint(fields[1], 0, 32)
		length, err2 := strconv.ParseUint(fields[2], 0, 32)
		if err1 != nil || err2 != nil {
			fmt.Println("invalid address")
			return true
		}
		dump := c.MemorySnapshot(uint32(start), uint32(length))
		for i, b := range dump {
			fmt.Printf("0x%04X: 0x%02X\n", uint32(start)+uint32(i), b)
		}
	case "processes":
		state := c.GetState()
		for _, pid := range state.ProcessIDs {
			p, ok := c.Process(pid)
			if !ok {
				continue
			}
			fmt.Printf("pid %d %-10s pc=0x%04X score=%d\n", p.ID, p.State, p.Registers.PC, state.Scores[p.ID])
		}
	case "reset":
		if err := c.Reset(); err != nil {
			fmt.Println(err)
		}
	case "quit":
		return false
	default:
		fmt.Printf("unknown command: %s\n", fields[0])
	}
	return true
}

func printResults(c *battle.Controller) {
	res := c.GetResults()
	if res.HasWinner {
		fmt.Printf("winner: pid %d after %d turns\n", res.Winner, res.Turns)
		return
	}
	fmt.Printf("no winner after %d turns\n", res.Turns)
}
