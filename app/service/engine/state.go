package engine

import (
	"fmt"
	"strings"
)

// Phase tracks where a traversal currently sits inside a turn.
type Phase int

const (
	PhaseAwaitingInput Phase = iota
	PhaseResolvingTool
	PhasePredicting
	PhaseBranching
	PhaseTerminal
)

// Traversal is the per-session state. It is owned by exactly one session
// and mutated only by the engine.
type Traversal struct {
	currentID    string
	resolvedText string
	lastInput    string

	visited    []string
	visitCount map[string]int
	turns      int

	noMatches int
	fallback  bool

	phase   Phase
	history transcript
}

func NewTraversal(rootID string) *Traversal {
	return &Traversal{
		currentID:  rootID,
		visited:    []string{rootID},
		visitCount: map[string]int{rootID: 1},
		phase:      PhaseAwaitingInput,
	}
}

func (t *Traversal) CurrentID() string {
	return t.currentID
}

func (t *Traversal) Phase() Phase {
	return t.phase
}

func (t *Traversal) Turns() int {
	return t.turns
}

// Visited returns the node ids in visit order, repeats included.
func (t *Traversal) Visited() []string {
	out := make([]string, len(t.visited))
	copy(out, t.visited)
	return out
}

func (t *Traversal) Visits(id string) int {
	return t.visitCount[id]
}

type transcriptLine struct {
	speaker string
	text    string
}

// transcript is the running Agent/User dialogue fed into decision prompts.
type transcript struct {
	lines []transcriptLine
}

func (h *transcript) add(speaker, text string) {
	h.lines = append(h.lines, transcriptLine{
		speaker: speaker,
		text:    text,
	})
}

func (h *transcript) reset() {
	h.lines = nil
}

func (h *transcript) format() string {
	var builder strings.Builder

	for i, line := range h.lines {
		if i > 0 {
			builder.WriteString("\n  ")
		}
		builder.WriteString(fmt.Sprintf("%s: %s", line.speaker, line.text))
	}

	return builder.String()
}
