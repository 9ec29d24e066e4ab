// Package engine implements the per-turn decision traversal: structured
// tree data, language-model branch selection and conditional tool calls
// combined into a bounded, terminating walk.
package engine

import (
	"arbor/app/client/llm"
	"arbor/app/config"
	"arbor/app/service/toolset"
	"arbor/app/tree"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/elliotchance/pie/v2"
	"github.com/samber/do"
	"github.com/tmc/langchaingo/tools"
)

const (
	toolPlaceholder  = "{tool}"
	inputPlaceholder = "{input}"
)

var (
	// ErrDanglingNode means the tree is corrupted: the traversal reached an
	// id with no node behind it, or a non-terminal node with no choices.
	ErrDanglingNode = errors.New("dangling decision node")
	// ErrTurnLimit means the global per-session turn bound was hit.
	ErrTurnLimit = errors.New("session turn limit reached")
)

// LanguageModel is the completion boundary: prompt in, raw text out.
type LanguageModel interface {
	Predict(ctx context.Context, prompt string) (string, error)
}

// ToolSource resolves tool ids referenced by tree nodes.
type ToolSource interface {
	Lookup(id string) (tools.Tool, bool)
}

// Completion is the engine's reading of a raw model response: either one
// of the node's labels or no match.
type Completion struct {
	Raw     string
	Label   string
	Matched bool
}

// StepResult is what one turn hands back to the session loop.
type StepResult struct {
	NodeID string
	// Text is the presented node text, post tool resolution
	Text    string
	Choices []string
	// Preamble carries lines to print before Text: tool answers without a
	// placeholder and texts of nodes skipped by choice prediction
	Preamble []string
	// Notice is a user-visible degradation or re-prompt annotation
	Notice string
	Done   bool
}

type Service struct {
	cfg      *config.Config
	tree     *tree.Tree
	model    LanguageModel
	tools    ToolSource
	template promptTemplate
}

func New(di *do.Injector) (*Service, error) {
	return NewService(
		do.MustInvoke[*config.Config](di),
		do.MustInvoke[*tree.Tree](di),
		do.MustInvoke[*llm.Client](di),
		do.MustInvoke[*toolset.Registry](di),
	)
}

func NewService(cfg *config.Config, t *tree.Tree, model LanguageModel, toolSrc ToolSource) (*Service, error) {
	template, err := loadPromptTemplate(cfg.Tree.PromptTemplate)
	if err != nil {
		return nil, err
	}

	return &Service{
		cfg:      cfg,
		tree:     t,
		model:    model,
		tools:    toolSrc,
		template: template,
	}, nil
}

// Open presents the root node. No adapter is consulted for choice
// selection; the root's tool, if any, runs with a question derived from
// the node text since no input exists yet.
func (s *Service) Open(ctx context.Context, tr *Traversal) (*StepResult, error) {
	res := &StepResult{}
	if err := s.present(ctx, tr, res); err != nil {
		return nil, err
	}

	return res, nil
}

// Step runs one turn: interpret the input against the current node's
// choices, branch, and present the node the traversal arrives at.
func (s *Service) Step(ctx context.Context, tr *Traversal, input string) (*StepResult, error) {
	node, err := s.lookup(tr.currentID)
	if err != nil {
		return nil, err
	}

	if node.Terminal {
		tr.phase = PhaseTerminal
		return &StepResult{NodeID: node.ID, Text: node.Text, Done: true}, nil
	}

	input = strings.TrimSpace(input)
	tr.lastInput = input
	tr.history.add(s.cfg.Session.UserName, input)

	choice := s.selectChoice(ctx, tr, node, input)
	if choice == nil {
		return s.reprompt(tr, node), nil
	}

	tr.noMatches = 0
	tr.fallback = false

	res := &StepResult{}
	if err := s.advance(ctx, tr, choice.Next, res); err != nil {
		return nil, err
	}

	if res.Done || s.cfg.Session.DisablePrediction {
		return res, nil
	}

	if err := s.chainPredictions(ctx, tr, res); err != nil {
		return nil, err
	}

	return res, nil
}

// selectChoice maps raw input to one of the node's choices, via the
// language model or, in fallback mode, by verbatim label comparison.
// A nil result means no match.
func (s *Service) selectChoice(ctx context.Context, tr *Traversal, node *tree.Node, input string) *tree.Choice {
	if tr.fallback {
		if idx := matchLabel(node, input); idx >= 0 {
			return &node.Choices[idx]
		}
		return nil
	}

	tr.phase = PhasePredicting

	prompt := s.template.format(tr.history.format(), tr.resolvedText, node.Labels(), input)

	raw, err := s.model.Predict(ctx, prompt)
	if err != nil {
		// adapter failures feed the bounded re-prompt policy
		slog.Warn("Choice prediction failed", "node", node.ID, "error", err)
		return nil
	}

	completion := interpret(node, raw)
	if !completion.Matched {
		slog.Debug("Completion matched no choice", "node", node.ID, "completion", completion.Raw)
		return nil
	}

	return &node.Choices[matchLabel(node, completion.Label)]
}

// reprompt repeats the current node after a no-match, tightening to the
// deterministic verbatim fallback once the retry budget is spent.
func (s *Service) reprompt(tr *Traversal, node *tree.Node) *StepResult {
	res := &StepResult{
		NodeID:  node.ID,
		Text:    tr.resolvedText,
		Choices: node.Labels(),
	}

	if tr.fallback {
		res.Notice = "Please answer with one of the listed choices, typed exactly."
		return res
	}

	tr.noMatches++
	if tr.noMatches >= s.cfg.Session.MaxRetries {
		tr.fallback = true
		res.Notice = "I couldn't match that to any of the choices. Please answer with one of the listed choices, typed exactly."
		return res
	}

	res.Notice = "I'm sorry, I didn't understand your response."
	return res
}

// advance moves the traversal to nextID and presents it, enforcing the
// global turn bound.
func (s *Service) advance(ctx context.Context, tr *Traversal, nextID string, res *StepResult) error {
	tr.phase = PhaseBranching
	tr.turns++
	if tr.turns > s.cfg.Session.MaxTurns {
		return fmt.Errorf("%w (%d)", ErrTurnLimit, s.cfg.Session.MaxTurns)
	}

	tr.currentID = nextID
	tr.visited = append(tr.visited, nextID)
	tr.visitCount[nextID]++

	// re-entering the root starts the dialogue over
	if nextID == s.tree.RootID() {
		tr.history.reset()
	}

	return s.present(ctx, tr, res)
}

// present finalizes the node the traversal just arrived at: terminal nodes
// end the session, otherwise the node's tool is resolved (or degraded) and
// the resulting text is cached for the next prediction. Tool resolution
// always completes or degrades before the text is used anywhere.
func (s *Service) present(ctx context.Context, tr *Traversal, res *StepResult) error {
	node, err := s.lookup(tr.currentID)
	if err != nil {
		return err
	}

	res.NodeID = node.ID

	if node.Terminal {
		tr.phase = PhaseTerminal
		tr.history.add(s.cfg.Session.AgentName, node.Text)
		res.Text = node.Text
		res.Choices = nil
		res.Done = true
		return nil
	}

	if len(node.Choices) == 0 {
		return fmt.Errorf("node %q is not terminal yet offers no choices: %w", node.ID, ErrDanglingNode)
	}

	text := node.Text
	if node.Tool != "" {
		answer, err := s.resolveTool(ctx, tr, node)
		switch {
		case err != nil:
			slog.Warn("Tool resolution failed, continuing unresolved",
				"node", node.ID,
				"tool", node.Tool,
				"error", err)
			res.Notice = fmt.Sprintf("(the %s lookup failed, continuing without it)", node.Tool)
		case strings.Contains(text, toolPlaceholder):
			text = strings.ReplaceAll(text, toolPlaceholder, answer)
		default:
			res.Preamble = append(res.Preamble, answer)
		}
	}

	tr.resolvedText = text
	tr.phase = PhaseAwaitingInput
	tr.history.add(s.cfg.Session.AgentName, text)

	res.Text = text
	res.Choices = node.Labels()
	res.Done = false
	return nil
}

func (s *Service) resolveTool(ctx context.Context, tr *Traversal, node *tree.Node) (string, error) {
	tool, ok := s.tools.Lookup(node.Tool)
	if !ok {
		return "", fmt.Errorf("tool %q is not registered", node.Tool)
	}

	tr.phase = PhaseResolvingTool

	question := tr.lastInput
	if node.Question != "" {
		question = strings.ReplaceAll(node.Question, inputPlaceholder, tr.lastInput)
	}
	if strings.TrimSpace(question) == "" {
		question = node.Text
	}

	answer, err := tool.Call(ctx, question)
	if err != nil {
		return "", err
	}

	slog.Debug("Tool resolved", "node", node.ID, "tool", node.Tool, "question", question)

	return strings.TrimSpace(answer), nil
}

// chainPredictions keeps branching while the model can predict the user's
// next choice from the transcript alone. The root and nodes marked
// predict: false never chain; the turn bound still applies.
func (s *Service) chainPredictions(ctx context.Context, tr *Traversal, res *StepResult) error {
	for !res.Done {
		node, err := s.lookup(tr.currentID)
		if err != nil {
			return err
		}

		if !node.Predicts() || node.ID == s.tree.RootID() {
			return nil
		}

		prompt := s.template.format(tr.history.format(), tr.resolvedText, node.Labels(), tr.lastInput)

		raw, err := s.model.Predict(ctx, prompt)
		if err != nil {
			slog.Debug("Stopped predicting the user's choice", "node", node.ID, "error", err)
			return nil
		}

		completion := interpret(node, raw)
		if !completion.Matched {
			return nil
		}

		// surface the skipped node's output ahead of the next one
		if res.Notice != "" {
			res.Preamble = append(res.Preamble, res.Notice)
			res.Notice = ""
		}
		res.Preamble = append(res.Preamble, res.Text)

		next := node.Choices[matchLabel(node, completion.Label)].Next
		if err := s.advance(ctx, tr, next, res); err != nil {
			return err
		}
	}

	return nil
}

func (s *Service) lookup(id string) (*tree.Node, error) {
	node, err := s.tree.Lookup(id)
	if err != nil {
		return nil, fmt.Errorf("corrupted tree at %q: %w", id, ErrDanglingNode)
	}

	return node, nil
}

// interpret reads a raw completion as one of the node's labels, tolerating
// whitespace, quoting and case differences. Anything else is no match.
func interpret(node *tree.Node, raw string) *Completion {
	label := strings.TrimSpace(strings.Trim(strings.TrimSpace(raw), "`\""))

	if idx := matchLabel(node, label); idx >= 0 {
		return &Completion{
			Raw:     raw,
			Label:   strings.TrimSpace(node.Choices[idx].Label),
			Matched: true,
		}
	}

	return &Completion{Raw: raw}
}

func matchLabel(node *tree.Node, candidate string) int {
	candidate = strings.TrimSpace(candidate)

	return pie.FindFirstUsing(node.Choices, func(c tree.Choice) bool {
		return strings.EqualFold(strings.TrimSpace(c.Label), candidate)
	})
}
