package engine

import (
	"arbor/app/config"
	"arbor/app/tree"
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/tools"
)

type fakeModel struct {
	responses []string
	constant  string
	err       error
	prompts   []string
}

func (m *fakeModel) Predict(_ context.Context, prompt string) (string, error) {
	m.prompts = append(m.prompts, prompt)

	if m.err != nil {
		return "", m.err
	}
	if m.constant != "" {
		return m.constant, nil
	}
	if len(m.responses) == 0 {
		return "no match", nil
	}

	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

type fakeTool struct {
	name    string
	answer  string
	err     error
	queries []string
}

func (t *fakeTool) Name() string        { return t.name }
func (t *fakeTool) Description() string { return "test tool" }

func (t *fakeTool) Call(_ context.Context, input string) (string, error) {
	t.queries = append(t.queries, input)
	if t.err != nil {
		return "", t.err
	}
	return t.answer, nil
}

type fakeTools map[string]tools.Tool

func (f fakeTools) Lookup(id string) (tools.Tool, bool) {
	tool, ok := f[id]
	return tool, ok
}

func testConfig() *config.Config {
	return &config.Config{
		Session: config.Session{
			AgentName:  "Agent",
			UserName:   "User",
			MaxTurns:   16,
			MaxRetries: 2,
		},
	}
}

func newEngine(t *testing.T, cfg *config.Config, doc string, model LanguageModel, toolSrc ToolSource) (*Service, *Traversal) {
	t.Helper()

	dt, err := tree.Load([]byte(doc))
	require.NoError(t, err)

	if toolSrc == nil {
		toolSrc = fakeTools{}
	}

	svc, err := NewService(cfg, dt, model, toolSrc)
	require.NoError(t, err)

	return svc, NewTraversal(dt.RootID())
}

const guideDoc = `
root: start
nodes:
  - id: start
    text: "Shall we finish?"
    choices:
      - label: "yes"
        next: bye
      - label: "no"
        next: fact
  - id: fact
    tool: wolfram_alpha
    text: "The answer is {tool}. Done?"
    predict: false
    choices:
      - label: "yes"
        next: bye
  - id: bye
    text: "Goodbye"
    terminal: true
`

func TestStepBranchesToTerminal(t *testing.T) {
	model := &fakeModel{responses: []string{"yes"}}
	svc, tr := newEngine(t, testConfig(), guideDoc, model, nil)

	res, err := svc.Open(context.Background(), tr)
	require.NoError(t, err)
	assert.Equal(t, "start", res.NodeID)
	assert.Equal(t, "Shall we finish?", res.Text)
	assert.Equal(t, []string{"yes", "no"}, res.Choices)
	assert.False(t, res.Done)

	res, err = svc.Step(context.Background(), tr, "yes please")
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, "Goodbye", res.Text)
	assert.Equal(t, "bye", res.NodeID)
	assert.Equal(t, PhaseTerminal, tr.Phase())
}

func TestToolAnswerSubstitution(t *testing.T) {
	model := &fakeModel{responses: []string{"no"}}
	wolfram := &fakeTool{name: "wolfram_alpha", answer: "42"}
	svc, tr := newEngine(t, testConfig(), guideDoc, model, fakeTools{"wolfram_alpha": wolfram})

	_, err := svc.Open(context.Background(), tr)
	require.NoError(t, err)

	res, err := svc.Step(context.Background(), tr, "no")
	require.NoError(t, err)
	assert.Equal(t, "The answer is 42. Done?", res.Text)
	assert.Empty(t, res.Notice)
	assert.False(t, res.Done)
	// the question defaults to the raw user input
	require.Len(t, wolfram.queries, 1)
	assert.Equal(t, "no", wolfram.queries[0])
}

func TestToolQuestionTemplate(t *testing.T) {
	doc := `
root: start
nodes:
  - id: start
    text: "Which country?"
    choices:
      - label: "country"
        next: pop
  - id: pop
    tool: wolfram_alpha
    question: "population of {input}"
    text: "It has {tool} inhabitants."
    predict: false
    choices:
      - label: "ok"
        next: done
  - id: done
    text: "Done."
    terminal: true
`
	model := &fakeModel{responses: []string{"country"}}
	wolfram := &fakeTool{name: "wolfram_alpha", answer: "68 million"}
	svc, tr := newEngine(t, testConfig(), doc, model, fakeTools{"wolfram_alpha": wolfram})

	_, err := svc.Open(context.Background(), tr)
	require.NoError(t, err)

	res, err := svc.Step(context.Background(), tr, "france")
	require.NoError(t, err)
	assert.Equal(t, "It has 68 million inhabitants.", res.Text)
	require.Len(t, wolfram.queries, 1)
	assert.Equal(t, "population of france", wolfram.queries[0])
}

func TestToolAnswerWithoutPlaceholderGoesToPreamble(t *testing.T) {
	doc := `
root: start
nodes:
  - id: start
    text: "Ask away."
    choices:
      - label: "question"
        next: next
  - id: next
    tool: wolfram_alpha
    text: "Anything else?"
    predict: false
    choices:
      - label: "no"
        next: done
  - id: done
    text: "Done."
    terminal: true
`
	model := &fakeModel{responses: []string{"question"}}
	wolfram := &fakeTool{name: "wolfram_alpha", answer: "42"}
	svc, tr := newEngine(t, testConfig(), doc, model, fakeTools{"wolfram_alpha": wolfram})

	_, err := svc.Open(context.Background(), tr)
	require.NoError(t, err)

	res, err := svc.Step(context.Background(), tr, "meaning of life")
	require.NoError(t, err)
	assert.Equal(t, []string{"42"}, res.Preamble)
	assert.Equal(t, "Anything else?", res.Text)
}

func TestToolFailureDegrades(t *testing.T) {
	model := &fakeModel{responses: []string{"no"}}
	wolfram := &fakeTool{name: "wolfram_alpha", err: errors.New("upstream is down")}
	svc, tr := newEngine(t, testConfig(), guideDoc, model, fakeTools{"wolfram_alpha": wolfram})

	_, err := svc.Open(context.Background(), tr)
	require.NoError(t, err)

	res, err := svc.Step(context.Background(), tr, "no")
	require.NoError(t, err)
	// traversal continues on the unresolved text with a visible notice
	assert.Equal(t, "The answer is {tool}. Done?", res.Text)
	assert.Contains(t, res.Notice, "lookup failed")
	assert.False(t, res.Done)
}

func TestUnregisteredToolDegrades(t *testing.T) {
	model := &fakeModel{responses: []string{"no"}}
	svc, tr := newEngine(t, testConfig(), guideDoc, model, fakeTools{})

	_, err := svc.Open(context.Background(), tr)
	require.NoError(t, err)

	res, err := svc.Step(context.Background(), tr, "no")
	require.NoError(t, err)
	assert.Equal(t, "The answer is {tool}. Done?", res.Text)
	assert.NotEmpty(t, res.Notice)
}

func TestUnknownCompletionRepromptsThenFallsBack(t *testing.T) {
	model := &fakeModel{responses: []string{"maybe", "whatever"}}
	svc, tr := newEngine(t, testConfig(), guideDoc, model, nil)

	_, err := svc.Open(context.Background(), tr)
	require.NoError(t, err)

	// first no-match: plain re-prompt on the same node
	res, err := svc.Step(context.Background(), tr, "hmm")
	require.NoError(t, err)
	assert.Equal(t, "start", res.NodeID)
	assert.Contains(t, res.Notice, "didn't understand")
	assert.Equal(t, []string{"yes", "no"}, res.Choices)

	// second no-match exhausts the retry budget
	res, err = svc.Step(context.Background(), tr, "hmm again")
	require.NoError(t, err)
	assert.Contains(t, res.Notice, "typed exactly")

	// fallback matches labels verbatim without consulting the model
	res, err = svc.Step(context.Background(), tr, "YES")
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, "Goodbye", res.Text)
	assert.Len(t, model.prompts, 2)
}

func TestFallbackRepromptsOnVerbatimMiss(t *testing.T) {
	cfg := testConfig()
	cfg.Session.MaxRetries = 1
	model := &fakeModel{responses: []string{"maybe"}}
	svc, tr := newEngine(t, cfg, guideDoc, model, nil)

	_, err := svc.Open(context.Background(), tr)
	require.NoError(t, err)

	res, err := svc.Step(context.Background(), tr, "hmm")
	require.NoError(t, err)
	assert.Contains(t, res.Notice, "typed exactly")

	res, err = svc.Step(context.Background(), tr, "still not a label")
	require.NoError(t, err)
	assert.Equal(t, "start", res.NodeID)
	assert.Contains(t, res.Notice, "typed exactly")
	assert.False(t, res.Done)
}

func TestAdapterErrorCountsAsNoMatch(t *testing.T) {
	model := &fakeModel{err: errors.New("rate limited")}
	svc, tr := newEngine(t, testConfig(), guideDoc, model, nil)

	_, err := svc.Open(context.Background(), tr)
	require.NoError(t, err)

	res, err := svc.Step(context.Background(), tr, "yes")
	require.NoError(t, err)
	assert.Equal(t, "start", res.NodeID)
	assert.NotEmpty(t, res.Notice)
	assert.False(t, res.Done)
}

func TestDanglingNodeWhenNonTerminalHasNoChoices(t *testing.T) {
	doc := `
root: start
nodes:
  - id: start
    text: "Onward?"
    choices:
      - label: "go"
        next: stuck
  - id: stuck
    text: "Nowhere to go from here."
`
	model := &fakeModel{responses: []string{"go"}}
	svc, tr := newEngine(t, testConfig(), doc, model, nil)

	_, err := svc.Open(context.Background(), tr)
	require.NoError(t, err)

	_, err = svc.Step(context.Background(), tr, "go")
	require.ErrorIs(t, err, ErrDanglingNode)
}

func TestDanglingCurrentNode(t *testing.T) {
	model := &fakeModel{}
	svc, _ := newEngine(t, testConfig(), guideDoc, model, nil)

	tr := NewTraversal("ghost")
	_, err := svc.Step(context.Background(), tr, "yes")
	require.ErrorIs(t, err, ErrDanglingNode)
}

const cycleDoc = `
root: start
nodes:
  - id: start
    text: "Ready?"
    choices:
      - label: "go"
        next: a
  - id: a
    text: "At a."
    choices:
      - label: "go"
        next: b
  - id: b
    text: "At b."
    choices:
      - label: "go"
        next: a
`

func TestTurnLimitBoundsPredictionChaining(t *testing.T) {
	model := &fakeModel{constant: "go"}
	svc, tr := newEngine(t, testConfig(), cycleDoc, model, nil)

	_, err := svc.Open(context.Background(), tr)
	require.NoError(t, err)

	// the model happily predicts "go" forever; the turn bound must not
	_, err = svc.Step(context.Background(), tr, "go")
	require.ErrorIs(t, err, ErrTurnLimit)
	assert.LessOrEqual(t, tr.Turns(), testConfig().Session.MaxTurns+1)
	assert.Greater(t, tr.Visits("a"), 1)
}

func TestTurnLimitBoundsUserDrivenCycles(t *testing.T) {
	cfg := testConfig()
	cfg.Session.DisablePrediction = true
	model := &fakeModel{constant: "go"}
	svc, tr := newEngine(t, cfg, cycleDoc, model, nil)

	_, err := svc.Open(context.Background(), tr)
	require.NoError(t, err)

	var stepErr error
	for range 100 {
		if _, stepErr = svc.Step(context.Background(), tr, "go"); stepErr != nil {
			break
		}
	}

	require.ErrorIs(t, stepErr, ErrTurnLimit)
	assert.LessOrEqual(t, tr.Turns(), cfg.Session.MaxTurns+1)
}

func TestAcyclicTraversalFinishesWithinPathLength(t *testing.T) {
	doc := `
root: n1
nodes:
  - id: n1
    text: "One."
    choices: [{label: "next", next: n2}]
  - id: n2
    text: "Two."
    choices: [{label: "next", next: n3}]
  - id: n3
    text: "Three."
    choices: [{label: "next", next: n4}]
  - id: n4
    text: "Four."
    choices: [{label: "next", next: end}]
  - id: end
    text: "End."
    terminal: true
`
	cfg := testConfig()
	cfg.Session.DisablePrediction = true
	model := &fakeModel{constant: "next"}
	svc, tr := newEngine(t, cfg, doc, model, nil)

	_, err := svc.Open(context.Background(), tr)
	require.NoError(t, err)

	steps := 0
	for {
		res, err := svc.Step(context.Background(), tr, "next")
		require.NoError(t, err)
		steps++
		if res.Done {
			break
		}
	}

	// longest acyclic path has four edges
	assert.LessOrEqual(t, steps, 4)
}

func TestPredictionChaining(t *testing.T) {
	doc := `
root: start
nodes:
  - id: start
    text: "Begin?"
    choices: [{label: "go", next: m1}]
  - id: m1
    text: "Middle one."
    choices: [{label: "go", next: m2}]
  - id: m2
    text: "Middle two."
    choices: [{label: "go", next: end}]
  - id: end
    text: "All done."
    terminal: true
`
	model := &fakeModel{responses: []string{"go", "go", "go"}}
	svc, tr := newEngine(t, testConfig(), doc, model, nil)

	_, err := svc.Open(context.Background(), tr)
	require.NoError(t, err)

	res, err := svc.Step(context.Background(), tr, "go")
	require.NoError(t, err)
	assert.True(t, res.Done)
	assert.Equal(t, "All done.", res.Text)
	assert.Equal(t, []string{"Middle one.", "Middle two."}, res.Preamble)
}

func TestPredictFalseStopsChaining(t *testing.T) {
	doc := `
root: start
nodes:
  - id: start
    text: "Begin?"
    choices: [{label: "go", next: m1}]
  - id: m1
    text: "Middle one."
    predict: false
    choices: [{label: "go", next: end}]
  - id: end
    text: "All done."
    terminal: true
`
	model := &fakeModel{responses: []string{"go", "go"}}
	svc, tr := newEngine(t, testConfig(), doc, model, nil)

	_, err := svc.Open(context.Background(), tr)
	require.NoError(t, err)

	res, err := svc.Step(context.Background(), tr, "go")
	require.NoError(t, err)
	assert.False(t, res.Done)
	assert.Equal(t, "Middle one.", res.Text)
	assert.Len(t, model.prompts, 1)
}

func TestRootReentryResetsTranscript(t *testing.T) {
	doc := `
root: start
nodes:
  - id: start
    text: "Top of the tree."
    choices:
      - label: "again"
        next: detour
      - label: "finish"
        next: end
  - id: detour
    text: "Taking the detour."
    predict: false
    choices: [{label: "restart", next: start}]
  - id: end
    text: "Bye."
    terminal: true
`
	model := &fakeModel{responses: []string{"again", "restart", "finish"}}
	svc, tr := newEngine(t, testConfig(), doc, model, nil)

	_, err := svc.Open(context.Background(), tr)
	require.NoError(t, err)

	_, err = svc.Step(context.Background(), tr, "again")
	require.NoError(t, err)

	res, err := svc.Step(context.Background(), tr, "restart")
	require.NoError(t, err)
	assert.Equal(t, "start", res.NodeID)

	// after the restart the prompt history starts over
	_, err = svc.Step(context.Background(), tr, "finish")
	require.NoError(t, err)
	require.Len(t, model.prompts, 3)
	assert.NotContains(t, model.prompts[2], "Taking the detour.")
	assert.Contains(t, model.prompts[2], "Top of the tree.")
}

func TestPromptContainsNodeTextChoicesAndInput(t *testing.T) {
	model := &fakeModel{responses: []string{"yes"}}
	svc, tr := newEngine(t, testConfig(), guideDoc, model, nil)

	_, err := svc.Open(context.Background(), tr)
	require.NoError(t, err)

	_, err = svc.Step(context.Background(), tr, "wrap it up")
	require.NoError(t, err)

	require.Len(t, model.prompts, 1)
	prompt := model.prompts[0]
	assert.Contains(t, prompt, "Shall we finish?")
	assert.Contains(t, prompt, "yes\n  - no")
	assert.Contains(t, prompt, "wrap it up")
}
