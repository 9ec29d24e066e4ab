// Package tree holds the in-memory decision tree: a closed set of nodes
// keyed by id, built once from a YAML document and immutable afterwards.
package tree

import (
	"errors"
	"os"
	"strings"

	"github.com/elliotchance/pie/v2"
	"github.com/go-playground/validator/v10"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

var (
	ErrNoRoot            = errors.New("root node is missing")
	ErrDuplicateID       = errors.New("duplicate node id")
	ErrDanglingReference = errors.New("choice references an unknown node")
	ErrNotFound          = errors.New("node not found")
)

// Choice is one selectable branch of a node.
type Choice struct {
	Label string `yaml:"label" validate:"required"`
	Next  string `yaml:"next" validate:"required"`
}

// Node is a single decision point. Text may contain the {tool} placeholder
// which is substituted with the tool answer at traversal time.
type Node struct {
	ID   string `yaml:"id" validate:"required"`
	Text string `yaml:"text" validate:"required"`
	// Tool names a registered tool resolved before the node's text is used
	Tool string `yaml:"tool"`
	// Question is the tool question template; {input} expands to the raw
	// user input. Empty means the raw input itself.
	Question string `yaml:"question"`
	// Predict opts the node out of choice prediction when set to false
	Predict  *bool    `yaml:"predict"`
	Terminal bool     `yaml:"terminal"`
	Choices  []Choice `yaml:"choices" validate:"dive"`
}

type document struct {
	Root  string `yaml:"root" validate:"required"`
	Nodes []Node `yaml:"nodes" validate:"required,min=1,dive"`
}

// Tree maps node ids to nodes. The zero value is unusable; build one with
// Load or LoadFile.
type Tree struct {
	rootID string
	nodes  map[string]*Node
}

func Load(data []byte) (*Tree, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, oops.Errorf("failed to parse tree YAML: %w", err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(doc); err != nil {
		return nil, oops.Errorf("failed to validate tree document: %w", err)
	}

	nodes := make(map[string]*Node, len(doc.Nodes))
	for i := range doc.Nodes {
		node := &doc.Nodes[i]
		if _, ok := nodes[node.ID]; ok {
			return nil, oops.Errorf("node %q: %w", node.ID, ErrDuplicateID)
		}
		nodes[node.ID] = node
	}

	if _, ok := nodes[doc.Root]; !ok {
		return nil, oops.Errorf("root %q: %w", doc.Root, ErrNoRoot)
	}

	// Closed reference set: every choice must land on a known node. A
	// non-terminal node without choices is legal here and only surfaces
	// as an engine error if traversal actually reaches it.
	for _, node := range nodes {
		for _, choice := range node.Choices {
			if _, ok := nodes[choice.Next]; !ok {
				return nil, oops.Errorf("node %q -> %q: %w", node.ID, choice.Next, ErrDanglingReference)
			}
		}
	}

	return &Tree{
		rootID: doc.Root,
		nodes:  nodes,
	}, nil
}

func LoadFile(path string) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, oops.Errorf("failed to read tree file: %w", err)
	}

	return Load(data)
}

func (t *Tree) RootID() string {
	return t.rootID
}

func (t *Tree) Len() int {
	return len(t.nodes)
}

func (t *Tree) Lookup(id string) (*Node, error) {
	node, ok := t.nodes[id]
	if !ok {
		return nil, oops.Errorf("node %q: %w", id, ErrNotFound)
	}

	return node, nil
}

// Labels returns the node's choice labels in document order, trimmed.
func (n *Node) Labels() []string {
	return pie.Map(n.Choices, func(c Choice) string {
		return strings.TrimSpace(c.Label)
	})
}

// Predicts reports whether the node participates in choice prediction.
// Nodes opt out explicitly; the default is on.
func (n *Node) Predicts() bool {
	return n.Predict == nil || *n.Predict
}
