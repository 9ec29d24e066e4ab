package engine

import (
	"fmt"
	"os"
	"strings"

	_ "embed"
)

//go:embed decision_prompt.txt
var defaultPromptTemplate string

// promptTemplate formats the decision prompt from the node text, the
// candidate labels, the running transcript and the raw user input.
type promptTemplate string

func loadPromptTemplate(path string) (promptTemplate, error) {
	if path == "" {
		return promptTemplate(defaultPromptTemplate), nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read prompt template: %w", err)
	}

	return promptTemplate(data), nil
}

func (p promptTemplate) format(history, text string, labels []string, input string) string {
	values := map[string]string{
		"history": history,
		"text":    text,
		"choices": strings.Join(labels, "\n  - "),
		"input":   input,
	}

	prompt := string(p)
	for key, value := range values {
		prompt = strings.ReplaceAll(prompt, "{"+key+"}", value)
	}

	return prompt
}
