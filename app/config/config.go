package config

import (
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/samber/oops"
	"gopkg.in/yaml.v3"
)

const defaultPath = "config.yaml"

type Config struct {
	Log     Log     `yaml:"log"`
	OpenAI  OpenAI  `yaml:"openai"`
	Wolfram Wolfram `yaml:"wolfram"`
	Tree    Tree    `yaml:"tree"`
	Session Session `yaml:"session"`
	MCP     MCP     `yaml:"mcp"`
}

type OpenAI struct {
	// OpenAI-compatible base url, empty means the official endpoint
	BaseURL string `yaml:"base_url" example:"https://openrouter.ai/api/v1"`
	// API token, falls back to the OPENAI_API_KEY env var
	Token string `yaml:"token" example:"sk-proj-abc123456789DEF789ghi012JKL345mno678PQR901stu234VWX" validate:"required"`
	// Completion model
	Model string `yaml:"model" example:"gpt-4o-mini" validate:"required"`
}

type Wolfram struct {
	// Wolfram|Alpha application id, falls back to the WOLFRAM_APP_ID env var
	AppID string `yaml:"app_id" example:"A1B2C3-D4E5F6G7H8" validate:"required"`
	// Short-answers API endpoint
	Endpoint string `yaml:"endpoint" example:"https://api.wolframalpha.com/v1/result" validate:"required,url"`
}

type Tree struct {
	// Path to the decision tree document
	Path string `yaml:"path" example:"decision_tree.yaml" validate:"required"`
	// Optional file overriding the built-in decision prompt template
	PromptTemplate string `yaml:"prompt_template"`
}

type Session struct {
	// Display name of the guiding side of the dialogue
	AgentName string `yaml:"agent_name" example:"Agent" validate:"required"`
	// Display name of the answering side of the dialogue
	UserName string `yaml:"user_name" example:"User" validate:"required"`
	// Hard bound on branch transitions per session
	MaxTurns int `yaml:"max_turns" example:"64" validate:"gte=1"`
	// Consecutive unmatched completions before the verbatim fallback kicks in
	MaxRetries int `yaml:"max_retries" example:"2" validate:"gte=1"`
	// Disable choice prediction chaining between turns
	DisablePrediction bool `yaml:"disable_prediction" example:"false"`
}

type MCP struct {
	// Optional stdio MCP servers whose tools become available to tree nodes
	Servers []MCPServer `yaml:"servers" validate:"dive"`
}

type MCPServer struct {
	Name    string   `yaml:"name" example:"memory" validate:"required"`
	Command string   `yaml:"command" example:"docker" validate:"required"`
	Args    []string `yaml:"args"`
}

type Log struct {
	// Telegram logging config
	Telegram TelegramLog `yaml:"telegram"`
}

type TelegramLog struct {
	// Chat bot token, obtain it via BotFather
	Token string `yaml:"token" example:"1234567890:ABCdefGHIjklMNopQRstUVwxyZ-123456789"`
	// Chat ID to send messages to
	ChatID string `yaml:"chat_id" example:"1001234567890"`
}

func Load() (*Config, error) {
	return LoadFile(defaultPath)
}

func LoadFile(path string) (*Config, error) {
	var result Config

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// credentials may still arrive via the environment
	case err != nil:
		return nil, oops.Errorf("failed to read config file: %w", err)
	default:
		if err = yaml.Unmarshal(data, &result); err != nil {
			return nil, oops.Errorf("failed to parse YAML config: %w", err)
		}
	}

	result.applyDefaults()

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(result); err != nil {
		return nil, oops.Errorf("failed to validate config: %w", err)
	}

	return &result, nil
}

func (c *Config) applyDefaults() {
	if c.OpenAI.Token == "" {
		c.OpenAI.Token = os.Getenv("OPENAI_API_KEY")
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = "gpt-4o-mini"
	}
	if c.Wolfram.AppID == "" {
		c.Wolfram.AppID = os.Getenv("WOLFRAM_APP_ID")
	}
	if c.Wolfram.Endpoint == "" {
		c.Wolfram.Endpoint = "https://api.wolframalpha.com/v1/result"
	}
	if c.Tree.Path == "" {
		c.Tree.Path = "decision_tree.yaml"
	}
	if c.Session.AgentName == "" {
		c.Session.AgentName = "Agent"
	}
	if c.Session.UserName == "" {
		c.Session.UserName = "User"
	}
	if c.Session.MaxTurns == 0 {
		c.Session.MaxTurns = 64
	}
	if c.Session.MaxRetries == 0 {
		c.Session.MaxRetries = 2
	}
}
