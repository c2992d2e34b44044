package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/fatih/color"
	"github.com/fujiwara/ridge"
	"github.com/joho/godotenv"
	"github.com/mashiike/slogutils"
	"github.com/mashiike/taxchat"
	"github.com/mashiike/taxchat/mcp"
)

type CLI struct {
	LogFormat string            `help:"Log format" enum:"json,text" default:"json"`
	Color     bool              `help:"Enable color output" negatable:"" default:"true"`
	Debug     bool              `help:"Enable debug mode" env:"DEBUG"`
	Verbose   bool              `help:"Enable log verbose mode" env:"VERBOSE"`
	Config    string            `help:"Config file (Jsonnet or JSON)" env:"TAXCHAT_CONFIG"`
	ExtVar    map[string]string `help:"External variables external string values for Jsonnet" env:"TAXCHAT_EXT_VAR"`
	Provider  string            `help:"Model provider, overrides the config file" env:"TAXCHAT_PROVIDER"`
	ModelID   string            `help:"Model ID, overrides the config file" env:"TAXCHAT_MODEL_ID"`
	Region    string            `help:"AWS region for the bedrock provider" env:"TAXCHAT_REGION"`
	BaseURL   string            `help:"Base URL of the model API" env:"TAXCHAT_BASE_URL"`
	APIKey    string            `help:"API key for the openai provider" env:"OPENAI_API_KEY"`
	Serve     ServeOption       `cmd:"" help:"Serve the chat HTTP API"`
	Ask       AskOption         `cmd:"" help:"Ask a single question from the command line"`
	MCP       MCPOption         `cmd:"" name:"mcp" help:"Serve the assistant as an MCP tool"`
	Render    RenderOption      `cmd:"" help:"Render the system prompt or the resolved config"`
	Version   struct{}          `cmd:"" help:"Show version"`
}

type ServeOption struct {
	Addr         string `help:"Listen address" default:":8080" env:"TAXCHAT_ADDR"`
	Prefix       string `help:"Path prefix" default:"/" env:"TAXCHAT_PREFIX"`
	StaticDir    string `help:"Directory of static assets served at /" env:"TAXCHAT_STATIC_DIR"`
	MaxBodyBytes int64  `help:"Request body size limit in bytes" default:"33554432" env:"TAXCHAT_MAX_BODY_BYTES"`
}

type AskOption struct {
	Question     string `arg:"" help:"Question to ask"`
	Attach       string `help:"File to attach to the question" short:"a"`
	History      string `help:"JSON file holding earlier turns"`
	OutputFormat string `help:"Output format" enum:"json,text" default:"text"`
	DumpMetadata bool   `help:"Dump metadata if output format is text"`
}

type MCPOption struct {
	Transport string `help:"MCP transport. sse needs a long-lived process; it does not stream behind Lambda" enum:"stdio,sse" default:"stdio"`
	Addr      string `help:"Listen address for the sse transport" default:":8080"`
}

type RenderOption struct {
	Target string `help:"What to render" enum:"system-prompt,config" default:"system-prompt"`
}

func newLogger(level slog.Level, format string, c bool) *slog.Logger {
	var f func(io.Writer, *slog.HandlerOptions) slog.Handler
	switch format {
	case "text":
		f = func(w io.Writer, ho *slog.HandlerOptions) slog.Handler {
			return slog.NewTextHandler(w, ho)
		}
	default:
		f = func(w io.Writer, ho *slog.HandlerOptions) slog.Handler {
			return slog.NewJSONHandler(w, ho)
		}
	}
	var modifierFuncs map[slog.Level]slogutils.ModifierFunc
	if c {
		modifierFuncs = map[slog.Level]slogutils.ModifierFunc{
			slog.LevelDebug: slogutils.Color(color.FgBlack),
			slog.LevelInfo:  nil,
			slog.LevelWarn:  slogutils.Color(color.FgYellow),
			slog.LevelError: slogutils.Color(color.FgRed, color.Bold),
		}
	}
	middleware := slogutils.NewMiddleware(
		f,
		slogutils.MiddlewareOptions{
			Writer:        os.Stderr,
			ModifierFuncs: modifierFuncs,
			HandlerOptions: &slog.HandlerOptions{
				Level: level,
			},
		},
	)
	logger := slog.New(middleware)
	return logger
}

// loadDotEnv reads TAXCHAT_ENV_FILE, or .env in the working directory. A
// missing file is not an error.
func loadDotEnv() error {
	path := os.Getenv("TAXCHAT_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func (c *CLI) Run(ctx context.Context) int {
	dotEnvErr := loadDotEnv()
	k := kong.Parse(c,
		kong.Name("taxchat"),
		kong.Description("TaxChat is a streaming chat backend for Indian taxation questions."),
		kong.UsageOnError(),
	)
	logLevel := slog.LevelInfo
	if c.Debug {
		logLevel = slog.LevelDebug
	}
	logger := newLogger(logLevel, c.LogFormat, c.Color)
	if c.Verbose || k.Command() == "mcp" {
		slog.SetDefault(logger)
	}
	if dotEnvErr != nil {
		logger.Warn("failed to load dotenv", "details", dotEnvErr)
	}
	if err := c.run(ctx, k, logger); err != nil {
		logger.Error("runtime error", "details", err)
		return 1
	}
	return 0
}

func (c *CLI) run(ctx context.Context, k *kong.Context, logger *slog.Logger) error {
	cmd := k.Command()
	if cmd == "version" {
		fmt.Printf("taxchat version %s\n", taxchat.Version)
		return nil
	}
	cfg, err := c.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if cmd == "render" {
		return c.runRender(cfg)
	}
	assistant, err := c.newAssistant(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	switch cmd {
	case "serve":
		return c.runServe(ctx, assistant, logger)
	case "ask <question>":
		return c.runAsk(ctx, assistant)
	case "mcp":
		return c.runMCP(assistant)
	default:
		return fmt.Errorf("unknown command: %s", k.Command())
	}
}

func (c *CLI) loadConfig() (*taxchat.Config, error) {
	cfg, err := taxchat.LoadConfig(c.Config, c.ExtVar)
	if err != nil {
		return nil, err
	}
	if c.Provider != "" {
		cfg.Provider = c.Provider
	}
	if c.ModelID != "" {
		cfg.ModelID = c.ModelID
	}
	return cfg, nil
}

func (c *CLI) newAssistant(ctx context.Context, cfg *taxchat.Config, logger *slog.Logger) (*taxchat.Assistant, error) {
	systemPrompt, err := cfg.RenderSystemPrompt()
	if err != nil {
		return nil, fmt.Errorf("render system prompt: %w", err)
	}
	logger.InfoContext(ctx, "create model provider", "provider", cfg.Provider, "model_id", cfg.ModelID)
	provider, err := taxchat.NewModelProvider(ctx, cfg.Provider, taxchat.ProviderOptions{
		APIKey:  c.APIKey,
		BaseURL: c.BaseURL,
		Region:  c.Region,
		Logger:  logger.With("provider", cfg.Provider),
	})
	if err != nil {
		return nil, fmt.Errorf("available providers %v: %w", taxchat.ModelProviders(), err)
	}
	return taxchat.NewAssistant(provider, taxchat.AssistantOptions{
		ProviderName: cfg.Provider,
		ModelID:      cfg.ModelID,
		ModelParams:  cfg.ModelParams,
		SystemPrompt: systemPrompt,
		Logger:       logger,
	})
}

func (c *CLI) runServe(ctx context.Context, assistant *taxchat.Assistant, logger *slog.Logger) error {
	h, err := taxchat.NewHandler(taxchat.HandlerConfig{
		Assistant:    assistant,
		StaticDir:    c.Serve.StaticDir,
		MaxBodyBytes: c.Serve.MaxBodyBytes,
		Logger:       logger,
	})
	if err != nil {
		return fmt.Errorf("create handler: %w", err)
	}
	logger.InfoContext(ctx, "start server", "addr", c.Serve.Addr, "prefix", c.Serve.Prefix)
	ridge.Run(c.Serve.Addr, c.Serve.Prefix, h)
	return nil
}

func (c *CLI) runAsk(ctx context.Context, assistant *taxchat.Assistant) error {
	conv, err := c.Ask.Conversation()
	if err != nil {
		return err
	}
	switch c.Ask.OutputFormat {
	case "json":
		w := taxchat.NewBatchResponseWriter()
		if err := assistant.Chat(ctx, conv, w); err != nil {
			return fmt.Errorf("chat: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(w.Response()); err != nil {
			return fmt.Errorf("encode response: %w", err)
		}
	case "text":
		w := taxchat.NewTextStreamingResponseWriter(os.Stdout)
		if err := assistant.Chat(ctx, conv, w); err != nil {
			return fmt.Errorf("chat: %w", err)
		}
		if c.Ask.DumpMetadata {
			w.DumpMetadata()
		}
		fmt.Println()
	default:
		return fmt.Errorf("unknown output format: %s", c.Ask.OutputFormat)
	}
	return nil
}

// Conversation builds the conversation sent for the ask command.
func (o *AskOption) Conversation() (taxchat.Conversation, error) {
	var conv taxchat.Conversation
	if o.History != "" {
		bs, err := os.ReadFile(o.History)
		if err != nil {
			return nil, fmt.Errorf("read history: %w", err)
		}
		if err := json.Unmarshal(bs, &conv); err != nil {
			return nil, fmt.Errorf("unmarshal history: %w", err)
		}
	}
	if o.Attach == "" {
		return append(conv, taxchat.UserTurn(o.Question)), nil
	}
	return append(conv, taxchat.ReadFileTurn(o.Question, o.Attach)), nil
}

func (c *CLI) runMCP(assistant *taxchat.Assistant) error {
	s, err := mcp.NewServer("taxchat", taxchat.Version, assistant)
	if err != nil {
		return fmt.Errorf("create mcp server: %w", err)
	}
	switch c.MCP.Transport {
	case "sse":
		return s.ListenAndServeSSE(c.MCP.Addr)
	default:
		return s.ServeStdio()
	}
}

func (c *CLI) runRender(cfg *taxchat.Config) error {
	switch c.Render.Target {
	case "config":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(cfg)
	default:
		prompt, err := cfg.RenderSystemPrompt()
		if err != nil {
			return fmt.Errorf("render system prompt: %w", err)
		}
		fmt.Println(strings.TrimSpace(prompt))
		return nil
	}
}
