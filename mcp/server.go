package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/fujiwara/ridge"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/mashiike/taxchat"
	"github.com/mashiike/taxchat/jsonutil"
)

const (
	AskToolName       = "ask_tax_assistant"
	askToolDesc       = "Ask an assistant specialised in Indian taxation (income tax, GST, TDS, returns). Optionally pass earlier turns and one base64 encoded attachment such as Form 16."
	PersonaPromptName = "tax_assistant"
)

// AskInput is the argument object of the ask_tax_assistant tool.
type AskInput struct {
	Question   string               `json:"question" jsonschema:"description=the question to answer"`
	History    taxchat.Conversation `json:"history,omitempty" jsonschema:"description=earlier turns in chronological order"`
	Attachment *AttachmentInput     `json:"attachment,omitempty"`
}

type AttachmentInput struct {
	Name      string `json:"name,omitempty" jsonschema:"description=file name shown to the assistant"`
	MediaType string `json:"media_type" jsonschema:"description=media type such as application/pdf or image/png"`
	Data      string `json:"data" jsonschema:"description=standard base64 encoded file content"`
}

// Conversation returns the history followed by the question turn.
func (in AskInput) Conversation() taxchat.Conversation {
	conv := make(taxchat.Conversation, 0, len(in.History)+1)
	conv = append(conv, in.History...)
	if in.Attachment == nil {
		return append(conv, taxchat.UserTurn(in.Question))
	}
	name := in.Attachment.Name
	if name == "" {
		name = "attachment"
	}
	return append(conv, taxchat.SourceTurn(in.Question, name, taxchat.Source{
		Encoding:  taxchat.SourceEncodingBase64,
		MediaType: in.Attachment.MediaType,
		Data:      in.Attachment.Data,
	}))
}

type Server struct {
	s *server.MCPServer
}

func NewServer(serverName string, version string, assistant *taxchat.Assistant) (*Server, error) {
	s := server.NewMCPServer(
		serverName,
		version,
		server.WithToolCapabilities(true),
		server.WithPromptCapabilities(true),
	)
	if err := addTool(s, assistant); err != nil {
		return nil, err
	}
	addPrompt(s, assistant)
	return &Server{s: s}, nil
}

func addTool(s *server.MCPServer, assistant *taxchat.Assistant) error {
	schema, err := taxchat.GenerateSchema[AskInput]()
	if err != nil {
		return fmt.Errorf("generate input schema: %w", err)
	}
	bs, err := json.Marshal(schema)
	if err != nil {
		return fmt.Errorf("marshal input schema: %w", err)
	}
	tool := mcp.NewToolWithRawSchema(AskToolName, askToolDesc, bs)
	s.AddTool(tool, newToolHandler(assistant))
	slog.Info("add mcp tool", "name", AskToolName)
	return nil
}

func addPrompt(s *server.MCPServer, assistant *taxchat.Assistant) {
	prompt := mcp.NewPrompt(PersonaPromptName,
		mcp.WithPromptDescription("The Indian taxation assistant persona, optionally followed by a question"),
		mcp.WithArgument("question", mcp.ArgumentDescription("the question to ask")),
	)
	s.AddPrompt(prompt, newPromptHandler(assistant))
	slog.Info("add mcp prompt", "name", PersonaPromptName)
}

func (s *Server) ListenAndServeSSE(addr string, opts ...server.SSEOption) error {
	baseURL := addr
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		baseURL = "https://" + baseURL
	}
	u, err := url.Parse(baseURL)
	if err != nil {
		return fmt.Errorf("failed to parse address: %w", err)
	}
	if u.Hostname() == "" {
		u.Host = "localhost" + u.Host
	}
	if hostname := u.Hostname(); hostname == "localhost" || hostname == "127.0.0.1" {
		u.Scheme = "http"
	}
	options := []server.SSEOption{
		server.WithBaseURL(u.String()),
	}
	options = append(options, opts...)
	sseServer := server.NewSSEServer(s.s, options...)
	ridge.Run(addr, "/", sseServer)
	return nil
}

func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.s)
}

func errorResult(format string, args ...any) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		IsError: true,
		Content: []mcp.Content{
			&mcp.TextContent{
				Type: "text",
				Text: fmt.Sprintf(format, args...),
			},
		},
	}
}

func newToolHandler(assistant *taxchat.Assistant) server.ToolHandlerFunc {
	return func(ctx context.Context, mcpReq mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var in AskInput
		if err := jsonutil.Remarshal(mcpReq.Params.Arguments, &in); err != nil {
			return errorResult("invalid arguments: %v", err), nil
		}
		if strings.TrimSpace(in.Question) == "" {
			return errorResult("question is required"), nil
		}
		w := taxchat.NewBatchResponseWriter()
		if err := assistant.Chat(ctx, in.Conversation(), w); err != nil {
			var be *taxchat.BackendError
			if errors.As(err, &be) && be.Throttled() {
				return errorResult("the model backend is throttled, retry later: %v", err), nil
			}
			return errorResult("failed to execute: %v", err), nil
		}
		resp := w.Response()
		return &mcp.CallToolResult{
			Result: mcp.Result{Meta: resp.Metadata},
			Content: []mcp.Content{
				&mcp.TextContent{
					Type: "text",
					Text: resp.String(),
				},
			},
		}, nil
	}
}

func newPromptHandler(assistant *taxchat.Assistant) server.PromptHandlerFunc {
	return func(_ context.Context, request mcp.GetPromptRequest) (*mcp.GetPromptResult, error) {
		text := assistant.SystemPrompt()
		if q := strings.TrimSpace(request.Params.Arguments["question"]); q != "" {
			text += "\n\n" + q
		}
		return &mcp.GetPromptResult{
			Description: "Indian taxation assistant",
			Messages: []mcp.PromptMessage{
				{
					Role: mcp.RoleUser,
					Content: &mcp.TextContent{
						Type: "text",
						Text: text,
					},
				},
			},
		}, nil
	}
}
