package openai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"mime"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/mashiike/taxchat"
	"github.com/mashiike/taxchat/jsonutil"
	"github.com/mashiike/taxchat/metadata"
	"github.com/sashabaranov/go-openai"
)

const ProviderName = "openai"

func init() {
	err := taxchat.RegisterModelProvider(ProviderName, func(_ context.Context, opts taxchat.ProviderOptions) (taxchat.ModelProvider, error) {
		return New(opts), nil
	})
	if err != nil {
		panic(fmt.Sprintf("failed to register model provider %s: %v", ProviderName, err))
	}
}

type OpenAIClient interface {
	CreateChatCompletionStream(ctx context.Context, request openai.ChatCompletionRequest) (*openai.ChatCompletionStream, error)
}

type ModelProvider struct {
	init    sync.Once
	opts    taxchat.ProviderOptions
	client  OpenAIClient
	initErr error
	logger  *slog.Logger
}

// New returns a provider whose client is created on first use, so a missing
// API key fails the request rather than process start.
func New(opts taxchat.ProviderOptions) *ModelProvider {
	p := &ModelProvider{
		opts:   opts,
		logger: opts.Logger,
	}
	if p.logger == nil {
		p.logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return p
}

func NewWithClient(client OpenAIClient) *ModelProvider {
	p := New(taxchat.ProviderOptions{})
	p.client = client
	return p
}

func (p *ModelProvider) initClient() error {
	p.init.Do(func() {
		if p.client != nil {
			return
		}
		apiKey := p.opts.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("OPENAI_API_KEY")
		}
		if apiKey == "" {
			p.initErr = errors.New("missing OPENAI_API_KEY")
			return
		}
		cfg := openai.DefaultConfig(apiKey)
		if p.opts.BaseURL != "" {
			cfg.BaseURL = p.opts.BaseURL
		}
		p.client = openai.NewClientWithConfig(cfg)
	})
	return p.initErr
}

func (p *ModelProvider) ConverseStream(ctx context.Context, req *taxchat.ConverseRequest) (taxchat.EventStream, error) {
	if err := p.initClient(); err != nil {
		return nil, fmt.Errorf("failed to create openai client: %w", err)
	}
	chatReq, err := buildRequest(req)
	if err != nil {
		return nil, fmt.Errorf("build chat completion request: %w", err)
	}
	p.logger.DebugContext(ctx, "call chat completion stream", "model_id", chatReq.Model, "messages", len(chatReq.Messages))
	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, wrapError(err)
	}
	return func(yield func(taxchat.StreamEvent, error) bool) {
		defer stream.Close()
		if !yield(taxchat.StreamEvent{Kind: taxchat.EventMessageStart}, nil) {
			return
		}
		var stop *taxchat.StreamEvent
		for {
			chunk, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				yield(taxchat.StreamEvent{}, wrapError(err))
				return
			}
			for _, ev := range convertChunk(chunk) {
				if ev.Kind == taxchat.EventMessageStop {
					stop = &ev
					continue
				}
				if !yield(ev, nil) {
					return
				}
			}
		}
		if stop == nil {
			ev := taxchat.MessageStop(taxchat.FinishReasonEndTurn)
			stop = &ev
		}
		yield(*stop, nil)
	}, nil
}

func buildRequest(req *taxchat.ConverseRequest) (openai.ChatCompletionRequest, error) {
	var chatReq openai.ChatCompletionRequest
	if req == nil || req.NormalizedRequest == nil {
		return chatReq, errors.New("request is nil")
	}
	if len(req.ModelParams) > 0 {
		params := make(map[string]any, len(req.ModelParams))
		maps.Copy(params, req.ModelParams)
		if v, ok := params["stop_sequences"]; ok {
			params["stop"] = v
			delete(params, "stop_sequences")
		}
		if err := jsonutil.Remarshal(params, &chatReq); err != nil {
			return chatReq, fmt.Errorf("remarshal model params: %w", err)
		}
	}
	chatReq.Model = req.ModelID
	chatReq.Stream = true
	chatReq.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	chatReq.Messages = chatReq.Messages[:0]
	if strings.TrimSpace(req.System) != "" {
		chatReq.Messages = append(chatReq.Messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, turn := range req.Messages {
		msg, err := convertTurn(turn)
		if err != nil {
			return chatReq, err
		}
		chatReq.Messages = append(chatReq.Messages, msg)
	}
	return chatReq, nil
}

func convertTurn(turn taxchat.Turn) (openai.ChatCompletionMessage, error) {
	var msg openai.ChatCompletionMessage
	switch turn.Role {
	case taxchat.RoleUser:
		msg.Role = openai.ChatMessageRoleUser
	case taxchat.RoleAssistant:
		msg.Role = openai.ChatMessageRoleAssistant
	case taxchat.RoleSystem:
		msg.Role = openai.ChatMessageRoleSystem
	default:
		return msg, fmt.Errorf("%w: %q", taxchat.ErrInvalidMessageRole, turn.Role)
	}
	if !turn.Content.IsBlocks() {
		msg.Content = turn.Content.String()
		return msg, nil
	}
	if turn.Role != taxchat.RoleUser {
		msg.Content = turn.Content.JoinedText()
		return msg, nil
	}
	for _, b := range turn.Content.Blocks() {
		part, ok, err := convertBlock(b)
		if err != nil {
			return msg, err
		}
		if ok {
			msg.MultiContent = append(msg.MultiContent, part)
		}
	}
	if len(msg.MultiContent) == 0 {
		msg.Content = turn.Content.JoinedText()
	}
	return msg, nil
}

var imageMediaTypes = map[string]bool{
	"image/jpeg": true,
	"image/png":  true,
	"image/gif":  true,
	"image/webp": true,
}

func convertBlock(b taxchat.ContentBlock) (openai.ChatMessagePart, bool, error) {
	switch b := b.(type) {
	case taxchat.TextBlock:
		if strings.TrimSpace(b.Text) == "" {
			return openai.ChatMessagePart{}, false, nil
		}
		return textPart(b.Text), true, nil
	case taxchat.ImageBlock:
		mediaType := parseMediaType(b.Source.MediaType)
		if !imageMediaTypes[mediaType] {
			return textPart(taxchat.UnsupportedAttachmentNote(mediaType)), true, nil
		}
		if err := b.Source.Validate(); err != nil {
			return openai.ChatMessagePart{}, false, err
		}
		return openai.ChatMessagePart{
			Type: openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{
				URL:    fmt.Sprintf("data:%s;base64,%s", mediaType, b.Source.Data),
				Detail: openai.ImageURLDetailAuto,
			},
		}, true, nil
	case taxchat.DocumentBlock:
		mediaType := parseMediaType(b.Source.MediaType)
		if !strings.HasPrefix(mediaType, "text/") {
			return textPart(taxchat.UnsupportedAttachmentNote(mediaType)), true, nil
		}
		data, err := b.Source.Bytes()
		if err != nil {
			return openai.ChatMessagePart{}, false, err
		}
		return textPart(string(data)), true, nil
	default:
		return openai.ChatMessagePart{}, false, fmt.Errorf("unsupported content block: %T", b)
	}
}

func textPart(text string) openai.ChatMessagePart {
	return openai.ChatMessagePart{
		Type: openai.ChatMessagePartTypeText,
		Text: text,
	}
}

func parseMediaType(s string) string {
	mediaType, _, err := mime.ParseMediaType(s)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return mediaType
}

func convertChunk(chunk openai.ChatCompletionStreamResponse) []taxchat.StreamEvent {
	var events []taxchat.StreamEvent
	for _, choice := range chunk.Choices {
		if choice.Index != 0 {
			continue
		}
		if choice.Delta.Content != "" {
			events = append(events, taxchat.ContentDelta(choice.Delta.Content))
		}
		if choice.FinishReason != "" {
			events = append(events, taxchat.MessageStop(convertFinishReason(choice.FinishReason)))
		}
	}
	if chunk.Usage != nil {
		m := make(metadata.Metadata)
		m.SetString(metadata.KeyProvider, ProviderName)
		if chunk.Model != "" {
			m.SetString(metadata.KeyModelID, chunk.Model)
		}
		metadata.SetUsage(m,
			int64(chunk.Usage.PromptTokens),
			int64(chunk.Usage.CompletionTokens),
			int64(chunk.Usage.TotalTokens),
		)
		events = append(events, taxchat.StreamEvent{Kind: taxchat.EventMetadata, Metadata: m})
	}
	return events
}

func convertFinishReason(reason openai.FinishReason) taxchat.FinishReason {
	switch reason {
	case openai.FinishReasonLength:
		return taxchat.FinishReasonMaxTokens
	case openai.FinishReasonContentFilter:
		return taxchat.FinishReasonContentFiltered
	default:
		return taxchat.FinishReasonEndTurn
	}
}

func wrapError(err error) error {
	be := &taxchat.BackendError{
		Provider: ProviderName,
		Err:      fmt.Errorf("chat completion stream: %w", err),
	}
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		be.StatusCode = apiErr.HTTPStatusCode
		if apiErr.Type != "" {
			be.Code = apiErr.Type
		}
	case errors.As(err, &reqErr):
		be.StatusCode = reqErr.HTTPStatusCode
	}
	if be.StatusCode == 0 {
		be.StatusCode = http.StatusInternalServerError
	}
	return be
}
