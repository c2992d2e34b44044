package taxchat

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/mashiike/taxchat/metadata"
)

// Assistant answers one conversation per call. It holds no per-request state
// and is safe for concurrent use.
type Assistant struct {
	provider     ModelProvider
	providerName string
	modelID      string
	modelParams  map[string]any
	normalizer   *Normalizer
	logger       *slog.Logger
}

type AssistantOptions struct {
	ProviderName string
	ModelID      string
	ModelParams  map[string]any
	SystemPrompt string
	Logger       *slog.Logger
}

func NewAssistant(provider ModelProvider, opts AssistantOptions) (*Assistant, error) {
	if provider == nil {
		return nil, errors.New("model provider is nil")
	}
	if opts.ModelID == "" {
		return nil, errors.New("model id is empty")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Assistant{
		provider:     provider,
		providerName: opts.ProviderName,
		modelID:      opts.ModelID,
		modelParams:  opts.ModelParams,
		normalizer:   NewNormalizer(opts.SystemPrompt, logger),
		logger:       logger,
	}, nil
}

func (a *Assistant) SystemPrompt() string {
	return a.normalizer.System()
}

// Prepare normalizes conv into the request sent to the backend.
func (a *Assistant) Prepare(ctx context.Context, conv Conversation) (*ConverseRequest, error) {
	normalized, err := a.normalizer.Normalize(ctx, conv)
	if err != nil {
		return nil, err
	}
	return &ConverseRequest{
		ModelID:           a.modelID,
		ModelParams:       a.modelParams,
		NormalizedRequest: normalized,
	}, nil
}

// Chat streams the reply to conv into w.
func (a *Assistant) Chat(ctx context.Context, conv Conversation, w ResponseWriter) error {
	req, err := a.Prepare(ctx, conv)
	if err != nil {
		return err
	}
	return a.Converse(ctx, req, w)
}

// Converse calls the backend with an already prepared request.
func (a *Assistant) Converse(ctx context.Context, req *ConverseRequest, w ResponseWriter) error {
	if req.Attachment != nil {
		a.logger.InfoContext(ctx, "attachment classified", "kind", req.Attachment.Kind, "media_type", req.Attachment.MediaType)
	}
	m := w.Metadata()
	if a.providerName != "" {
		m.SetString(metadata.KeyProvider, a.providerName)
	}
	m.SetString(metadata.KeyModelID, a.modelID)
	a.logger.DebugContext(ctx, "converse", "model_id", a.modelID, "messages", len(req.Messages))
	events, err := a.provider.ConverseStream(ctx, req)
	if err != nil {
		return fmt.Errorf("converse stream: %w", err)
	}
	if err := Adapt(ctx, events, w); err != nil {
		return fmt.Errorf("adapt stream: %w", err)
	}
	in, _ := metadata.GetInputTokens(m)
	out, _ := metadata.GetOutputTokens(m)
	a.logger.InfoContext(ctx, "converse finished",
		"finish_reason", m.GetString(metadata.KeyFinishReason),
		"input_tokens", in,
		"output_tokens", out,
	)
	return nil
}
