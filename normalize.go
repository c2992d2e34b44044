package taxchat

import (
	"context"
	"io"
	"log/slog"
	"strings"
)

// Attachment is the file carried by the turn being answered.
type Attachment struct {
	Kind      BlockKind `json:"kind"`
	MediaType string    `json:"media_type"`
	Data      string    `json:"-"`
}

// NormalizedRequest is the backend-ready form of a conversation.
type NormalizedRequest struct {
	System     string      `json:"system"`
	Messages   []Turn      `json:"messages"`
	Attachment *Attachment `json:"attachment,omitempty"`
}

// Normalizer turns a client conversation into a NormalizedRequest.
// Earlier attachments are never retransmitted: only their captions are kept.
type Normalizer struct {
	system string
	logger *slog.Logger
}

func NewNormalizer(system string, logger *slog.Logger) *Normalizer {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Normalizer{system: system, logger: logger}
}

func (n *Normalizer) System() string {
	return n.system
}

func (n *Normalizer) Normalize(ctx context.Context, history Conversation) (*NormalizedRequest, error) {
	if len(history) == 0 {
		return nil, ErrEmptyConversation
	}
	last := len(history) - 1
	messages := make([]Turn, 0, len(history))
	for _, turn := range history[:last] {
		messages = append(messages, n.stripAttachments(ctx, turn))
	}
	current, attachment := n.extractAttachment(ctx, history[last])
	messages = append(messages, current)
	return &NormalizedRequest{
		System:     n.system,
		Messages:   messages,
		Attachment: attachment,
	}, nil
}

// validBlocks downgrades blocks that fail ValidateBlock to empty text.
func (n *Normalizer) validBlocks(ctx context.Context, blocks []ContentBlock) ([]ContentBlock, bool) {
	downgraded := false
	out := make([]ContentBlock, len(blocks))
	for i, b := range blocks {
		if err := ValidateBlock(b); err != nil {
			n.logger.DebugContext(ctx, "downgrade invalid block", "index", i, "details", err)
			out[i] = TextBlock{}
			downgraded = true
			continue
		}
		out[i] = b
	}
	return out, downgraded
}

func (n *Normalizer) stripAttachments(ctx context.Context, turn Turn) Turn {
	blocks, ok := DecodeBlocks(turn.Content)
	if !ok {
		return turn
	}
	_, downgraded := n.validBlocks(ctx, blocks)
	texts := make([]string, 0, len(blocks))
	for _, b := range blocks {
		if tb, ok := b.(TextBlock); ok {
			texts = append(texts, tb.Text)
		}
	}
	if len(texts) == 0 {
		if !downgraded {
			return turn
		}
		texts = append(texts, "")
	}
	return Turn{
		Role:    turn.Role,
		Content: TextContent(strings.Join(texts, "\n")),
	}
}

func (n *Normalizer) extractAttachment(ctx context.Context, turn Turn) (Turn, *Attachment) {
	decoded, ok := DecodeBlocks(turn.Content)
	if !ok {
		return turn, nil
	}
	blocks, downgraded := n.validBlocks(ctx, decoded)
	texts := make([]string, 0, len(blocks))
	var src *Source
	for i, b := range blocks {
		switch b := b.(type) {
		case TextBlock:
			if _, ok := decoded[i].(TextBlock); ok {
				texts = append(texts, b.Text)
			}
		case ImageBlock, DocumentBlock:
			s, _ := SourceOf(b)
			if src != nil {
				n.logger.DebugContext(ctx, "drop extra attachment", "kind", b.Kind(), "media_type", s.MediaType)
				continue
			}
			src = &s
		}
	}
	if src == nil {
		if downgraded {
			return Turn{Role: turn.Role, Content: BlockContent(blocks...)}, nil
		}
		return turn, nil
	}
	block := AttachmentBlock(*src)
	attachment := &Attachment{
		Kind:      block.Kind(),
		MediaType: src.MediaType,
		Data:      src.Data,
	}
	return Turn{
		Role: turn.Role,
		Content: BlockContent(
			TextBlock{Text: strings.Join(texts, "\n")},
			block,
		),
	}, attachment
}
