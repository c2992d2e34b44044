package taxchat

import (
	"bytes"
	"encoding/json"
	"errors"
	"slices"
	"strings"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

var (
	ErrInvalidMessageRole = errors.New("invalid message role")
	ErrEmptyConversation  = errors.New("conversation is empty")
)

func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	default:
		return false
	}
}

// Turn is one role-tagged entry of a conversation.
type Turn struct {
	Role    Role    `json:"role"`
	Content Content `json:"content"`
}

func UserTurn(text string) Turn {
	return Turn{Role: RoleUser, Content: TextContent(text)}
}

func AssistantTurn(text string) Turn {
	return Turn{Role: RoleAssistant, Content: TextContent(text)}
}

// Conversation is the chronological dialogue, owned by the client.
type Conversation []Turn

func (c Conversation) Last() (Turn, bool) {
	if len(c) == 0 {
		return Turn{}, false
	}
	return c[len(c)-1], true
}

// Content is either a plain string or an ordered sequence of content blocks.
type Content struct {
	text       string
	blocks     []ContentBlock
	structured bool
}

func TextContent(text string) Content {
	return Content{text: text}
}

func BlockContent(blocks ...ContentBlock) Content {
	return Content{blocks: slices.Clone(blocks), structured: true}
}

// IsBlocks reports whether the content was given as a block sequence.
func (c Content) IsBlocks() bool {
	return c.structured
}

// String returns the plain string form. It is empty for block content.
func (c Content) String() string {
	return c.text
}

func (c Content) Blocks() []ContentBlock {
	return slices.Clone(c.blocks)
}

// JoinedText concatenates text blocks in order, or returns the plain string.
func (c Content) JoinedText() string {
	if !c.structured {
		return c.text
	}
	texts := make([]string, 0, len(c.blocks))
	for _, b := range c.blocks {
		if tb, ok := b.(TextBlock); ok {
			texts = append(texts, tb.Text)
		}
	}
	return strings.Join(texts, "\n")
}

func (c Content) MarshalJSON() ([]byte, error) {
	if !c.structured {
		return json.Marshal(c.text)
	}
	blocks := c.blocks
	if blocks == nil {
		blocks = []ContentBlock{}
	}
	return json.Marshal(blocks)
}

// UnmarshalJSON accepts a string or an array of blocks. Anything else is
// downgraded to the plain text of its raw JSON, null to the empty string.
func (c *Content) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	*c = Content{}
	if len(trimmed) == 0 {
		return nil
	}
	switch trimmed[0] {
	case '"':
		return json.Unmarshal(trimmed, &c.text)
	case '[':
		var raws []json.RawMessage
		if err := json.Unmarshal(trimmed, &raws); err != nil {
			return err
		}
		c.structured = true
		c.blocks = make([]ContentBlock, 0, len(raws))
		for _, raw := range raws {
			c.blocks = append(c.blocks, decodeBlockLenient(raw))
		}
		return nil
	case 'n':
		return nil
	default:
		c.text = string(trimmed)
		return nil
	}
}
