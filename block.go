package taxchat

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

type BlockKind string

const (
	BlockKindText     BlockKind = "text"
	BlockKindImage    BlockKind = "image"
	BlockKindDocument BlockKind = "document"
)

const SourceEncodingBase64 = "base64"

var (
	ErrInvalidBlock = errors.New("invalid content block")
)

// ContentBlock is one typed unit of a turn's content.
// The set of implementations is closed: TextBlock, ImageBlock and DocumentBlock.
type ContentBlock interface {
	Kind() BlockKind
	contentBlock()
}

type TextBlock struct {
	Text string
}

func (TextBlock) Kind() BlockKind { return BlockKindText }
func (TextBlock) contentBlock()   {}

func (b TextBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireBlock{Type: BlockKindText, Text: &b.Text})
}

type ImageBlock struct {
	Source Source
}

func (ImageBlock) Kind() BlockKind { return BlockKindImage }
func (ImageBlock) contentBlock()   {}

func (b ImageBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireBlock{Type: BlockKindImage, Source: &b.Source})
}

type DocumentBlock struct {
	Source Source
}

func (DocumentBlock) Kind() BlockKind { return BlockKindDocument }
func (DocumentBlock) contentBlock()   {}

func (b DocumentBlock) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireBlock{Type: BlockKindDocument, Source: &b.Source})
}

// Source is an inlined binary payload.
type Source struct {
	Encoding  string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

func Base64Source(mediaType string, data []byte) Source {
	return Source{
		Encoding:  SourceEncodingBase64,
		MediaType: mediaType,
		Data:      base64.StdEncoding.EncodeToString(data),
	}
}

func (s Source) Bytes() ([]byte, error) {
	if s.Encoding != SourceEncodingBase64 {
		return nil, fmt.Errorf("%w: unsupported source encoding %q", ErrInvalidBlock, s.Encoding)
	}
	bs, err := base64.StdEncoding.DecodeString(s.Data)
	if err != nil {
		return nil, fmt.Errorf("%w: decode base64 data: %w", ErrInvalidBlock, err)
	}
	return bs, nil
}

func (s Source) Validate() error {
	if s.MediaType == "" {
		return fmt.Errorf("%w: media type is empty", ErrInvalidBlock)
	}
	_, err := s.Bytes()
	return err
}

// AttachmentBlock returns an image block for image/* media types, otherwise a document block.
func AttachmentBlock(src Source) ContentBlock {
	if isImageMediaType(src.MediaType) {
		return ImageBlock{Source: src}
	}
	return DocumentBlock{Source: src}
}

func isImageMediaType(mediaType string) bool {
	return strings.HasPrefix(strings.ToLower(mediaType), "image/")
}

func ValidateBlock(b ContentBlock) error {
	switch b := b.(type) {
	case TextBlock:
		return nil
	case ImageBlock:
		return b.Source.Validate()
	case DocumentBlock:
		return b.Source.Validate()
	case nil:
		return fmt.Errorf("%w: nil block", ErrInvalidBlock)
	default:
		return fmt.Errorf("%w: unknown block %T", ErrInvalidBlock, b)
	}
}

func SourceOf(b ContentBlock) (Source, bool) {
	switch b := b.(type) {
	case ImageBlock:
		return b.Source, true
	case DocumentBlock:
		return b.Source, true
	default:
		return Source{}, false
	}
}

type wireBlock struct {
	Type   BlockKind `json:"type"`
	Text   *string   `json:"text,omitempty"`
	Source *Source   `json:"source,omitempty"`
}

// parseBlock decodes one wire block strictly: the kind must be known and the
// payload must match it.
func parseBlock(raw json.RawMessage) (ContentBlock, error) {
	var w wireBlock
	if err := json.Unmarshal(raw, &w); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidBlock, err)
	}
	switch w.Type {
	case BlockKindText:
		if w.Text == nil || w.Source != nil {
			return nil, fmt.Errorf("%w: text block requires text and no source", ErrInvalidBlock)
		}
		return TextBlock{Text: *w.Text}, nil
	case BlockKindImage, BlockKindDocument:
		if w.Source == nil {
			return nil, fmt.Errorf("%w: %s block requires source", ErrInvalidBlock, w.Type)
		}
		var b ContentBlock = DocumentBlock{Source: *w.Source}
		if w.Type == BlockKindImage {
			b = ImageBlock{Source: *w.Source}
		}
		if err := ValidateBlock(b); err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, fmt.Errorf("%w: unknown block type %q", ErrInvalidBlock, w.Type)
	}
}

// decodeBlockLenient never fails: malformed blocks become empty text.
func decodeBlockLenient(raw json.RawMessage) ContentBlock {
	b, err := parseBlock(raw)
	if err != nil {
		return TextBlock{}
	}
	return b
}
