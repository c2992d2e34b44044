package taxchat_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/mashiike/taxchat"
	"github.com/stretchr/testify/require"
)

func TestContentUnmarshalJSON(t *testing.T) {
	pdf := taxchat.Base64Source("application/pdf", []byte("%PDF-1.7"))
	cases := []struct {
		name   string
		input  string
		expect taxchat.Content
	}{
		{
			name:   "string",
			input:  `"What is the new regime rebate?"`,
			expect: taxchat.TextContent("What is the new regime rebate?"),
		},
		{
			name:   "null",
			input:  `null`,
			expect: taxchat.TextContent(""),
		},
		{
			name:   "number",
			input:  `42`,
			expect: taxchat.TextContent("42"),
		},
		{
			name:   "object",
			input:  `{"text":"hi"}`,
			expect: taxchat.TextContent(`{"text":"hi"}`),
		},
		{
			name:  "blocks",
			input: `[{"type":"text","text":"my form 16"},{"type":"document","source":{"type":"base64","media_type":"application/pdf","data":"` + pdf.Data + `"}}]`,
			expect: taxchat.BlockContent(
				taxchat.TextBlock{Text: "my form 16"},
				taxchat.DocumentBlock{Source: pdf},
			),
		},
		{
			name:  "malformed blocks are downgraded",
			input: `[{"type":"video","url":"x"},{"type":"image"},{"type":"image","source":{"type":"base64","media_type":"image/png","data":"!!"}},{"type":"text","text":"ok"}]`,
			expect: taxchat.BlockContent(
				taxchat.TextBlock{},
				taxchat.TextBlock{},
				taxchat.TextBlock{},
				taxchat.TextBlock{Text: "ok"},
			),
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var actual taxchat.Content
			require.NoError(t, json.Unmarshal([]byte(c.input), &actual))
			require.Equal(t, c.expect, actual)
		})
	}
}

func TestContentMarshalJSON(t *testing.T) {
	png := taxchat.Base64Source("image/png", []byte{0x89, 'P', 'N', 'G'})
	turn := taxchat.Turn{
		Role: taxchat.RoleUser,
		Content: taxchat.BlockContent(
			taxchat.TextBlock{Text: "receipt"},
			taxchat.ImageBlock{Source: png},
		),
	}
	bs, err := json.Marshal(turn)
	require.NoError(t, err)
	require.JSONEq(t, `{
		"role": "user",
		"content": [
			{"type": "text", "text": "receipt"},
			{"type": "image", "source": {"type": "base64", "media_type": "image/png", "data": "iVBORw=="}}
		]
	}`, string(bs))

	bs, err = json.Marshal(taxchat.UserTurn("hello"))
	require.NoError(t, err)
	require.JSONEq(t, `{"role":"user","content":"hello"}`, string(bs))
}

func TestValidateBlock(t *testing.T) {
	require.NoError(t, taxchat.ValidateBlock(taxchat.TextBlock{Text: ""}))
	require.NoError(t, taxchat.ValidateBlock(taxchat.ImageBlock{Source: taxchat.Base64Source("image/jpeg", []byte("x"))}))

	err := taxchat.ValidateBlock(taxchat.DocumentBlock{Source: taxchat.Source{Encoding: "url", MediaType: "application/pdf", Data: "https://example.com/a.pdf"}})
	require.True(t, errors.Is(err, taxchat.ErrInvalidBlock))

	err = taxchat.ValidateBlock(taxchat.DocumentBlock{Source: taxchat.Source{Encoding: "base64", Data: "AAAA"}})
	require.True(t, errors.Is(err, taxchat.ErrInvalidBlock))

	err = taxchat.ValidateBlock(nil)
	require.True(t, errors.Is(err, taxchat.ErrInvalidBlock))
}

func TestAttachmentBlock(t *testing.T) {
	require.Equal(t, taxchat.BlockKindImage, taxchat.AttachmentBlock(taxchat.Source{MediaType: "image/webp"}).Kind())
	require.Equal(t, taxchat.BlockKindImage, taxchat.AttachmentBlock(taxchat.Source{MediaType: "IMAGE/PNG"}).Kind())
	require.Equal(t, taxchat.BlockKindDocument, taxchat.AttachmentBlock(taxchat.Source{MediaType: "application/pdf"}).Kind())
	require.Equal(t, taxchat.BlockKindDocument, taxchat.AttachmentBlock(taxchat.Source{MediaType: "text/csv"}).Kind())
}

func TestDecodeBlocks(t *testing.T) {
	cases := []struct {
		name   string
		input  taxchat.Content
		ok     bool
		expect []taxchat.ContentBlock
	}{
		{
			name:  "plain text",
			input: taxchat.TextContent("How much tax on 12 lakh?"),
		},
		{
			name:  "broken json",
			input: taxchat.TextContent(`[{"type":"text","text":"unterminated"`),
		},
		{
			name:  "empty array",
			input: taxchat.TextContent(`[]`),
		},
		{
			name:  "array of numbers",
			input: taxchat.TextContent(`[1,2,3]`),
		},
		{
			name:  "unknown kind",
			input: taxchat.TextContent(`[{"type":"audio","text":"x"}]`),
		},
		{
			name:   "serialized blocks",
			input:  taxchat.TextContent(` [{"type":"text","text":"hello"}] `),
			ok:     true,
			expect: []taxchat.ContentBlock{taxchat.TextBlock{Text: "hello"}},
		},
		{
			name:   "structured",
			input:  taxchat.BlockContent(taxchat.TextBlock{Text: "hi"}),
			ok:     true,
			expect: []taxchat.ContentBlock{taxchat.TextBlock{Text: "hi"}},
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			blocks, ok := taxchat.DecodeBlocks(c.input)
			require.Equal(t, c.ok, ok)
			require.Equal(t, c.expect, blocks)
		})
	}
}
