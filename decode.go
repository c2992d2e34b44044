package taxchat

import (
	"bytes"
	"encoding/json"
)

// DecodeBlocks returns the block sequence carried by c. Block content is
// returned as is; a string is decoded when it is a JSON array whose every
// element is a well-formed block. ok is false for plain text.
func DecodeBlocks(c Content) (blocks []ContentBlock, ok bool) {
	if c.IsBlocks() {
		return c.Blocks(), true
	}
	return decodeSerializedBlocks(c.String())
}

func decodeSerializedBlocks(s string) ([]ContentBlock, bool) {
	data := bytes.TrimSpace([]byte(s))
	if len(data) < 2 || data[0] != '[' {
		return nil, false
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, false
	}
	if len(raws) == 0 {
		return nil, false
	}
	blocks := make([]ContentBlock, 0, len(raws))
	for _, raw := range raws {
		b, err := parseBlock(raw)
		if err != nil {
			return nil, false
		}
		blocks = append(blocks, b)
	}
	return blocks, true
}
