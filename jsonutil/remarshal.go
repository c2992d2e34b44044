package jsonutil

import (
	"encoding/json"
	"fmt"
)

// Remarshal copies src into dst through its JSON form, so loosely typed
// values such as tool arguments or model params land in typed structs.
// A nil src leaves dst untouched.
func Remarshal(src, dst any) error {
	if src == nil {
		return nil
	}
	bs, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("marshal %T: %w", src, err)
	}
	if err := json.Unmarshal(bs, dst); err != nil {
		return fmt.Errorf("unmarshal into %T: %w", dst, err)
	}
	return nil
}
