package crawl

import (
	"bytes"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
)

// ParseProducts splits a comma separated product list. Blank entries and
// duplicates are dropped, so "" and " , " both mean no products.
func ParseProducts(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		p = strings.TrimSpace(p)
		if p == "" || slices.Contains(out, p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// offeredProducts returns the products flagged true in a VBB products object,
// in the order the API sent them.
func offeredProducts(raw json.RawMessage) ([]string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, fmt.Errorf("products: expected object, got %v", tok)
	}
	var out []string
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		name, _ := tok.(string)
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("products: %s: %w", name, err)
		}
		if offered, ok := v.(bool); ok && offered {
			out = append(out, name)
		}
	}
	return out, nil
}

// offersAnyOf reports whether offered contains a product outside excluded.
func offersAnyOf(offered, excluded []string) bool {
	for _, p := range offered {
		if !slices.Contains(excluded, p) {
			return true
		}
	}
	return false
}
