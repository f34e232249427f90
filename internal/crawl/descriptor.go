package crawl

import (
	"fmt"
	"net/url"
)

// Descriptor is one planned outbound GET together with the input rows that
// produced it. Destination is nil for single-sided jobs.
type Descriptor struct {
	Job         string
	Seq         int
	BaseURL     string
	Query       map[string]string
	Source      Row
	Destination Row
}

// URL renders the full request URL. Query parameters already present on
// BaseURL are kept; keys are encoded in sorted order.
func (d Descriptor) URL() (string, error) {
	u, err := url.Parse(d.BaseURL)
	if err != nil {
		return "", fmt.Errorf("parse base url: %w", err)
	}
	q := u.Query()
	for k, v := range d.Query {
		q.Set(k, v)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
