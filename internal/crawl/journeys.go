package crawl

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Journeys queries VBB for public-transport journeys between every source
// and destination stop.
var Journeys = &Job{
	Name:          "journeys",
	Description:   "Transit journeys for every source x destination stop pair (VBB REST).",
	Columns:       []string{"stop_id"},
	Paired:        true,
	Products:      true,
	OutputColumns: []string{"type", "legs", "refreshToken", "price", "source", "destination"},
	check:         checkJourneys,
	request:       journeysRequest,
	annotate:      annotateJourneys,
}

func checkJourneys(p Params) error {
	if strings.TrimSpace(p.Departure) != "" && strings.TrimSpace(p.Arrival) != "" {
		return &ConfigurationError{Option: "departure/arrival", Reason: "mutually exclusive, set at most one"}
	}
	return nil
}

func journeysRequest(p Params, src, dst Row) (string, map[string]string) {
	q := map[string]string{
		"from":    src.Get("stop_id"),
		"to":      dst.Get("stop_id"),
		"tickets": "true",
	}
	if v := strings.TrimSpace(p.Departure); v != "" {
		q["departure"] = v
	} else if v := strings.TrimSpace(p.Arrival); v != "" {
		q["arrival"] = v
	}
	excludedFlags(q, p.ExcludedProducts)
	return p.VBBBaseURL + "/journeys", q
}

// annotateJourneys emits one record per journey. An empty journey list yields
// no records.
func annotateJourneys(_ Params, body []byte, d Descriptor) ([]Record, error) {
	var resp struct {
		Journeys []map[string]any `json:"journeys"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decode journeys: %w", err)
	}
	out := make([]Record, 0, len(resp.Journeys))
	for _, j := range resp.Journeys {
		if j == nil {
			continue
		}
		j["source"] = d.Source
		j["destination"] = d.Destination
		out = append(out, Record(j))
	}
	return out, nil
}
