package crawl

import (
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

var profileRe = regexp.MustCompile(`^[a-z]+(-[a-z]+)*$`)

// Directions queries openrouteservice for a route between every source and
// destination coordinate.
var Directions = &Job{
	Name:          "directions",
	Description:   "Driving directions for every source x destination pair (openrouteservice).",
	Columns:       []string{"lat", "lng"},
	Paired:        true,
	OutputColumns: []string{"type", "bbox", "geometry", "properties"},
	check:         checkDirections,
	request:       directionsRequest,
	annotate:      annotateDirections,
}

func checkDirections(p Params) error {
	if strings.TrimSpace(p.APIKey) == "" {
		return &ConfigurationError{Option: "api_key", Reason: "required for the directions job"}
	}
	if !profileRe.MatchString(p.Profile) {
		return &ConfigurationError{Option: "profile", Reason: fmt.Sprintf("invalid profile %q", p.Profile)}
	}
	return nil
}

func directionsRequest(p Params, src, dst Row) (string, map[string]string) {
	base := fmt.Sprintf("%s/v2/directions/%s?api_key=%s", p.ORSBaseURL, url.PathEscape(p.Profile), url.QueryEscape(p.APIKey))
	return base, map[string]string{
		"start": lngLat(src),
		"end":   lngLat(dst),
	}
}

func lngLat(r Row) string {
	return r.Get("lng") + "," + r.Get("lat")
}

// annotateDirections takes the first feature of the returned GeoJSON
// collection and attaches the originating rows to its properties.
func annotateDirections(_ Params, body []byte, d Descriptor) ([]Record, error) {
	var fc struct {
		Features []map[string]any `json:"features"`
	}
	if err := json.Unmarshal(body, &fc); err != nil {
		return nil, fmt.Errorf("decode feature collection: %w", err)
	}
	if len(fc.Features) == 0 || fc.Features[0] == nil {
		return nil, ErrNoRoute
	}
	feature := fc.Features[0]
	props, _ := feature["properties"].(map[string]any)
	if props == nil {
		props = make(map[string]any, 2)
	}
	props["source"] = d.Source
	props["destination"] = d.Destination
	feature["properties"] = props
	return []Record{Record(feature)}, nil
}
