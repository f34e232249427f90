package crawl

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// StopFields are the columns stop lookups add to each source row. A lookup
// miss sets all of them to null.
var StopFields = []string{
	"stop_id",
	"stop_name",
	"stop_lat",
	"stop_lng",
	"stop_distance",
	"stop_duration",
	"stop_products",
}

// StopsByAddress resolves the stop reachable first from each source address.
var StopsByAddress = &Job{
	Name:          "stops-by-address",
	Description:   "Closest reachable stop for every source address (VBB REST).",
	Columns:       []string{"lat", "lng", "address"},
	Products:      true,
	OutputColumns: StopFields,
	request:       stopsByAddressRequest,
	annotate:      annotateStopsByAddress,
}

// StopsByRadius resolves the nearest stop serving a non-excluded product for
// each source coordinate.
var StopsByRadius = &Job{
	Name:          "stops-by-radius",
	Description:   "Nearest stop with a non-excluded product for every source coordinate (VBB REST).",
	Columns:       []string{"lat", "lng"},
	Products:      true,
	OutputColumns: StopFields,
	request:       stopsByRadiusRequest,
	annotate:      annotateStopsByRadius,
}

type vbbStop struct {
	ID       any             `json:"id"`
	Name     any             `json:"name"`
	Products json.RawMessage `json:"products"`
	Distance any             `json:"distance"`
	Location struct {
		Latitude  any `json:"latitude"`
		Longitude any `json:"longitude"`
	} `json:"location"`
}

func stopsByAddressRequest(p Params, src, _ Row) (string, map[string]string) {
	q := map[string]string{
		"address":   src.Get("address"),
		"latitude":  src.Get("lat"),
		"longitude": src.Get("lng"),
	}
	excludedFlags(q, p.ExcludedProducts)
	return p.VBBBaseURL + "/stops/reachable-from", q
}

func stopsByRadiusRequest(p Params, src, _ Row) (string, map[string]string) {
	return p.VBBBaseURL + "/stops/nearby", map[string]string{
		"latitude":  src.Get("lat"),
		"longitude": src.Get("lng"),
		"results":   strconv.Itoa(RadiusResults),
	}
}

// annotateStopsByAddress picks the first station of the first non-empty
// duration bucket. Excluded products only reach the API as query flags.
func annotateStopsByAddress(_ Params, body []byte, d Descriptor) ([]Record, error) {
	var buckets []struct {
		Duration any       `json:"duration"`
		Stations []vbbStop `json:"stations"`
	}
	if err := json.Unmarshal(body, &buckets); err != nil {
		return nil, fmt.Errorf("decode reachable stops: %w", err)
	}
	for _, b := range buckets {
		if len(b.Stations) == 0 {
			continue
		}
		s := b.Stations[0]
		offered, err := offeredProducts(s.Products)
		if err != nil {
			return nil, err
		}
		return []Record{stopRecord(d.Source, s, offered, nil, b.Duration)}, nil
	}
	return []Record{absentStop(d.Source)}, nil
}

// annotateStopsByRadius picks the first stop, in API (distance) order, that
// offers at least one product outside the exclusion list.
func annotateStopsByRadius(p Params, body []byte, d Descriptor) ([]Record, error) {
	var stops []vbbStop
	if err := json.Unmarshal(body, &stops); err != nil {
		return nil, fmt.Errorf("decode nearby stops: %w", err)
	}
	for _, s := range stops {
		offered, err := offeredProducts(s.Products)
		if err != nil {
			return nil, err
		}
		if offersAnyOf(offered, p.ExcludedProducts) {
			return []Record{stopRecord(d.Source, s, offered, s.Distance, nil)}, nil
		}
	}
	return []Record{absentStop(d.Source)}, nil
}

func stopRecord(src Row, s vbbStop, offered []string, distance, duration any) Record {
	rec := src.Record(len(StopFields))
	rec["stop_id"] = s.ID
	rec["stop_name"] = s.Name
	rec["stop_lat"] = s.Location.Latitude
	rec["stop_lng"] = s.Location.Longitude
	rec["stop_distance"] = distance
	rec["stop_duration"] = duration
	rec["stop_products"] = strings.Join(offered, ",")
	return rec
}

func absentStop(src Row) Record {
	rec := src.Record(len(StopFields))
	for _, f := range StopFields {
		rec[f] = nil
	}
	return rec
}
