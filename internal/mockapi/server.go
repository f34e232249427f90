// Package mockapi serves a small, deterministic imitation of the
// openrouteservice directions endpoint and the VBB REST endpoints used by
// the crawl jobs. It backs the end-to-end tests and the mock-api command.
package mockapi

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// Call records a request made to the mock service.
type Call struct {
	Method string
	Path   string
	Query  url.Values
}

// Stop is a fixture station.
type Stop struct {
	ID       string
	Name     string
	Lat      float64
	Lng      float64
	Products []string
}

// ProductOrder is the key order of VBB products objects.
var ProductOrder = []string{"suburban", "subway", "tram", "bus", "ferry", "express", "regional"}

// DefaultStops is a handful of central Berlin stations.
var DefaultStops = []Stop{
	{ID: "900000100003", Name: "S+U Alexanderplatz", Lat: 52.521508, Lng: 13.411267, Products: []string{"suburban", "subway", "tram", "bus", "regional"}},
	{ID: "900000100026", Name: "Memhardstr.", Lat: 52.523899, Lng: 13.409370, Products: []string{"bus"}},
	{ID: "900000100001", Name: "S+U Friedrichstr.", Lat: 52.520268, Lng: 13.386448, Products: []string{"suburban", "subway", "tram", "bus", "regional"}},
	{ID: "900000003201", Name: "S+U Berlin Hauptbahnhof", Lat: 52.525847, Lng: 13.368924, Products: []string{"suburban", "subway", "tram", "bus", "express", "regional"}},
}

const (
	// MaxReach bounds stop lookups. Coordinates farther than this from every
	// fixture stop get an empty answer.
	MaxReach = 5000.0

	walkingMetersPerMinute = 80.0
	defaultNearbyResults   = 8
)

type failure struct {
	status    int
	remaining int
}

// Server implements the mocked API surface.
type Server struct {
	stops []Stop

	mu       sync.Mutex
	calls    []Call
	apiKey   string
	failures map[string]*failure
}

// New constructs a mock server over the given stops (DefaultStops if nil).
func New(stops []Stop) *Server {
	if stops == nil {
		stops = DefaultStops
	}
	return &Server{
		stops:    stops,
		failures: make(map[string]*failure),
	}
}

// RequireAPIKey makes the directions endpoint reject requests whose api_key
// query parameter differs from key. An empty key disables the check.
func (s *Server) RequireAPIKey(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiKey = strings.TrimSpace(key)
}

// FailNext makes the next n requests to path answer with status.
func (s *Server) FailNext(path string, status, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[path] = &failure{status: status, remaining: n}
}

// Handler returns an http.Handler that serves the mock API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v2/directions/{profile}", s.handleDirections)
	mux.HandleFunc("GET /journeys", s.handleJourneys)
	mux.HandleFunc("GET /stops/nearby", s.handleNearby)
	mux.HandleFunc("GET /stops/reachable-from", s.handleReachableFrom)
	return s.record(mux)
}

// Calls returns a snapshot of calls made to the server.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Call, len(s.calls))
	copy(out, s.calls)
	return out
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, Call{Method: r.Method, Path: r.URL.Path, Query: r.URL.Query()})
		f := s.failures[r.URL.Path]
		status := 0
		if f != nil && f.remaining > 0 {
			f.remaining--
			status = f.status
		}
		s.mu.Unlock()

		if status != 0 {
			writeJSON(w, status, map[string]any{"message": fmt.Sprintf("injected failure (%d)", status)})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleDirections(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	s.mu.Lock()
	want := s.apiKey
	s.mu.Unlock()
	if want != "" && q.Get("api_key") != want {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error": map[string]any{"code": 403, "message": "Access to this API has been disallowed"},
		})
		return
	}

	start, err := parseLngLat(q.Get("start"))
	if err != nil {
		writeORSError(w, "start", err)
		return
	}
	end, err := parseLngLat(q.Get("end"))
	if err != nil {
		writeORSError(w, "end", err)
		return
	}

	features := []any{}
	// Null Island is unroutable.
	if start != [2]float64{} && end != [2]float64{} {
		dist := haversine(start[1], start[0], end[1], end[0])
		features = append(features, map[string]any{
			"type": "Feature",
			"bbox": []float64{
				math.Min(start[0], end[0]), math.Min(start[1], end[1]),
				math.Max(start[0], end[0]), math.Max(start[1], end[1]),
			},
			"geometry": map[string]any{
				"type":        "LineString",
				"coordinates": [][2]float64{start, end},
			},
			"properties": map[string]any{
				"summary": map[string]any{
					"distance": round1(dist),
					"duration": round1(dist / 13.9),
				},
				"way_points": []int{0, 1},
			},
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"type":     "FeatureCollection",
		"features": features,
		"metadata": map[string]any{"service": "routing", "query": map[string]any{"profile": r.PathValue("profile")}},
	})
}

func (s *Server) handleJourneys(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, ok := s.stop(q.Get("from"))
	if !ok {
		writeVBBError(w, http.StatusBadRequest, "from: unknown stop "+strconv.Quote(q.Get("from")))
		return
	}
	to, ok := s.stop(q.Get("to"))
	if !ok {
		writeVBBError(w, http.StatusBadRequest, "to: unknown stop "+strconv.Quote(q.Get("to")))
		return
	}
	if q.Has("departure") && q.Has("arrival") {
		writeVBBError(w, http.StatusBadRequest, "departure and arrival are mutually exclusive")
		return
	}

	journeys := []any{}
	if from.ID != to.ID {
		when := firstNonEmpty(q.Get("departure"), q.Get("arrival"), "2024-01-01T08:00:00+01:00")
		minutes := int(math.Ceil(haversine(from.Lat, from.Lng, to.Lat, to.Lng) / 500))
		for _, product := range sharedProducts(from, to) {
			if excluded(q, product) {
				continue
			}
			j := map[string]any{
				"type": "journey",
				"legs": []any{map[string]any{
					"origin":      stopJSON(from),
					"destination": stopJSON(to),
					"departure":   when,
					"line":        map[string]any{"type": "line", "product": product, "mode": modeOf(product)},
					"minutes":     minutes,
				}},
				"refreshToken": fmt.Sprintf("%s|%s|%s", from.ID, to.ID, product),
			}
			if q.Get("tickets") == "true" {
				j["price"] = map[string]any{"amount": 3.5, "currency": "EUR"}
			}
			journeys = append(journeys, j)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"journeys": journeys})
}

type ranked struct {
	stop     Stop
	distance float64
}

func (s *Server) rank(lat, lng float64) []ranked {
	var out []ranked
	for _, st := range s.stops {
		d := haversine(lat, lng, st.Lat, st.Lng)
		if d <= MaxReach {
			out = append(out, ranked{stop: st, distance: d})
		}
	}
	slices.SortStableFunc(out, func(a, b ranked) int {
		switch {
		case a.distance < b.distance:
			return -1
		case a.distance > b.distance:
			return 1
		}
		return 0
	})
	return out
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, lng, err := parseLatLng(q)
	if err != nil {
		writeVBBError(w, http.StatusBadRequest, err.Error())
		return
	}
	results := defaultNearbyResults
	if v := q.Get("results"); v != "" {
		if results, err = strconv.Atoi(v); err != nil || results < 0 {
			writeVBBError(w, http.StatusBadRequest, "results must be a non-negative integer")
			return
		}
	}

	out := []any{}
	for _, rk := range s.rank(lat, lng) {
		if len(out) == results {
			break
		}
		st := stopJSON(rk.stop)
		st["distance"] = int(math.Round(rk.distance))
		out = append(out, st)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleReachableFrom(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if strings.TrimSpace(q.Get("address")) == "" {
		writeVBBError(w, http.StatusBadRequest, "missing address")
		return
	}
	lat, lng, err := parseLatLng(q)
	if err != nil {
		writeVBBError(w, http.StatusBadRequest, err.Error())
		return
	}

	var buckets []map[string]any
	index := make(map[int]int)
	for _, rk := range s.rank(lat, lng) {
		if !servesAny(rk.stop, q) {
			continue
		}
		minutes := max(1, int(math.Ceil(rk.distance/walkingMetersPerMinute)))
		i, ok := index[minutes]
		if !ok {
			i = len(buckets)
			index[minutes] = i
			buckets = append(buckets, map[string]any{"duration": minutes, "stations": []any{}})
		}
		buckets[i]["stations"] = append(buckets[i]["stations"].([]any), stopJSON(rk.stop))
	}
	if buckets == nil {
		buckets = []map[string]any{}
	}
	writeJSON(w, http.StatusOK, buckets)
}

func (s *Server) stop(id string) (Stop, bool) {
	for _, st := range s.stops {
		if st.ID == id {
			return st, true
		}
	}
	return Stop{}, false
}

func stopJSON(st Stop) map[string]any {
	products := make(productsJSON, 0, len(ProductOrder))
	for _, p := range ProductOrder {
		products = append(products, productFlag{name: p, on: slices.Contains(st.Products, p)})
	}
	return map[string]any{
		"type": "stop",
		"id":   st.ID,
		"name": st.Name,
		"location": map[string]any{
			"type":      "location",
			"latitude":  st.Lat,
			"longitude": st.Lng,
		},
		"products": products,
	}
}

type productFlag struct {
	name string
	on   bool
}

// productsJSON marshals as an object with keys in ProductOrder, which a
// plain map would sort alphabetically.
type productsJSON []productFlag

func (p productsJSON) MarshalJSON() ([]byte, error) {
	var b strings.Builder
	b.WriteByte('{')
	for i, f := range p {
		if i > 0 {
			b.WriteByte(',')
		}
		fmt.Fprintf(&b, "%q:%t", f.name, f.on)
	}
	b.WriteByte('}')
	return []byte(b.String()), nil
}

func excluded(q url.Values, product string) bool {
	return q.Get(product) == "false"
}

func servesAny(st Stop, q url.Values) bool {
	for _, p := range st.Products {
		if !excluded(q, p) {
			return true
		}
	}
	return false
}

func sharedProducts(a, b Stop) []string {
	var out []string
	for _, p := range ProductOrder {
		if slices.Contains(a.Products, p) && slices.Contains(b.Products, p) {
			out = append(out, p)
		}
	}
	return out
}

func modeOf(product string) string {
	if product == "bus" {
		return "bus"
	}
	if product == "ferry" {
		return "watercraft"
	}
	return "train"
}

func parseLngLat(s string) ([2]float64, error) {
	lngS, latS, ok := strings.Cut(s, ",")
	if !ok {
		return [2]float64{}, fmt.Errorf("expected lng,lat, got %q", s)
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(lngS), 64)
	if err != nil {
		return [2]float64{}, fmt.Errorf("invalid longitude %q", lngS)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(latS), 64)
	if err != nil {
		return [2]float64{}, fmt.Errorf("invalid latitude %q", latS)
	}
	return [2]float64{lng, lat}, nil
}

func parseLatLng(q url.Values) (float64, float64, error) {
	lat, err := strconv.ParseFloat(q.Get("latitude"), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid latitude %q", q.Get("latitude"))
	}
	lng, err := strconv.ParseFloat(q.Get("longitude"), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid longitude %q", q.Get("longitude"))
	}
	return lat, lng, nil
}

// haversine returns the great-circle distance in meters.
func haversine(lat1, lng1, lat2, lng2 float64) float64 {
	const earthRadius = 6371000.0
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLng := (lng2 - lng1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadius * math.Asin(math.Sqrt(a))
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func writeORSError(w http.ResponseWriter, param string, err error) {
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error": map[string]any{"code": 2003, "message": fmt.Sprintf("Parameter '%s' has incorrect value: %v", param, err)},
	})
}

func writeVBBError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"message": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
