package mockapi_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shpitdev/routecrawl/internal/mockapi"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, srv *httptest.Server, path string) (int, []byte) {
	t.Helper()
	res, err := http.Get(srv.URL + path)
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res.StatusCode, b
}

func TestNearby_SortedByDistance(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(mockapi.New(nil).Handler())
	defer srv.Close()

	status, body := get(t, srv, "/stops/nearby?latitude=52.521508&longitude=13.411267&results=2")
	require.Equal(t, http.StatusOK, status)

	var stops []struct {
		ID       string `json:"id"`
		Distance int    `json:"distance"`
	}
	require.NoError(t, json.Unmarshal(body, &stops))
	require.Len(t, stops, 2)
	require.Equal(t, "900000100003", stops[0].ID)
	require.Equal(t, 0, stops[0].Distance)
	require.Equal(t, "900000100026", stops[1].ID)
}

func TestNearby_ProductsKeepAPIOrder(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(mockapi.New(nil).Handler())
	defer srv.Close()

	_, body := get(t, srv, "/stops/nearby?latitude=52.521508&longitude=13.411267&results=1")
	require.Contains(t, string(body), `"products":{"suburban":true,"subway":true,"tram":true,"bus":true,"ferry":false,"express":false,"regional":true}`)
}

func TestNearby_OutOfReach(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(mockapi.New(nil).Handler())
	defer srv.Close()

	status, body := get(t, srv, "/stops/nearby?latitude=48.137&longitude=11.575")
	require.Equal(t, http.StatusOK, status)
	require.JSONEq(t, `[]`, string(body))
}

func TestReachableFrom_FiltersExcludedProducts(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(mockapi.New(nil).Handler())
	defer srv.Close()

	_, body := get(t, srv, "/stops/reachable-from?address=Memhardstr.&latitude=52.523899&longitude=13.409370&bus=false")
	var buckets []struct {
		Duration int `json:"duration"`
		Stations []struct {
			ID string `json:"id"`
		} `json:"stations"`
	}
	require.NoError(t, json.Unmarshal(body, &buckets))
	require.NotEmpty(t, buckets)
	require.Equal(t, "900000100003", buckets[0].Stations[0].ID, "the bus-only stop is filtered")
}

func TestDirections_APIKeyAndNoRoute(t *testing.T) {
	t.Parallel()

	s := mockapi.New(nil)
	s.RequireAPIKey("secret")
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	status, body := get(t, srv, "/v2/directions/driving-car?api_key=wrong&start=13.4,52.5&end=13.3,52.5")
	require.Equal(t, http.StatusForbidden, status)
	require.Contains(t, string(body), `"code":403`)

	status, body = get(t, srv, "/v2/directions/driving-car?api_key=secret&start=13.4,52.5&end=13.3,52.5")
	require.Equal(t, http.StatusOK, status)
	require.Contains(t, string(body), `"LineString"`)

	_, body = get(t, srv, "/v2/directions/driving-car?api_key=secret&start=0,0&end=13.3,52.5")
	require.Contains(t, string(body), `"features":[]`)
}

func TestJourneys_ExcludedProductsAndCalls(t *testing.T) {
	t.Parallel()

	s := mockapi.New(nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	_, body := get(t, srv, "/journeys?from=900000100003&to=900000100001&tickets=true&suburban=false&subway=false&tram=false&regional=false")
	var resp struct {
		Journeys []struct {
			RefreshToken string         `json:"refreshToken"`
			Price        map[string]any `json:"price"`
		} `json:"journeys"`
	}
	require.NoError(t, json.Unmarshal(body, &resp))
	require.Len(t, resp.Journeys, 1)
	require.Equal(t, "900000100003|900000100001|bus", resp.Journeys[0].RefreshToken)
	require.NotNil(t, resp.Journeys[0].Price)

	status, _ := get(t, srv, "/journeys?from=nope&to=900000100001")
	require.Equal(t, http.StatusBadRequest, status)

	calls := s.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, "/journeys", calls[0].Path)
	require.Equal(t, "false", calls[0].Query.Get("tram"))
	require.Empty(t, calls[0].Query.Get("bus"))
}

func TestFailNext(t *testing.T) {
	t.Parallel()

	s := mockapi.New(nil)
	s.FailNext("/stops/nearby", http.StatusServiceUnavailable, 1)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	status, _ := get(t, srv, "/stops/nearby?latitude=52.52&longitude=13.41")
	require.Equal(t, http.StatusServiceUnavailable, status)
	status, _ = get(t, srv, "/stops/nearby?latitude=52.52&longitude=13.41")
	require.Equal(t, http.StatusOK, status)
}
