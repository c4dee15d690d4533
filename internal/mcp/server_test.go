package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/weatherhub/weatherhub/internal/identity"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig(nwsURL string) Config {
	return Config{
		NWSBaseURL:      nwsURL,
		OutboundTimeout: 5 * time.Second,
		Identity: identity.Config{
			Hostname: "hub.example.test",
			Timeout:  5 * time.Second,
		},
	}
}

func newTestServer(t *testing.T, cfg Config) *httptest.Server {
	t.Helper()
	s := NewServer("127.0.0.1:0", NewRegistryFactory(cfg, testLogger()), testLogger())
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return ts
}

type rpcResp struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpcError       `json:"error"`
}

type toolResultJSON struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Structured json.RawMessage `json:"structuredContent"`
	IsError    bool            `json:"isError"`
}

func postRPC(t *testing.T, url, body string) (*http.Response, rpcResp) {
	t.Helper()
	resp, err := http.Post(url+"/mcp", "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST /mcp: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	var out rpcResp
	if len(bytes.TrimSpace(raw)) > 0 {
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("decode response %q: %v", raw, err)
		}
	}
	return resp, out
}

func callTool(t *testing.T, url, tool, args string) toolResultJSON {
	t.Helper()
	body := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":%q,"arguments":%s}}`, tool, args)
	resp, out := postRPC(t, url, body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	if out.Error != nil {
		t.Fatalf("unexpected rpc error: %+v", out.Error)
	}
	var result toolResultJSON
	if err := json.Unmarshal(out.Result, &result); err != nil {
		t.Fatalf("decode tool result %q: %v", out.Result, err)
	}
	if len(result.Content) == 0 {
		t.Fatal("tool result must carry a content block")
	}
	return result
}

func TestNonPOSTIsMethodNotAllowed(t *testing.T) {
	ts := newTestServer(t, testConfig("http://127.0.0.1:0"))

	for _, method := range []string{http.MethodGet, http.MethodDelete, http.MethodPut} {
		req, _ := http.NewRequest(method, ts.URL+"/mcp", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("%s /mcp: %v", method, err)
		}
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()

		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Errorf("%s: status = %d, want 405", method, resp.StatusCode)
		}
		var out rpcResp
		if err := json.Unmarshal(raw, &out); err != nil {
			t.Fatalf("%s: decode %q: %v", method, raw, err)
		}
		if out.Error == nil || out.Error.Code != -32000 || out.Error.Message != "Method not allowed" {
			t.Errorf("%s: error = %+v", method, out.Error)
		}
	}
}

func TestMalformedBodyIsParseError(t *testing.T) {
	ts := newTestServer(t, testConfig("http://127.0.0.1:0"))

	resp, out := postRPC(t, ts.URL, `{not json`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if out.Error == nil || out.Error.Code != -32700 || out.Error.Message != "Parse error" {
		t.Errorf("error = %+v", out.Error)
	}
	if out.ID != nil {
		t.Errorf("parse error must carry null id, got %v", out.ID)
	}
}

func TestInitialize(t *testing.T) {
	ts := newTestServer(t, testConfig("http://127.0.0.1:0"))

	_, out := postRPC(t, ts.URL, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	if out.Error != nil {
		t.Fatalf("unexpected error: %+v", out.Error)
	}
	var result struct {
		ProtocolVersion string `json:"protocolVersion"`
		ServerInfo      struct {
			Name string `json:"name"`
		} `json:"serverInfo"`
	}
	if err := json.Unmarshal(out.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if result.ProtocolVersion != "2025-06-18" {
		t.Errorf("protocolVersion = %q", result.ProtocolVersion)
	}
	if result.ServerInfo.Name != "weatherhub" {
		t.Errorf("serverInfo.name = %q", result.ServerInfo.Name)
	}
}

func TestUnknownMethodNotFound(t *testing.T) {
	ts := newTestServer(t, testConfig("http://127.0.0.1:0"))

	_, out := postRPC(t, ts.URL, `{"jsonrpc":"2.0","id":5,"method":"resources/list"}`)
	if out.Error == nil || out.Error.Code != -32601 {
		t.Errorf("error = %+v, want -32601", out.Error)
	}
}

func TestToolsList(t *testing.T) {
	ts := newTestServer(t, testConfig("http://127.0.0.1:0"))

	_, out := postRPC(t, ts.URL, `{"jsonrpc":"2.0","id":2,"method":"tools/list"}`)
	if out.Error != nil {
		t.Fatalf("unexpected error: %+v", out.Error)
	}
	var result struct {
		Tools []struct {
			Name string `json:"name"`
		} `json:"tools"`
	}
	if err := json.Unmarshal(out.Result, &result); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	names := make(map[string]bool)
	for _, tool := range result.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"get_alerts", "get_forecast", "get_user_info"} {
		if !names[want] {
			t.Errorf("tools/list missing %q: %v", want, names)
		}
	}
	if len(result.Tools) != 3 {
		t.Errorf("len(tools) = %d, want 3", len(result.Tools))
	}
}

func TestNotificationIsAccepted(t *testing.T) {
	ts := newTestServer(t, testConfig("http://127.0.0.1:0"))

	resp, err := http.Post(ts.URL+"/mcp", "application/json",
		strings.NewReader(`{"jsonrpc":"2.0","method":"notifications/initialized"}`))
	if err != nil {
		t.Fatalf("POST: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Errorf("status = %d, want 202", resp.StatusCode)
	}
	raw, _ := io.ReadAll(resp.Body)
	if len(bytes.TrimSpace(raw)) != 0 {
		t.Errorf("notification response must carry no body, got %q", raw)
	}
}

func TestUnknownToolIsInvalidParams(t *testing.T) {
	ts := newTestServer(t, testConfig("http://127.0.0.1:0"))

	_, out := postRPC(t, ts.URL, `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"launch_rockets","arguments":{}}}`)
	if out.Error == nil || out.Error.Code != -32602 {
		t.Errorf("error = %+v, want -32602", out.Error)
	}
}

func TestGetAlertsSuccess(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/alerts/active/area/CA" {
			t.Errorf("unexpected upstream path %q", r.URL.Path)
		}
		w.Write([]byte(`{"features":[{"properties":{"event":"Flood Warning","areaDesc":"Sacramento","severity":"Severe","description":"Rising water","instruction":"Move to higher ground"}}]}`))
	}))
	defer upstream.Close()
	ts := newTestServer(t, testConfig(upstream.URL))

	result := callTool(t, ts.URL, "get_alerts", `{"state":"ca"}`)
	if result.IsError {
		t.Fatalf("unexpected tool error: %+v", result)
	}
	text := result.Content[0].Text
	if !strings.Contains(text, "Event: Flood Warning") || !strings.Contains(text, "Severity: Severe") {
		t.Errorf("text = %q", text)
	}

	var structured struct {
		Alerts []struct {
			Event string `json:"event"`
		} `json:"alerts"`
	}
	if err := json.Unmarshal(result.Structured, &structured); err != nil {
		t.Fatalf("decode structured: %v", err)
	}
	if len(structured.Alerts) != 1 || structured.Alerts[0].Event != "Flood Warning" {
		t.Errorf("structured alerts = %+v", structured.Alerts)
	}
}

func TestGetAlertsEmpty(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"features":[]}`))
	}))
	defer upstream.Close()
	ts := newTestServer(t, testConfig(upstream.URL))

	result := callTool(t, ts.URL, "get_alerts", `{"state":"WY"}`)
	if result.IsError {
		t.Fatalf("an empty alert list is a successful outcome: %+v", result)
	}
	if result.Content[0].Text != "No active alerts for WY" {
		t.Errorf("text = %q", result.Content[0].Text)
	}
	var structured struct {
		Alerts []json.RawMessage `json:"alerts"`
	}
	if err := json.Unmarshal(result.Structured, &structured); err != nil {
		t.Fatalf("decode structured: %v", err)
	}
	if structured.Alerts == nil || len(structured.Alerts) != 0 {
		t.Errorf("structured alerts must be an empty list, got %s", result.Structured)
	}
}

func TestGetAlertsUpstreamFailure(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer upstream.Close()
	ts := newTestServer(t, testConfig(upstream.URL))

	result := callTool(t, ts.URL, "get_alerts", `{"state":"CA"}`)
	if !result.IsError {
		t.Fatal("upstream failure must report a tool error")
	}
	if result.Content[0].Text != "Failed to retrieve alerts data" {
		t.Errorf("text = %q", result.Content[0].Text)
	}
}

func TestGetAlertsInvalidStateSkipsUpstream(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer upstream.Close()
	ts := newTestServer(t, testConfig(upstream.URL))

	result := callTool(t, ts.URL, "get_alerts", `{"state":"California"}`)
	if !result.IsError {
		t.Fatal("invalid state must report a tool error")
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("validation failure must not reach upstream, got %d hits", n)
	}
}

func TestGetForecastSuccess(t *testing.T) {
	mux := http.NewServeMux()
	var upstream *httptest.Server
	mux.HandleFunc("/points/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"properties":{"forecast":"%s/forecast"}}`, upstream.URL)
	})
	mux.HandleFunc("/forecast", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"properties":{"periods":[{"name":"Tonight","temperature":54,"temperatureUnit":"F","windSpeed":"10 mph","windDirection":"NW","detailedForecast":"Clear skies."}]}}`))
	})
	upstream = httptest.NewServer(mux)
	defer upstream.Close()
	ts := newTestServer(t, testConfig(upstream.URL))

	result := callTool(t, ts.URL, "get_forecast", `{"latitude":37.7749,"longitude":-122.4194}`)
	if result.IsError {
		t.Fatalf("unexpected tool error: %+v", result)
	}
	text := result.Content[0].Text
	for _, want := range []string{"Tonight:", "Temperature: 54°F", "Wind: 10 mph NW", "Forecast: Clear skies."} {
		if !strings.Contains(text, want) {
			t.Errorf("text missing %q:\n%s", want, text)
		}
	}
}

func TestGetForecastInvalidCoordinatesSkipsUpstream(t *testing.T) {
	var hits atomic.Int64
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer upstream.Close()
	ts := newTestServer(t, testConfig(upstream.URL))

	result := callTool(t, ts.URL, "get_forecast", `{"latitude":95,"longitude":0}`)
	if !result.IsError {
		t.Fatal("out-of-range latitude must report a tool error")
	}
	if n := hits.Load(); n != 0 {
		t.Errorf("validation failure must not reach upstream, got %d hits", n)
	}
}

func TestGetForecastGridPointFailure(t *testing.T) {
	var forecastHits atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/points/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	mux.HandleFunc("/forecast", func(w http.ResponseWriter, r *http.Request) {
		forecastHits.Add(1)
	})
	upstream := httptest.NewServer(mux)
	defer upstream.Close()
	ts := newTestServer(t, testConfig(upstream.URL))

	result := callTool(t, ts.URL, "get_forecast", `{"latitude":48.8566,"longitude":2.3522}`)
	if !result.IsError {
		t.Fatal("grid point failure must report a tool error")
	}
	text := result.Content[0].Text
	if !strings.Contains(text, "48.8566, 2.3522") {
		t.Errorf("text must echo the coordinates: %q", text)
	}
	if !strings.Contains(text, "only US locations are supported") {
		t.Errorf("text = %q", text)
	}
	if n := forecastHits.Load(); n != 0 {
		t.Errorf("forecast hop must not run after a failed grid lookup, got %d hits", n)
	}
}

func TestGetForecastSecondHopFailure(t *testing.T) {
	mux := http.NewServeMux()
	var upstream *httptest.Server
	mux.HandleFunc("/points/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"properties":{"forecast":"%s/forecast"}}`, upstream.URL)
	})
	mux.HandleFunc("/forecast", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	upstream = httptest.NewServer(mux)
	defer upstream.Close()
	ts := newTestServer(t, testConfig(upstream.URL))

	result := callTool(t, ts.URL, "get_forecast", `{"latitude":37.7749,"longitude":-122.4194}`)
	if !result.IsError || result.Content[0].Text != "Failed to retrieve forecast data" {
		t.Errorf("result = %+v", result)
	}
}

func TestGetForecastNoPeriods(t *testing.T) {
	mux := http.NewServeMux()
	var upstream *httptest.Server
	mux.HandleFunc("/points/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"properties":{"forecast":"%s/forecast"}}`, upstream.URL)
	})
	mux.HandleFunc("/forecast", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"properties":{"periods":[]}}`))
	})
	upstream = httptest.NewServer(mux)
	defer upstream.Close()
	ts := newTestServer(t, testConfig(upstream.URL))

	result := callTool(t, ts.URL, "get_forecast", `{"latitude":37.7749,"longitude":-122.4194}`)
	if !result.IsError || result.Content[0].Text != "No forecast periods available" {
		t.Errorf("result = %+v", result)
	}
}

func TestGetUserInfoWithoutAuthHeaders(t *testing.T) {
	ts := newTestServer(t, testConfig("http://127.0.0.1:0"))

	result := callTool(t, ts.URL, "get_user_info", `{}`)
	if !result.IsError {
		t.Fatal("missing auth headers must report a tool error")
	}
	if result.Content[0].Text != "No authentication headers found" {
		t.Errorf("text = %q", result.Content[0].Text)
	}

	var structured struct {
		Authenticated bool   `json:"authenticated"`
		Message       string `json:"message"`
		ConsentURL    string `json:"consent_url"`
	}
	if err := json.Unmarshal(result.Structured, &structured); err != nil {
		t.Fatalf("decode structured: %v", err)
	}
	if structured.Authenticated {
		t.Error("authenticated must be false")
	}
	if structured.Message != "No authentication headers found" {
		t.Errorf("structured message = %q", structured.Message)
	}
	if structured.ConsentURL != "" {
		t.Errorf("missing headers must not produce a consent link, got %q", structured.ConsentURL)
	}
}

// Two overlapping calls must each get their own registry and their own
// response; a slow upstream on one call must not bleed into the other.
func TestConcurrentCallsAreIsolated(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/AA") {
			close(started)
			<-release
			w.Write([]byte(`{"features":[{"properties":{"event":"Slow Alert"}}]}`))
			return
		}
		w.Write([]byte(`{"features":[{"properties":{"event":"Fast Alert"}}]}`))
	}))
	defer upstream.Close()

	var mu sync.Mutex
	seen := make(map[*Registry]bool)
	inner := NewRegistryFactory(testConfig(upstream.URL), testLogger())
	factory := func() *Registry {
		reg := inner()
		mu.Lock()
		seen[reg] = true
		mu.Unlock()
		return reg
	}
	s := NewServer("127.0.0.1:0", factory, testLogger())
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	slowDone := make(chan string, 1)
	go func() {
		resp, err := http.Post(ts.URL+"/mcp", "application/json", strings.NewReader(
			`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":"get_alerts","arguments":{"state":"AA"}}}`))
		if err != nil {
			slowDone <- "transport error: " + err.Error()
			return
		}
		defer resp.Body.Close()
		raw, _ := io.ReadAll(resp.Body)
		slowDone <- string(raw)
	}()

	// The slow call is mid-flight at its upstream before the fast one starts.
	<-started
	fast := callTool(t, ts.URL, "get_alerts", `{"state":"BB"}`)
	if !strings.Contains(fast.Content[0].Text, "Fast Alert") {
		t.Errorf("fast call got the wrong payload: %q", fast.Content[0].Text)
	}

	close(release)
	slow := <-slowDone
	if !strings.Contains(slow, "Slow Alert") || strings.Contains(slow, "Fast Alert") {
		t.Errorf("slow call got the wrong payload: %q", slow)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) < 2 {
		t.Errorf("expected a distinct registry per call, saw %d", len(seen))
	}
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t, testConfig("http://127.0.0.1:0"))

	resp, err := http.Get(ts.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]string
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("status field = %q", body["status"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	ts := newTestServer(t, testConfig("http://127.0.0.1:0"))

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("GET /metrics: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/plain") {
		t.Errorf("Content-Type = %q", ct)
	}
	raw, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(raw), "# TYPE weatherhub_tool_calls_total counter") {
		t.Errorf("metrics body missing type header:\n%s", raw)
	}
}
