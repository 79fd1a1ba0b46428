package iotservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

const testConnString = "HostName=hub.example.com;SharedAccessKeyName=service;SharedAccessKey=c2VjcmV0"

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

// rewriteTransport redirects every request to the fake hub regardless of
// the https URL the client builds.
type rewriteTransport struct{ host string }

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.URL.Scheme = "http"
	req.URL.Host = t.host
	return http.DefaultTransport.RoundTrip(req)
}

// fakeHub is an in-memory registry behind the hub's HTTP surface.
type fakeHub struct {
	mu      sync.Mutex
	devices map[string]*Device
	modules map[string]*Module
	twins   map[string]*Twin

	lastAuth   string
	lastMethod *MethodCall
}

func newFakeHub() *fakeHub {
	return &fakeHub{
		devices: make(map[string]*Device),
		modules: make(map[string]*Module),
		twins:   make(map[string]*Twin),
	}
}

func (h *fakeHub) router() *mux.Router {
	r := mux.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			h.mu.Lock()
			h.lastAuth = req.Header.Get("Authorization")
			h.mu.Unlock()
			if req.URL.Query().Get("api-version") == "" {
				http.Error(w, "api-version required", http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, req)
		})
	})

	r.HandleFunc("/devices/query", h.query).Methods(http.MethodPost)
	r.HandleFunc("/devices", h.listDevices).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}", h.putDevice).Methods(http.MethodPut)
	r.HandleFunc("/devices/{id}", h.getDevice).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}", h.deleteDevice).Methods(http.MethodDelete)
	r.HandleFunc("/devices/{id}/modules", h.listModules).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}/modules/{mid}", h.putModule).Methods(http.MethodPut)
	r.HandleFunc("/devices/{id}/modules/{mid}", h.getModule).Methods(http.MethodGet)
	r.HandleFunc("/devices/{id}/modules/{mid}", h.deleteModule).Methods(http.MethodDelete)
	r.HandleFunc("/twins/{id}", h.getTwin).Methods(http.MethodGet)
	r.HandleFunc("/twins/{id}", h.patchTwin).Methods(http.MethodPatch)
	r.HandleFunc("/twins/{id}/methods", h.invokeMethod).Methods(http.MethodPost)
	r.HandleFunc("/statistics/devices", h.stats).Methods(http.MethodGet)
	return r
}

func (h *fakeHub) putDevice(w http.ResponseWriter, req *http.Request) {
	var dev Device
	if err := json.NewDecoder(req.Body).Decode(&dev); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	dev.ETag = "etag-1"
	dev.Status = "enabled"
	h.mu.Lock()
	h.devices[mux.Vars(req)["id"]] = &dev
	h.mu.Unlock()
	writeJSON(w, &dev)
}

func (h *fakeHub) getDevice(w http.ResponseWriter, req *http.Request) {
	h.mu.Lock()
	dev, ok := h.devices[mux.Vars(req)["id"]]
	h.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "device not found")
		return
	}
	writeJSON(w, dev)
}

func (h *fakeHub) deleteDevice(w http.ResponseWriter, req *http.Request) {
	if req.Header.Get("If-Match") == "" {
		writeError(w, http.StatusPreconditionFailed, "missing If-Match")
		return
	}
	h.mu.Lock()
	delete(h.devices, mux.Vars(req)["id"])
	h.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (h *fakeHub) listDevices(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	devices := make([]*Device, 0, len(h.devices))
	for _, d := range h.devices {
		devices = append(devices, d)
	}
	h.mu.Unlock()
	writeJSON(w, devices)
}

func moduleKey(vars map[string]string) string {
	return vars["id"] + "/" + vars["mid"]
}

func (h *fakeHub) putModule(w http.ResponseWriter, req *http.Request) {
	var mod Module
	if err := json.NewDecoder(req.Body).Decode(&mod); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	key := moduleKey(mux.Vars(req))
	h.mu.Lock()
	// An update carries If-Match; it must name the stored etag or "*".
	if prev, ok := h.modules[key]; ok {
		match := req.Header.Get("If-Match")
		if match != "*" && match != `"`+prev.ETag+`"` {
			h.mu.Unlock()
			writeError(w, http.StatusPreconditionFailed, "etag mismatch")
			return
		}
	}
	mod.ETag = "m-etag-1"
	h.modules[key] = &mod
	h.mu.Unlock()
	writeJSON(w, &mod)
}

func (h *fakeHub) getModule(w http.ResponseWriter, req *http.Request) {
	h.mu.Lock()
	mod, ok := h.modules[moduleKey(mux.Vars(req))]
	h.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "module not found")
		return
	}
	writeJSON(w, mod)
}

func (h *fakeHub) deleteModule(w http.ResponseWriter, req *http.Request) {
	if req.Header.Get("If-Match") == "" {
		writeError(w, http.StatusPreconditionFailed, "missing If-Match")
		return
	}
	h.mu.Lock()
	delete(h.modules, moduleKey(mux.Vars(req)))
	h.mu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

func (h *fakeHub) listModules(w http.ResponseWriter, req *http.Request) {
	prefix := mux.Vars(req)["id"] + "/"
	h.mu.Lock()
	modules := make([]*Module, 0)
	for key, m := range h.modules {
		if strings.HasPrefix(key, prefix) {
			modules = append(modules, m)
		}
	}
	h.mu.Unlock()
	writeJSON(w, modules)
}

func (h *fakeHub) getTwin(w http.ResponseWriter, req *http.Request) {
	h.mu.Lock()
	twin, ok := h.twins[mux.Vars(req)["id"]]
	h.mu.Unlock()
	if !ok {
		writeError(w, http.StatusNotFound, "twin not found")
		return
	}
	writeJSON(w, twin)
}

func (h *fakeHub) patchTwin(w http.ResponseWriter, req *http.Request) {
	var patch Twin
	if err := json.NewDecoder(req.Body).Decode(&patch); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id := mux.Vars(req)["id"]
	h.mu.Lock()
	twin, ok := h.twins[id]
	if !ok {
		twin = &Twin{DeviceID: id, Properties: &TwinProperties{}}
		h.twins[id] = twin
	}
	if patch.Properties != nil {
		for k, v := range patch.Properties.Desired {
			if twin.Properties.Desired == nil {
				twin.Properties.Desired = make(map[string]any)
			}
			twin.Properties.Desired[k] = v
		}
	}
	twin.Version++
	h.mu.Unlock()
	writeJSON(w, twin)
}

func (h *fakeHub) invokeMethod(w http.ResponseWriter, req *http.Request) {
	var call MethodCall
	if err := json.NewDecoder(req.Body).Decode(&call); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.mu.Lock()
	h.lastMethod = &call
	h.mu.Unlock()
	writeJSON(w, &MethodResult{Status: 200, Payload: json.RawMessage(`{"ok":true}`)})
}

func (h *fakeHub) stats(w http.ResponseWriter, _ *http.Request) {
	h.mu.Lock()
	n := len(h.devices)
	h.mu.Unlock()
	writeJSON(w, &Stats{TotalDeviceCount: n, EnabledDeviceCount: n})
}

func (h *fakeHub) query(w http.ResponseWriter, req *http.Request) {
	if req.Header.Get("x-ms-continuation") == "" {
		w.Header().Set("x-ms-continuation", "page-2")
		writeJSON(w, []json.RawMessage{json.RawMessage(`{"deviceId":"a"}`)})
		return
	}
	writeJSON(w, []json.RawMessage{json.RawMessage(`{"deviceId":"b"}`)})
}

func (h *fakeHub) authHeader() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastAuth
}

func (h *fakeHub) methodCall() *MethodCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastMethod
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"message": msg})
}

func newTestService(t *testing.T) (*Client, *fakeHub) {
	t.Helper()
	hub := newFakeHub()
	srv := httptest.NewServer(hub.router())
	t.Cleanup(srv.Close)

	hc := &http.Client{Transport: rewriteTransport{host: strings.TrimPrefix(srv.URL, "http://")}}
	c, err := NewFromConnectionString(testConnString, WithHTTPClient(hc))
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, hub
}

func TestNewFromConnectionStringRejectsDevice(t *testing.T) {
	_, err := NewFromConnectionString("HostName=hub.example.com;DeviceId=dev01;SharedAccessKey=c2VjcmV0")
	assert.Error(t, err)
}

func TestDeviceLifecycle(t *testing.T) {
	c, hub := newTestService(t)
	ctx := t.Context()

	created, err := c.CreateDevice(ctx, &Device{DeviceID: "dev01"})
	require.NoError(t, err)
	assert.Equal(t, "etag-1", created.ETag)
	assert.Equal(t, "enabled", created.Status)

	got, err := c.GetDevice(ctx, "dev01")
	require.NoError(t, err)
	assert.Equal(t, "dev01", got.DeviceID)

	list, err := c.ListDevices(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	require.NoError(t, c.DeleteDevice(ctx, "dev01"))
	_, err = c.GetDevice(ctx, "dev01")
	var rerr *RestError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, http.StatusNotFound, rerr.Status)
	assert.Equal(t, "device not found", rerr.Message)

	auth := hub.authHeader()
	assert.True(t, strings.HasPrefix(auth, "SharedAccessSignature "))
	assert.Contains(t, auth, "skn=service")
}

func TestModuleLifecycle(t *testing.T) {
	c, _ := newTestService(t)
	ctx := t.Context()

	created, err := c.CreateModule(ctx, &Module{DeviceID: "dev01", ModuleID: "worker"})
	require.NoError(t, err)
	assert.Equal(t, "m-etag-1", created.ETag)

	created.ManagedBy = "operator"
	updated, err := c.UpdateModule(ctx, created)
	require.NoError(t, err)
	assert.Equal(t, "operator", updated.ManagedBy)

	// A stale etag must be refused.
	updated.ETag = "stale"
	_, err = c.UpdateModule(ctx, updated)
	var rerr *RestError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, http.StatusPreconditionFailed, rerr.Status)

	list, err := c.ListModules(ctx, "dev01")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "worker", list[0].ModuleID)

	require.NoError(t, c.DeleteModule(ctx, "dev01", "worker"))
	_, err = c.GetModule(ctx, "dev01", "worker")
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, http.StatusNotFound, rerr.Status)
}

func TestTwinUpdate(t *testing.T) {
	c, _ := newTestService(t)
	ctx := t.Context()

	updated, err := c.UpdateTwin(ctx, &Twin{
		DeviceID:   "dev01",
		Properties: &TwinProperties{Desired: map[string]any{"interval": 30}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Version)
	assert.Equal(t, float64(30), updated.Properties.Desired["interval"])

	got, err := c.GetTwin(ctx, "dev01")
	require.NoError(t, err)
	assert.Equal(t, float64(30), got.Properties.Desired["interval"])
}

func TestInvokeMethod(t *testing.T) {
	c, hub := newTestService(t)

	result, err := c.InvokeMethod(t.Context(), "dev01", &MethodCall{
		MethodName:     "reboot",
		Payload:        map[string]any{"delay": 5},
		TimeoutSeconds: 30,
	})
	require.NoError(t, err)
	assert.Equal(t, 200, result.Status)
	assert.JSONEq(t, `{"ok":true}`, string(result.Payload))

	call := hub.methodCall()
	require.NotNil(t, call)
	assert.Equal(t, "reboot", call.MethodName)
	assert.Equal(t, 30, call.TimeoutSeconds)
}

func TestStats(t *testing.T) {
	c, _ := newTestService(t)

	_, err := c.CreateDevice(t.Context(), &Device{DeviceID: "dev01"})
	require.NoError(t, err)

	stats, err := c.Stats(t.Context())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.TotalDeviceCount)
}

func TestQueryPagination(t *testing.T) {
	c, _ := newTestService(t)

	page, err := c.Query(t.Context(), "SELECT * FROM devices", 1, "")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.JSONEq(t, `{"deviceId":"a"}`, string(page.Items[0]))
	assert.Equal(t, "page-2", page.ContinuationToken)

	page, err = c.Query(t.Context(), "SELECT * FROM devices", 1, page.ContinuationToken)
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.JSONEq(t, `{"deviceId":"b"}`, string(page.Items[0]))
	assert.Empty(t, page.ContinuationToken)
}
