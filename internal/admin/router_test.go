package admin

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/any-hub/artifact-proxy/internal/cache"
	"github.com/any-hub/artifact-proxy/internal/routing"
)

func TestStatusReportsSnapshot(t *testing.T) {
	snap := testSnapshot(t)
	resp := doGet(t, snap, "/-/status")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var payload statusPayload
	decode(t, resp, &payload)
	assert.Equal(t, 8080, payload.ListenPort)
	assert.Equal(t, snap.CacheRoot, payload.CacheRoot)
	assert.Equal(t, "proxy.server:234(credentialed)", payload.Proxy)
	assert.Equal(t, 1, payload.Mirrors)
	assert.Equal(t, 2, payload.Rules)
	assert.Contains(t, payload.Version, "artifact-proxy")
}

func TestRulesHidesCredentials(t *testing.T) {
	resp := doGet(t, testSnapshot(t), "/-/rules")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), "yyy")

	var payload rulesPayload
	require.NoError(t, json.Unmarshal(body, &payload))
	require.Len(t, payload.Rules, 2)
	assert.Equal(t, "deny", payload.Rules[0].Action)
	assert.Equal(t, []string{".internal"}, payload.NoProxy)
}

func TestResolveDryRun(t *testing.T) {
	snap := testSnapshot(t)
	target := filepath.Join(snap.CacheRoot, "mirror.example", "m2", "a.jar")
	require.NoError(t, cache.WriteNegativeStatus(target, "HTTP/1.1 404 Not Found"))

	resp := doGet(t, snap, "/-/resolve?url="+url.QueryEscape("http://central.example/maven2/a.jar"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload resolvePayload
	decode(t, resp, &payload)
	assert.Equal(t, "http://mirror.example/m2/a.jar", payload.Target)
	assert.Equal(t, "http://central.example/maven2/", payload.MirrorFrom)
	assert.True(t, payload.Allowed)
	assert.True(t, payload.ViaProxy)
	assert.Equal(t, "miss", payload.Origin)
	assert.Equal(t, target, payload.Path)
	assert.Equal(t, "HTTP/1.1 404 Not Found", payload.NegativeStatus)
}

func TestResolveReportsDenyRule(t *testing.T) {
	resp := doGet(t, testSnapshot(t), "/-/resolve?url="+url.QueryEscape("http://private.internal/x.jar"))
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var payload resolvePayload
	decode(t, resp, &payload)
	assert.False(t, payload.Allowed)
	assert.Equal(t, "deny http://private.internal/", payload.Rule)
	assert.False(t, payload.ViaProxy)
}

func TestResolveDoesNotSynthesizeChecksums(t *testing.T) {
	snap := testSnapshot(t)
	source := filepath.Join(snap.PatchRoot, "repo.example", "b.jar")
	require.NoError(t, os.MkdirAll(filepath.Dir(source), 0o755))
	require.NoError(t, os.WriteFile(source, []byte("b"), 0o644))

	resp := doGet(t, snap, "/-/resolve?url="+url.QueryEscape("http://repo.example/b.jar.sha1"))
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NoFileExists(t, source+".sha1")
}

func TestResolveRequiresURL(t *testing.T) {
	resp := doGet(t, testSnapshot(t), "/-/resolve")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestResolveRejectsParentHost(t *testing.T) {
	resp := doGet(t, testSnapshot(t), "/-/resolve?url="+url.QueryEscape("http://../config.toml"))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	var payload map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&payload))
	assert.Equal(t, "invalid_url", payload["error"])
}

func TestNewAppRequiresDependencies(t *testing.T) {
	_, err := NewApp(AppOptions{})
	assert.Error(t, err)
}

type staticSource struct {
	snap *routing.Snapshot
}

func (s staticSource) Current() *routing.Snapshot { return s.snap }
func (s staticSource) Path() string               { return "/etc/artifact-proxy/config.toml" }

func testSnapshot(t *testing.T) *routing.Snapshot {
	t.Helper()
	base := t.TempDir()
	return &routing.Snapshot{
		Port:      8080,
		CacheRoot: filepath.Join(base, "cache"),
		PatchRoot: filepath.Join(base, "patches"),
		Mirrors:   []routing.Mirror{{From: "http://central.example/maven2/", To: "http://mirror.example/m2/"}},
		Rules: []routing.Rule{
			{Prefix: "http://private.internal/", Allow: false},
			{Prefix: "http://", Allow: true},
		},
		NoProxy: []string{".internal"},
		Proxy:   &routing.Proxy{Host: "proxy.server", Port: 234, User: "xxx", Password: "yyy"},
	}
}

func doGet(t *testing.T, snap *routing.Snapshot, target string) *http.Response {
	t.Helper()
	logger := logrus.New()
	logger.SetOutput(io.Discard)

	app, err := NewApp(AppOptions{Logger: logger, Source: staticSource{snap: snap}})
	require.NoError(t, err)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, target, nil))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func decode(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}
