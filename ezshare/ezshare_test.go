package ezshare

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/threatexpert/cpapsync/acl"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		ct     string
		length int64
		want   ProbeResult
	}{
		{"html page is fake", "text/html", -1, ProbeResult{}},
		{"html with length is still fake", "text/html; charset=utf-8", 4096, ProbeResult{}},
		{"upper case html", "TEXT/HTML", 12, ProbeResult{}},
		{"plain file", "text/plain", 1234, ProbeResult{Exists: true, Size: 1234}},
		{"directory", "text/plain", 0, ProbeResult{Exists: true, Size: 0}},
		{"octet stream", "application/octet-stream", 7, ProbeResult{Exists: true, Size: 7}},
		{"unknown length", "text/plain", -1, ProbeResult{Exists: true, Size: 0}},
		{"no content type", "", 99, ProbeResult{Exists: true, Size: 99}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.ct, tt.length))
		})
	}
}

func TestParseVersion(t *testing.T) {
	body := []byte(`<response><device><version>
LZ1001EDPG:4.4.0:2014-07-28:62 LZ1001EDRS:4.4.0:2014-07-28:62
</version></device></response>`)
	v, err := ParseVersion(body)
	require.NoError(t, err)
	assert.Equal(t, "4.4.0", v)

	_, err = ParseVersion([]byte(`<response><device><version>unknown</version></device></response>`))
	assert.Error(t, err)
	_, err = ParseVersion([]byte(`<response><device/></response>`))
	assert.Error(t, err)
	_, err = ParseVersion([]byte(`not xml <`))
	assert.Error(t, err)
}

// newCardRoot lays out a small SD card image.
func newCardRoot(t *testing.T) string {
	t.Helper()
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "DATALOG", "20240110"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "STR.edf"), bytes.Repeat([]byte{7}, 3000), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "DATALOG", "20240110", "20240110_220037_BRP.edf"), []byte("brp-data"), 0644))
	return root
}

func startEmulator(t *testing.T, cfg EmulatorConfig) (*httptest.Server, *Card) {
	t.Helper()
	emu, err := NewEmulator(cfg)
	require.NoError(t, err)
	srv := httptest.NewServer(emu.Handler())
	t.Cleanup(srv.Close)

	card, err := NewCard(CardConfig{Address: srv.URL, Timeout: 2 * time.Second, Compression: cfg.EnableZstd})
	require.NoError(t, err)
	return srv, card
}

func TestCardProbe(t *testing.T) {
	_, card := startEmulator(t, EmulatorConfig{Root: newCardRoot(t)})
	ctx := context.Background()

	assert.Equal(t, ProbeResult{Exists: true, Size: 3000}, card.Probe(ctx, "STR.edf"))
	assert.Equal(t, ProbeResult{Exists: true, Size: 8}, card.Probe(ctx, "/DATALOG/20240110/20240110_220037_BRP.edf"))
	assert.Equal(t, ProbeResult{}, card.Probe(ctx, "DATALOG/20240110/20240110_220036_BRP.edf"))
	assert.Equal(t, ProbeResult{}, card.Probe(ctx, "../etc/passwd"))

	assert.True(t, card.IsDirectory(ctx, "DATALOG/20240110"))
	assert.True(t, card.IsDirectory(ctx, "DATALOG/20240110/"))
	assert.False(t, card.IsDirectory(ctx, "DATALOG/20240111"))
	assert.False(t, card.IsDirectory(ctx, "STR.edf"))
}

func TestCardProbeNetworkFailureIsMissing(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()

	card, err := NewCard(CardConfig{Address: addr, Timeout: 500 * time.Millisecond})
	require.NoError(t, err)
	assert.Equal(t, ProbeResult{}, card.Probe(context.Background(), "STR.edf"))
}

func TestCardProbeHonorsContentTypeOverLength(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		w.Header().Set("Content-Length", "5000")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	card, err := NewCard(CardConfig{Address: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, ProbeResult{}, card.Probe(context.Background(), "anything.edf"))
}

func TestCardDownload(t *testing.T) {
	for _, zstdOn := range []bool{false, true} {
		_, card := startEmulator(t, EmulatorConfig{Root: newCardRoot(t), EnableZstd: zstdOn})
		var buf bytes.Buffer
		n, err := card.Download(context.Background(), "STR.edf", &buf)
		require.NoError(t, err, "zstd=%v", zstdOn)
		assert.Equal(t, int64(3000), n)
		assert.Equal(t, bytes.Repeat([]byte{7}, 3000), buf.Bytes())
	}
}

func TestCardDownloadMissing(t *testing.T) {
	_, card := startEmulator(t, EmulatorConfig{Root: newCardRoot(t), EnableZstd: true})
	var buf bytes.Buffer
	_, err := card.Download(context.Background(), "nope.edf", &buf)
	assert.True(t, errors.Is(err, ErrNotOnCard))
	assert.Zero(t, buf.Len())
}

func TestCardVersion(t *testing.T) {
	_, card := startEmulator(t, EmulatorConfig{Root: newCardRoot(t)})
	v, err := card.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, ConfirmedFirmware, v)

	_, other := startEmulator(t, EmulatorConfig{Root: newCardRoot(t), Version: "LZ1001EDPG:4.3.1:2013-01-01:12"})
	v, err = other.Version(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "4.3.1", v)
}

func TestCardVersionUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	addr := srv.URL
	srv.Close()
	card, err := NewCard(CardConfig{Address: addr})
	require.NoError(t, err)
	_, err = card.Version(context.Background())
	assert.Error(t, err)
}

func TestNewCardAddress(t *testing.T) {
	card, err := NewCard(CardConfig{})
	require.NoError(t, err)
	assert.Equal(t, "http://192.168.4.1/", card.BaseURL())
	assert.Equal(t, DefaultTimeout, card.client.Timeout)
	assert.Equal(t, "http://192.168.4.1/DATALOG/20240110/a_b.edf", card.URL("/DATALOG/20240110/a_b.edf"))

	card, err = NewCard(CardConfig{Address: "10.0.0.5:8080"})
	require.NoError(t, err)
	assert.Equal(t, "http://10.0.0.5:8080/STR.edf", card.URL("STR.edf"))

	_, err = NewCard(CardConfig{Address: "http://"})
	assert.Error(t, err)
}

func TestEmulatorFakePageOnGet(t *testing.T) {
	srv, _ := startEmulator(t, EmulatorConfig{Root: newCardRoot(t)})
	resp, err := http.Get(srv.URL + "/DATALOG/20990101/missing.edf")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/html", resp.Header.Get("Content-Type"))
}

func TestNewEmulatorRejectsBadRoot(t *testing.T) {
	_, err := NewEmulator(EmulatorConfig{})
	assert.Error(t, err)
	_, err = NewEmulator(EmulatorConfig{Root: filepath.Join(t.TempDir(), "absent")})
	assert.Error(t, err)
}

func TestEmulatorAllowList(t *testing.T) {
	ctx := context.Background()

	allowed, err := acl.Parse([]string{"127.0.0.0/8", "::1"})
	require.NoError(t, err)
	_, card := startEmulator(t, EmulatorConfig{Root: newCardRoot(t), Allow: allowed})
	assert.Equal(t, ProbeResult{Exists: true, Size: 3000}, card.Probe(ctx, "STR.edf"))

	others, err := acl.Parse([]string{"192.0.2.0/24"})
	require.NoError(t, err)
	srv, card := startEmulator(t, EmulatorConfig{Root: newCardRoot(t), Allow: others})
	resp, err := http.Get(srv.URL + "/STR.edf")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, ProbeResult{}, card.Probe(ctx, "STR.edf"))
	_, err = card.Version(ctx)
	assert.Error(t, err)
}
