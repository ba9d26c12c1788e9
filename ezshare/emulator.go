package ezshare

import (
	"fmt"
	"html"
	"io"
	"io/fs"
	"net"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"

	"github.com/threatexpert/cpapsync/acl"
	"github.com/threatexpert/cpapsync/misc"
)

// DefaultEmulatedVersion is what a firmware 4.4.0 card reports.
const DefaultEmulatedVersion = "LZ1001EDPG:4.4.0:2014-07-28:62 LZ1001EDRS:4.4.0:2014-07-28:62"

// EmulatorConfig configures a fake card serving a local copy of an SD card.
type EmulatorConfig struct {
	Root       string
	ListenAddr string
	Listener   net.Listener
	// Version is the free text inside <version>; empty means DefaultEmulatedVersion.
	Version    string
	EnableZstd bool
	// Allow restricts which clients are served; nil serves everyone.
	Allow  *acl.List
	Logger *misc.Logger
}

// Emulator reproduces the firmware 4.4.0 behavior the sync tool works around:
// every request answers 200, and missing paths come back as an HTML page
// instead of a 404.
type Emulator struct {
	config EmulatorConfig
	root   string
	log    *misc.Logger
}

func NewEmulator(cfg EmulatorConfig) (*Emulator, error) {
	if cfg.Root == "" {
		return nil, errors.New("emulator root directory must be provided")
	}
	abs, err := filepath.Abs(cfg.Root)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid root path %s", cfg.Root)
	}
	st, err := os.Stat(abs)
	if err != nil {
		return nil, errors.Wrap(err, "stat emulator root")
	}
	if !st.IsDir() {
		return nil, errors.Errorf("emulator root %s is not a directory", abs)
	}
	if cfg.Version == "" {
		cfg.Version = DefaultEmulatedVersion
	}
	if cfg.Logger == nil {
		cfg.Logger = misc.Discard()
	}
	e := &Emulator{config: cfg, root: abs, log: cfg.Logger}
	e.log.Infof("emulating card firmware %q from %s", cfg.Version, abs)
	if rules := cfg.Allow.Rules(); len(rules) > 0 {
		e.log.Infof("serving only %s", strings.Join(rules, ", "))
	}
	return e, nil
}

// Handler serves the card's endpoints.
func (e *Emulator) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/client", e.serveClient)
	var files http.Handler = http.HandlerFunc(e.serveFiles)
	if e.config.EnableZstd {
		files = e.zstdMiddleware(files)
	}
	mux.Handle("/", files)
	if e.config.Allow == nil {
		return mux
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !e.config.Allow.Allows(r.RemoteAddr) {
			e.log.Warnf("refused %s %s from %s", r.Method, r.URL.Path, r.RemoteAddr)
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
		mux.ServeHTTP(w, r)
	})
}

// Start runs the HTTP server until the listener fails.
func (e *Emulator) Start() error {
	ln := e.config.Listener
	if ln == nil {
		if e.config.ListenAddr == "" {
			return errors.New("ListenAddr cannot be empty if no Listener is provided")
		}
		var err error
		ln, err = net.Listen("tcp", e.config.ListenAddr)
		if err != nil {
			return errors.Wrapf(err, "listen on %s", e.config.ListenAddr)
		}
	}
	defer ln.Close()
	e.log.Infof("card emulator listening on %s", ln.Addr())

	server := &http.Server{
		Handler:           e.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}
	return server.Serve(ln)
}

func (e *Emulator) serveClient(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("command") != "version" {
		e.notFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "text/xml")
	fmt.Fprintf(w, "<?xml version=\"1.0\" encoding=\"UTF-8\"?>\n<response><device><version>%s</version></device></response>\n",
		html.EscapeString(e.config.Version))
}

// notFound is the firmware's answer to a missing path: 200, text/html, chunked.
func (e *Emulator) notFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	w.WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	io.WriteString(w, "<html><head><title>ez Share</title></head><body>file not found</body></html>")
	e.log.Verbosef("fake page for missing %s", r.URL.Path)
}

// resolve maps a URL path onto the root, refusing anything that escapes it.
func (e *Emulator) resolve(urlPath string) (string, bool) {
	clean := path.Clean("/" + urlPath)
	full := filepath.Join(e.root, filepath.FromSlash(clean))
	if full != e.root && !strings.HasPrefix(full, e.root+string(os.PathSeparator)) {
		return "", false
	}
	return full, true
}

func (e *Emulator) serveFiles(w http.ResponseWriter, r *http.Request) {
	full, ok := e.resolve(r.URL.Path)
	if !ok {
		e.notFound(w, r)
		return
	}
	f, err := os.Open(full)
	if err != nil {
		e.notFound(w, r)
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		e.notFound(w, r)
		return
	}

	if st.IsDir() {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Type", "text/plain")
			w.Header().Set("Content-Length", "0")
			w.WriteHeader(http.StatusOK)
			return
		}
		e.serveListing(w, f, r.URL.Path)
		return
	}

	w.Header().Set("Content-Type", "text/plain")
	if r.Method == http.MethodHead {
		// The firmware puts the size where the disposition type belongs.
		w.Header().Set("Content-Disposition", strconv.FormatInt(st.Size(), 10))
	} else {
		w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, st.Name()))
	}
	e.log.Verbosef("%s %s (%s)", r.Method, r.URL.Path, misc.FormatBytes(st.Size()))
	http.ServeContent(w, r, st.Name(), st.ModTime(), f)
}

// serveListing renders the directory page. On real 4.4.0 cards this page is
// unreliable, so the sync client never reads it.
func (e *Emulator) serveListing(w http.ResponseWriter, dir fs.ReadDirFile, displayPath string) {
	entries, err := dir.ReadDir(-1)
	if err != nil {
		e.log.Warnf("partial listing of %s: %v", displayPath, err)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].IsDir() != entries[j].IsDir() {
			return entries[i].IsDir()
		}
		return entries[i].Name() < entries[j].Name()
	})

	var sb strings.Builder
	sb.WriteString("<html><head><title>ez Share</title></head><body><h1>")
	sb.WriteString(html.EscapeString(displayPath))
	sb.WriteString("</h1><pre>\n")
	for _, de := range entries {
		name := de.Name()
		size := "&lt;DIR&gt;"
		if !de.IsDir() {
			if info, err := de.Info(); err == nil {
				size = strconv.FormatInt(info.Size(), 10)
			}
		} else {
			name += "/"
		}
		fmt.Fprintf(&sb, "%12s  <a href=\"%s\">%s</a>\n", size, html.EscapeString(name), html.EscapeString(name))
	}
	sb.WriteString("</pre></body></html>")

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	io.WriteString(w, sb.String())
}

// zstdWriter compresses the response body.
type zstdWriter struct {
	http.ResponseWriter
	enc *zstd.Encoder
}

func (z *zstdWriter) Write(p []byte) (int, error) {
	return z.enc.Write(p)
}

func (z *zstdWriter) WriteHeader(status int) {
	z.Header().Del("Content-Length")
	z.ResponseWriter.WriteHeader(status)
}

// zstdMiddleware compresses GET bodies for clients that accept zstd. HEAD
// responses keep their Content-Length, which probing depends on.
func (e *Emulator) zstdMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || !strings.Contains(r.Header.Get("Accept-Encoding"), "zstd") {
			next.ServeHTTP(w, r)
			return
		}
		enc, err := zstd.NewWriter(w)
		if err != nil {
			e.log.Errorf("create zstd encoder: %v", err)
			http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			return
		}
		defer enc.Close()

		w.Header().Set("Content-Encoding", "zstd")
		w.Header().Set("Vary", "Accept-Encoding")
		next.ServeHTTP(&zstdWriter{ResponseWriter: w, enc: enc}, r)
	})
}
