package e2e_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"

	"github.com/ShadowGaming100/upload-to-drive/internal/drive"
	"github.com/ShadowGaming100/upload-to-drive/internal/manifest"
)

const (
	testIdentity = "uploader@e2e.iam.gserviceaccount.com"
	foreignOwner = "someone-else@example.com"

	folderMime = "application/vnd.google-apps.folder"
)

// fakeNode is one entity (folder or file) in the fake Drive store.
type fakeNode struct {
	id      string
	name    string
	parent  string
	mime    string
	owner   string
	content []byte
}

// fakeDrive is an in-memory Drive v3 backend covering the endpoints
// the client uses: token minting, list queries, folder creation,
// multipart upload and update, ownership lookup, deletion.
type fakeDrive struct {
	mu      sync.Mutex
	nodes   map[string]*fakeNode
	nextID  int
	uploads int
}

func newFakeDrive() *fakeDrive {
	return &fakeDrive{nodes: make(map[string]*fakeNode)}
}

func (f *fakeDrive) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", f.handleToken)
	mux.HandleFunc("/files", f.handleFiles)
	mux.HandleFunc("/files/", f.handleFile)
	mux.HandleFunc("/upload/drive/v3/files", f.handleUpload)
	mux.HandleFunc("/upload/drive/v3/files/", f.handleUpdate)

	return mux
}

func (f *fakeDrive) add(n *fakeNode) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	n.id = fmt.Sprintf("node-%04d", f.nextID)
	f.nodes[n.id] = n

	return n.id
}

func (f *fakeDrive) seedRoot() string {
	return f.add(&fakeNode{name: "root", mime: folderMime, owner: testIdentity})
}

func (f *fakeDrive) addFolder(parent, name, owner string) string {
	return f.add(&fakeNode{name: name, parent: parent, mime: folderMime, owner: owner})
}

func (f *fakeDrive) addFile(parent, name, owner, content string) string {
	return f.add(&fakeNode{
		name:    name,
		parent:  parent,
		mime:    "text/plain",
		owner:   owner,
		content: []byte(content),
	})
}

// --- HTTP handlers ---

func (f *fakeDrive) handleToken(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"access_token": "e2e-token",
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (f *fakeDrive) handleFiles(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		f.handleList(w, r)
	case http.MethodPost:
		f.handleCreateFolder(w, r)
	default:
		apiError(w, http.StatusMethodNotAllowed, "unsupported method")
	}
}

var (
	parentRe = regexp.MustCompile(`'([^']*)' in parents`)
	nameRe   = regexp.MustCompile(`name = '((?:[^'\\]|\\.)*)'`)
)

// unescapeQuery reverses the client's query escaping in a single pass.
func unescapeQuery(s string) string {
	var b strings.Builder

	for i := 0; i < len(s); i++ {
		if s[i] == '\\' && i+1 < len(s) {
			i++
		}
		b.WriteByte(s[i])
	}

	return b.String()
}

func (f *fakeDrive) handleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")

	m := parentRe.FindStringSubmatch(q)
	if m == nil {
		apiError(w, http.StatusBadRequest, "query has no parents clause")

		return
	}
	parent := unescapeQuery(m[1])

	wantName := ""
	hasName := false
	if nm := nameRe.FindStringSubmatch(q); nm != nil {
		wantName = unescapeQuery(nm[1])
		hasName = true
	}

	foldersOnly := strings.Contains(q, "mimeType = '")
	filesOnly := strings.Contains(q, "mimeType != '")
	ownedOnly := strings.Contains(q, "' in owners")

	var out []map[string]string

	for _, n := range f.snapshot() {
		if n.parent != parent {
			continue
		}
		if hasName && n.name != wantName {
			continue
		}
		if foldersOnly && n.mime != folderMime {
			continue
		}
		if filesOnly && n.mime == folderMime {
			continue
		}
		if ownedOnly && n.owner != testIdentity {
			continue
		}

		out = append(out, map[string]string{"id": n.id, "name": n.name})
	}

	writeJSON(w, map[string]any{"files": out})
}

func (f *fakeDrive) handleCreateFolder(w http.ResponseWriter, r *http.Request) {
	var meta struct {
		Name     string   `json:"name"`
		MimeType string   `json:"mimeType"`
		Parents  []string `json:"parents"`
	}
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		apiError(w, http.StatusBadRequest, err.Error())

		return
	}

	if meta.MimeType != folderMime || len(meta.Parents) != 1 {
		apiError(w, http.StatusBadRequest, "not a folder create")

		return
	}

	id := f.addFolder(meta.Parents[0], meta.Name, testIdentity)
	writeJSON(w, map[string]string{"id": id})
}

func (f *fakeDrive) handleFile(w http.ResponseWriter, r *http.Request) {
	id := path.Base(r.URL.Path)

	f.mu.Lock()
	node, ok := f.nodes[id]
	f.mu.Unlock()

	if !ok {
		apiError(w, http.StatusNotFound, "no such entity")

		return
	}

	switch r.Method {
	case http.MethodGet:
		writeJSON(w, map[string]any{
			"owners": []map[string]string{{"emailAddress": node.owner}},
		})
	case http.MethodDelete:
		f.removeTree(id)
		w.WriteHeader(http.StatusNoContent)
	default:
		apiError(w, http.StatusMethodNotAllowed, "unsupported method")
	}
}

func (f *fakeDrive) handleUpload(w http.ResponseWriter, r *http.Request) {
	meta, mediaType, media, err := splitUpload(r)
	if err != nil {
		apiError(w, http.StatusBadRequest, err.Error())

		return
	}

	var fields struct {
		Name    string   `json:"name"`
		Parents []string `json:"parents"`
	}
	if err := json.Unmarshal(meta, &fields); err != nil {
		apiError(w, http.StatusBadRequest, err.Error())

		return
	}

	id := f.add(&fakeNode{
		name:    fields.Name,
		parent:  fields.Parents[0],
		mime:    mediaType,
		owner:   testIdentity,
		content: media,
	})

	f.mu.Lock()
	f.uploads++
	f.mu.Unlock()

	writeJSON(w, map[string]string{"id": id})
}

func (f *fakeDrive) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := path.Base(r.URL.Path)

	_, mediaType, media, err := splitUpload(r)
	if err != nil {
		apiError(w, http.StatusBadRequest, err.Error())

		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	node, ok := f.nodes[id]
	if !ok {
		apiError(w, http.StatusNotFound, "no such file")

		return
	}

	node.content = media
	node.mime = mediaType
	f.uploads++

	writeJSON(w, map[string]string{"id": id})
}

// splitUpload splits a multipart upload body into its metadata JSON
// and media bytes.
func splitUpload(r *http.Request) (meta []byte, mediaType string, media []byte, err error) {
	_, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		return nil, "", nil, err
	}

	mr := multipart.NewReader(r.Body, params["boundary"])

	metaPart, err := mr.NextPart()
	if err != nil {
		return nil, "", nil, err
	}

	meta, err = io.ReadAll(metaPart)
	if err != nil {
		return nil, "", nil, err
	}

	mediaPart, err := mr.NextPart()
	if err != nil {
		return nil, "", nil, err
	}

	media, err = io.ReadAll(mediaPart)
	if err != nil {
		return nil, "", nil, err
	}

	return meta, mediaPart.Header.Get("Content-Type"), media, nil
}

func (f *fakeDrive) removeTree(id string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removeTreeLocked(id)
}

func (f *fakeDrive) removeTreeLocked(id string) {
	for _, n := range f.nodes {
		if n.parent == id {
			f.removeTreeLocked(n.id)
		}
	}

	delete(f.nodes, id)
}

// snapshot returns all nodes ordered by id so listings are stable.
func (f *fakeDrive) snapshot() []*fakeNode {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]*fakeNode, 0, len(f.nodes))
	for _, n := range f.nodes {
		out = append(out, n)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })

	return out
}

// --- Assertion helpers ---

func (f *fakeDrive) child(parent, name string) *fakeNode {
	for _, n := range f.snapshot() {
		if n.parent == parent && n.name == name {
			return n
		}
	}

	return nil
}

func (f *fakeDrive) mustFolder(t *testing.T, parent, name string) *fakeNode {
	t.Helper()
	n := f.child(parent, name)
	require.NotNil(t, n, "folder %q not found under %s", name, parent)
	require.Equal(t, folderMime, n.mime, "%q is not a folder", name)

	return n
}

func (f *fakeDrive) mustFile(t *testing.T, parent, name string) *fakeNode {
	t.Helper()
	n := f.child(parent, name)
	require.NotNil(t, n, "file %q not found under %s", name, parent)
	require.NotEqual(t, folderMime, n.mime, "%q is a folder, not a file", name)

	return n
}

func (f *fakeDrive) contentOf(id string) string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n, ok := f.nodes[id]; ok {
		return string(n.content)
	}

	return ""
}

func (f *fakeDrive) exists(id string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.nodes[id]

	return ok
}

func (f *fakeDrive) countNamed(parent, name string) int {
	count := 0

	for _, n := range f.snapshot() {
		if n.parent == parent && n.name == name {
			count++
		}
	}

	return count
}

func (f *fakeDrive) uploadCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.uploads
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func apiError(w http.ResponseWriter, code int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	fmt.Fprintf(w, `{"error":{"code":%d,"message":%q}}`, code, msg)
}

// --- Harness ---

// harness holds the full e2e stack: a fake Drive API behind httptest,
// a real client authenticated through the fake token endpoint with a
// throwaway service account key, and a local input directory.
type harness struct {
	Drive    *fakeDrive
	InputDir string
	RootID   string
	client   *drive.Client
	logger   *slog.Logger
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	fake := newFakeDrive()
	rootID := fake.seedRoot()

	ts := httptest.NewServer(fake.handler())
	t.Cleanup(ts.Close)

	key := serviceAccountKey(t, ts.URL+"/token")

	creds, err := drive.LoadCredentials(base64.StdEncoding.EncodeToString(key))
	require.NoError(t, err)
	require.Equal(t, testIdentity, creds.Email)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	client, err := drive.NewClient(ctx, creds, logger,
		option.WithEndpoint(ts.URL),
	)
	require.NoError(t, err)

	return &harness{
		Drive:    fake,
		InputDir: t.TempDir(),
		RootID:   rootID,
		client:   client,
		logger:   logger,
	}
}

// serviceAccountKey builds a throwaway service account key whose
// token_uri points at the fake token endpoint. The RSA key is real so
// the JWT assertion actually signs.
func serviceAccountKey(t *testing.T, tokenURL string) []byte {
	t.Helper()

	rsaKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	der, err := x509.MarshalPKCS8PrivateKey(rsaKey)
	require.NoError(t, err)

	pemKey := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})

	key, err := json.Marshal(map[string]string{
		"type":         "service_account",
		"project_id":   "e2e",
		"private_key":  string(pemKey),
		"client_email": testIdentity,
		"token_uri":    tokenURL,
	})
	require.NoError(t, err)

	return key
}

func (h *harness) write(t *testing.T, rel, content string) {
	t.Helper()
	p := filepath.Join(h.InputDir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(p), 0o755))
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
}

func (h *harness) remove(t *testing.T, rel string) {
	t.Helper()
	require.NoError(t, os.RemoveAll(filepath.Join(h.InputDir, filepath.FromSlash(rel))))
}

// run executes one full reconciliation against the fake Drive.
func (h *harness) run(t *testing.T, cfg drive.EngineConfig, job *manifest.Job) {
	t.Helper()

	if len(cfg.Inputs) == 0 {
		cfg.Inputs = []string{h.InputDir}
	}
	if cfg.Filter == "" {
		cfg.Filter = "*"
	}
	if cfg.TargetID == "" {
		cfg.TargetID = h.RootID
	}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	engine := drive.NewEngine(cfg, afero.NewOsFs(), h.client, job, h.logger)
	require.NoError(t, engine.Run(ctx))
}
