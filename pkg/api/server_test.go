package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/doctruth/regcore/pkg/artifact"
	"github.com/doctruth/regcore/pkg/audit"
	"github.com/doctruth/regcore/pkg/auth"
	"github.com/doctruth/regcore/pkg/blobstore"
	"github.com/doctruth/regcore/pkg/bus"
	"github.com/doctruth/regcore/pkg/charmap"
	"github.com/doctruth/regcore/pkg/evidence"
	"github.com/doctruth/regcore/pkg/extract"
	"github.com/doctruth/regcore/pkg/ingest"
	"github.com/doctruth/regcore/pkg/registry"
	"github.com/doctruth/regcore/pkg/rules"
	"github.com/doctruth/regcore/pkg/store"
)

type apiEnv struct {
	server  *Server
	handler http.Handler
	reg     *registry.Store
	ev      *evidence.Store
	art     *artifact.Service
}

func newAPIEnv(t *testing.T, verifier auth.Verifier) *apiEnv {
	t.Helper()
	return newAPIEnvLimit(t, verifier, 64<<20)
}

func newAPIEnvLimit(t *testing.T, verifier auth.Verifier, maxUploadBytes int64) *apiEnv {
	t.Helper()
	db, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.Migrate(context.Background(), db))

	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)

	reg := registry.NewStore(db)
	aud := audit.NewService(db)
	ev := evidence.NewStore(db, blobs)
	art := artifact.NewService(db, blobs)
	b := bus.NewMemoryBus(slog.Default())
	t.Cleanup(func() { _ = b.Close() })

	orch := ingest.NewOrchestrator(reg, ev, aud, rules.NewStore(db), b, nil,
		ingest.Options{DefaultRules: rules.Defaults(50)},
		slog.Default(), noop.NewTracerProvider().Tracer("test"))
	cm := charmap.NewService(reg, ev, art, aud, extract.NewPlainTextExtractor(), 500,
		"plaintext@1.0.0", "plaintext-layout@1.0.0", slog.Default())

	srv := NewServer(orch, reg, ev, art, cm, blobs, verifier, maxUploadBytes, 15*time.Minute, slog.Default())
	return &apiEnv{server: srv, handler: srv.Routes(), reg: reg, ev: ev, art: art}
}

func uploadRequest(t *testing.T, fields map[string]string, pdf []byte) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="reg.pdf"`)
	hdr.Set("Content-Type", "application/pdf")
	fw, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = fw.Write(pdf)
	require.NoError(t, err)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/regulations/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func signTestToken(t *testing.T, secret, subject, role string) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":   subject,
		"roles": []any{role},
		"exp":   time.Now().Add(time.Hour).Unix(),
	})
	s, err := tok.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func cbamFields() map[string]string {
	return map[string]string{
		"title":             "EU CBAM",
		"jurisdiction":      "EU",
		"regulation_family": "carbon",
		"instrument_type":   "regulation",
		"tenant_id":         "t1",
		"effective_year":    "2026",
	}
}

func doUpload(t *testing.T, env *apiEnv, fields map[string]string, pdf []byte) (*httptest.ResponseRecorder, uploadResponse) {
	t.Helper()
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, uploadRequest(t, fields, pdf))
	var resp uploadResponse
	if rec.Code < 300 {
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	}
	return rec, resp
}

func TestUpload_CreatesDocument(t *testing.T) {
	env := newAPIEnv(t, auth.NoneVerifier{})

	rec, resp := doUpload(t, env, cbamFields(), []byte("%PDF-1.7 payload"))
	require.Equal(t, http.StatusCreated, rec.Code)
	require.Equal(t, ingest.StatusCreatedNewDocAndVersion, resp.IngestionStatus)
	require.NotEmpty(t, resp.DocumentID)
	require.NotEmpty(t, resp.VersionID)
	require.NotEmpty(t, resp.FileID)
	require.NotEmpty(t, resp.CorrelationID)
	require.NotEmpty(t, rec.Header().Get("X-Correlation-ID"))
	// Fresh versions report null artifact ids until the worker runs.
	require.Nil(t, resp.Artifacts.StableTextID)
	require.Nil(t, resp.Artifacts.ChunkSetID)
}

func TestUpload_DedupeReturns200(t *testing.T) {
	env := newAPIEnv(t, auth.NoneVerifier{})
	pdf := []byte("same bytes")

	rec1, first := doUpload(t, env, cbamFields(), pdf)
	require.Equal(t, http.StatusCreated, rec1.Code)

	rec2, second := doUpload(t, env, cbamFields(), pdf)
	require.Equal(t, http.StatusOK, rec2.Code)
	require.Equal(t, ingest.StatusDedupReturnExisting, second.IngestionStatus)
	require.Equal(t, first.VersionID, second.VersionID)
	require.Equal(t, first.FileID, second.FileID)
}

func TestUpload_RejectsNonPDF(t *testing.T) {
	env := newAPIEnv(t, auth.NoneVerifier{})

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "reg.docx")
	require.NoError(t, err)
	_, err = fw.Write([]byte("not a pdf"))
	require.NoError(t, err)
	for k, v := range cbamFields() {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/v1/regulations/upload", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "application/problem+json", rec.Header().Get("Content-Type"))
	var problem ProblemDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&problem))
	require.Equal(t, "UNSUPPORTED_MIME", problem.Title)
}

func TestUpload_MissingFieldsProblem(t *testing.T) {
	env := newAPIEnv(t, auth.NoneVerifier{})
	fields := cbamFields()
	delete(fields, "tenant_id")

	rec, _ := doUpload(t, env, fields, []byte("pdf"))
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var problem ProblemDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&problem))
	require.Equal(t, "VALIDATION_MISSING_FIELDS", problem.Title)
	require.Contains(t, problem.Detail, "tenant_id")
	require.NotEmpty(t, problem.CorrelationID)
	require.Equal(t, "/api/v1/regulations/upload", problem.Instance)
}

func TestUpload_BodyOverLimitReturns413(t *testing.T) {
	env := newAPIEnvLimit(t, auth.NoneVerifier{}, 1024)

	rec, _ := doUpload(t, env, cbamFields(), bytes.Repeat([]byte("x"), 4096))
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	var problem ProblemDetail
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&problem))
	require.Equal(t, "PAYLOAD_TOO_LARGE", problem.Title)
	require.NotEmpty(t, problem.CorrelationID)
}

func TestGetDocumentAndVersion(t *testing.T) {
	env := newAPIEnv(t, auth.NoneVerifier{})
	_, resp := doUpload(t, env, cbamFields(), []byte("pdf"))

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/documents/"+resp.DocumentID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var doc registry.Document
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&doc))
	require.Equal(t, "EU CBAM", doc.Title)

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/versions/"+resp.VersionID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var v registry.Version
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v))
	require.Equal(t, registry.StatusPending, v.Status)

	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/documents/missing", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetFile_LocalReturnsStorageURI(t *testing.T) {
	env := newAPIEnv(t, auth.NoneVerifier{})
	_, resp := doUpload(t, env, cbamFields(), []byte("pdf"))

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/files/"+resp.FileID, nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var f fileResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&f))
	require.Equal(t, resp.FileID, f.FileID)
	require.Equal(t, "application/pdf", f.MimeType)
	require.Equal(t, resp.FingerprintSHA256, f.SHA256)
	require.Empty(t, f.SignedURL)
	require.Contains(t, f.StorageURI, "file://")
}

func TestEnsureCharMap(t *testing.T) {
	env := newAPIEnv(t, auth.NoneVerifier{})
	_, resp := doUpload(t, env, cbamFields(), []byte("page one\ftwo"))

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/versions/"+resp.VersionID+"/char-map", nil))
	require.Equal(t, http.StatusCreated, rec.Code)
	var res charmap.Result
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	require.Equal(t, charmap.StatusCreated, res.Status)
	require.NotEmpty(t, res.ArtifactID)

	// The artifact is readable through the lookup endpoint. Local storage
	// exposes the storage URI and no signed URL.
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/artifacts/"+res.ArtifactID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var a artifactResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&a))
	require.Equal(t, artifact.KindCharMap, a.Kind)
	require.Empty(t, a.SignedURL)
	require.Contains(t, a.StorageURI, "file://")

	// Second call reports EXISTS.
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/versions/"+resp.VersionID+"/char-map", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&res))
	require.Equal(t, charmap.StatusExists, res.Status)
}

func TestAuth_JWTGates(t *testing.T) {
	env := newAPIEnv(t, auth.NewHS256Verifier("secret", "", ""))

	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, uploadRequest(t, cbamFields(), []byte("pdf")))
	require.Equal(t, http.StatusUnauthorized, rec.Code)

	auditorToken := signTestToken(t, "secret", "carol", "auditor")
	req := uploadRequest(t, cbamFields(), []byte("pdf"))
	req.Header.Set("Authorization", "Bearer "+auditorToken)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	operatorToken := signTestToken(t, "secret", "dave", "operator")
	req = uploadRequest(t, cbamFields(), []byte("pdf"))
	req.Header.Set("Authorization", "Bearer "+operatorToken)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code)

	// Auditors may read.
	var resp uploadResponse
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&resp))
	getReq := httptest.NewRequest(http.MethodGet, "/api/v1/versions/"+resp.VersionID, nil)
	getReq.Header.Set("Authorization", "Bearer "+auditorToken)
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, getReq)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestHealth(t *testing.T) {
	env := newAPIEnv(t, auth.NoneVerifier{})
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body, _ := io.ReadAll(rec.Body)
	require.JSONEq(t, `{"status":"ok"}`, string(body))
}
