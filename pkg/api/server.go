package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/doctruth/regcore/pkg/artifact"
	"github.com/doctruth/regcore/pkg/auth"
	"github.com/doctruth/regcore/pkg/blobstore"
	"github.com/doctruth/regcore/pkg/charmap"
	"github.com/doctruth/regcore/pkg/evidence"
	"github.com/doctruth/regcore/pkg/faults"
	"github.com/doctruth/regcore/pkg/ingest"
	"github.com/doctruth/regcore/pkg/registry"
)

const multipartMemory = 32 << 20

// Server exposes the ingestion core over HTTP.
type Server struct {
	orch             *ingest.Orchestrator
	registry         *registry.Store
	evidence         *evidence.Store
	artifacts        *artifact.Service
	charmaps         *charmap.Service
	blobs            blobstore.Store
	verifier         auth.Verifier
	maxUploadBytes   int64
	signedURLExpires time.Duration
	logger           *slog.Logger
}

func NewServer(orch *ingest.Orchestrator, reg *registry.Store, ev *evidence.Store, art *artifact.Service, cm *charmap.Service, blobs blobstore.Store, verifier auth.Verifier, maxUploadBytes int64, signedURLExpires time.Duration, logger *slog.Logger) *Server {
	return &Server{
		orch:             orch,
		registry:         reg,
		evidence:         ev,
		artifacts:        art,
		charmaps:         cm,
		blobs:            blobs,
		verifier:         verifier,
		maxUploadBytes:   maxUploadBytes,
		signedURLExpires: signedURLExpires,
		logger:           logger,
	}
}

// Routes builds the handler chain. Uploads and char-artifact triggers need
// the operator role; reads accept operator or auditor.
func (s *Server) Routes() http.Handler {
	operator := s.requireRole(auth.RoleOperator)
	reader := s.requireRole(auth.RoleOperator, auth.RoleAuditor)

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/regulations/upload", operator(http.HandlerFunc(s.handleUpload)))
	mux.Handle("GET /api/v1/documents/{id}", reader(http.HandlerFunc(s.handleGetDocument)))
	mux.Handle("GET /api/v1/versions/{id}", reader(http.HandlerFunc(s.handleGetVersion)))
	mux.Handle("GET /api/v1/files/{id}", reader(http.HandlerFunc(s.handleGetFile)))
	mux.Handle("GET /api/v1/artifacts/{id}", reader(http.HandlerFunc(s.handleGetArtifact)))
	mux.Handle("POST /api/v1/versions/{id}/char-map", operator(http.HandlerFunc(s.handleEnsureCharMap)))
	mux.Handle("POST /api/v1/versions/{id}/char-boxes", operator(http.HandlerFunc(s.handleEnsureCharBoxes)))
	mux.HandleFunc("GET /health", s.handleHealth)

	return withLogging(s.logger, withCorrelationID(mux))
}

type uploadArtifacts struct {
	StableTextID *string `json:"stable_text_id"`
	PageMapID    *string `json:"page_map_id"`
	LayoutMapID  *string `json:"layout_map_id"`
	ChunkSetID   *string `json:"chunk_set_id"`
}

type uploadResponse struct {
	DocumentID            string                `json:"document_id"`
	VersionID             string                `json:"version_id"`
	FileID                string                `json:"file_id"`
	FingerprintSHA256     string                `json:"fingerprint_sha256"`
	IngestionStatus       string                `json:"ingestion_status"`
	Artifacts             uploadArtifacts       `json:"artifacts"`
	CorrelationID         string                `json:"correlation_id"`
	PrimaryAxisSource     string                `json:"primary_axis_source"`
	PrimaryAxisSuggestion *ingest.SuggestionOut `json:"primary_axis_suggestion,omitempty"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		if isBodyTooLarge(err) {
			s.writeTooLarge(w, r)
			return
		}
		WriteProblem(w, r, http.StatusBadRequest, string(faults.ValidationMissingFields),
			"malformed multipart body", CorrelationID(r.Context()))
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		WriteProblem(w, r, http.StatusBadRequest, string(faults.ValidationMissingFields),
			"file part is required", CorrelationID(r.Context()))
		return
	}
	defer file.Close()

	mime := hdr.Header.Get("Content-Type")
	if mime != "application/pdf" && !(mime == "" && strings.HasSuffix(strings.ToLower(hdr.Filename), ".pdf")) {
		WriteProblem(w, r, http.StatusBadRequest, string(faults.UnsupportedMime),
			"only application/pdf uploads are accepted", CorrelationID(r.Context()))
		return
	}

	pdf, err := io.ReadAll(file)
	if err != nil {
		if isBodyTooLarge(err) {
			s.writeTooLarge(w, r)
			return
		}
		WriteProblem(w, r, http.StatusBadRequest, string(faults.ValidationMissingFields),
			"unreadable file part", CorrelationID(r.Context()))
		return
	}

	year := 0
	if raw := strings.TrimSpace(r.FormValue("effective_year")); raw != "" {
		year, err = strconv.Atoi(raw)
		if err != nil {
			WriteProblem(w, r, http.StatusBadRequest, string(faults.ValidationMissingFields),
				"effective_year must be an integer", CorrelationID(r.Context()))
			return
		}
	}
	meta := ingest.Metadata{
		Title:            r.FormValue("title"),
		Jurisdiction:     r.FormValue("jurisdiction"),
		RegulationFamily: r.FormValue("regulation_family"),
		InstrumentType:   r.FormValue("instrument_type"),
		PrimaryAxis:      r.FormValue("primary_axis"),
		TenantID:         r.FormValue("tenant_id"),
		EffectiveYear:    year,
		EffectiveDate:    optFormValue(r, "effective_date"),
		VersionLabel:     optFormValue(r, "version_label"),
		ParentVersionID:  optFormValue(r, "parent_version_id"),
	}
	force := isTruthy(r.FormValue("force_new_version"))
	actor := "unknown"
	if p := PrincipalFrom(r.Context()); p != nil {
		actor = p.Subject
	}

	res, err := s.orch.Ingest(r.Context(), pdf, meta, actor, force)
	if err != nil {
		WriteFault(w, r, err)
		return
	}

	resp := &uploadResponse{
		DocumentID:            res.DocumentID,
		VersionID:             res.VersionID,
		FileID:                res.FileID,
		FingerprintSHA256:     res.SHA256,
		IngestionStatus:       res.IngestionStatus,
		CorrelationID:         res.CorrelationID,
		PrimaryAxisSource:     res.PrimaryAxisSource,
		PrimaryAxisSuggestion: res.PrimaryAxisSuggestion,
	}
	// A dedupe hit points at a version that may already be canonicalized;
	// surface its artifact ids. Fresh versions report nulls until the worker
	// finishes.
	if res.HTTPStatus == http.StatusOK {
		if v, err := s.registry.GetVersion(r.Context(), res.VersionID); err == nil {
			resp.Artifacts = artifactIDsFromVersion(v)
		}
	}
	writeJSON(w, res.HTTPStatus, resp)
}

// isBodyTooLarge spots the MaxBytesReader limit firing inside multipart
// parsing, where it would otherwise surface as a generic parse error.
func isBodyTooLarge(err error) bool {
	var mbe *http.MaxBytesError
	return errors.As(err, &mbe)
}

func (s *Server) writeTooLarge(w http.ResponseWriter, r *http.Request) {
	WriteProblem(w, r, http.StatusRequestEntityTooLarge, string(faults.PayloadTooLarge),
		"request body exceeds the upload limit", CorrelationID(r.Context()))
}

func artifactIDsFromVersion(v *registry.Version) uploadArtifacts {
	var out uploadArtifacts
	if v.ArtifactsJSON == nil {
		return out
	}
	var ids map[string]string
	if err := json.Unmarshal([]byte(*v.ArtifactsJSON), &ids); err != nil {
		return out
	}
	pick := func(key string) *string {
		if id, ok := ids[key]; ok && id != "" {
			return &id
		}
		return nil
	}
	out.StableTextID = pick("stable_text_id")
	out.PageMapID = pick("page_map_id")
	out.LayoutMapID = pick("layout_map_id")
	out.ChunkSetID = pick("chunk_set_id")
	return out
}

func (s *Server) handleGetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := s.registry.GetDocument(r.Context(), r.PathValue("id"))
	if errors.Is(err, registry.ErrDocumentNotFound) {
		WriteProblem(w, r, http.StatusNotFound, "NOT_FOUND", "document not found", CorrelationID(r.Context()))
		return
	}
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) handleGetVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.registry.GetVersion(r.Context(), r.PathValue("id"))
	if errors.Is(err, registry.ErrVersionNotFound) {
		WriteProblem(w, r, http.StatusNotFound, "NOT_FOUND", "version not found", CorrelationID(r.Context()))
		return
	}
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

type fileResponse struct {
	FileID     string `json:"file_id"`
	SignedURL  string `json:"signed_url,omitempty"`
	StorageURI string `json:"storage_uri,omitempty"`
	MimeType   string `json:"mime_type"`
	SHA256     string `json:"sha256"`
	SizeBytes  int64  `json:"size_bytes"`
}

func (s *Server) handleGetFile(w http.ResponseWriter, r *http.Request) {
	f, err := s.evidence.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, evidence.ErrNotFound) {
		WriteProblem(w, r, http.StatusNotFound, string(faults.EvidenceNotFound), "evidence file not found", CorrelationID(r.Context()))
		return
	}
	if err != nil {
		WriteFault(w, r, err)
		return
	}

	resp := &fileResponse{
		FileID:    f.FileID,
		MimeType:  f.MimeType,
		SHA256:    f.SHA256,
		SizeBytes: f.SizeBytes,
	}
	if strings.HasPrefix(f.StorageURI, "s3://") {
		url, err := blobstore.SignedURLFromURI(r.Context(), s.blobs, f.StorageURI, s.signedURLExpires)
		if err != nil {
			WriteFault(w, r, err)
			return
		}
		resp.SignedURL = url
	} else {
		resp.StorageURI = f.StorageURI
	}
	writeJSON(w, http.StatusOK, resp)
}

type artifactResponse struct {
	*artifact.Artifact
	SignedURL string `json:"signed_url,omitempty"`
}

func (s *Server) handleGetArtifact(w http.ResponseWriter, r *http.Request) {
	a, err := s.artifacts.Get(r.Context(), r.PathValue("id"))
	if errors.Is(err, artifact.ErrNotFound) {
		WriteProblem(w, r, http.StatusNotFound, "NOT_FOUND", "artifact not found", CorrelationID(r.Context()))
		return
	}
	if err != nil {
		WriteFault(w, r, err)
		return
	}

	resp := &artifactResponse{Artifact: a}
	if strings.HasPrefix(a.StorageURI, "s3://") {
		url, err := s.artifacts.SignedURL(r.Context(), a, s.signedURLExpires)
		if err != nil {
			WriteFault(w, r, err)
			return
		}
		resp.SignedURL = url
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleEnsureCharMap(w http.ResponseWriter, r *http.Request) {
	s.ensureChar(w, r, s.charmaps.EnsureCharMap)
}

func (s *Server) handleEnsureCharBoxes(w http.ResponseWriter, r *http.Request) {
	s.ensureChar(w, r, s.charmaps.EnsureCharBoxes)
}

func (s *Server) ensureChar(w http.ResponseWriter, r *http.Request, ensure func(ctx context.Context, versionID, actor string) (*charmap.Result, error)) {
	actor := "unknown"
	if p := PrincipalFrom(r.Context()); p != nil {
		actor = p.Subject
	}
	res, err := ensure(r.Context(), r.PathValue("id"), actor)
	if errors.Is(err, registry.ErrVersionNotFound) {
		WriteProblem(w, r, http.StatusNotFound, "NOT_FOUND", "version not found", CorrelationID(r.Context()))
		return
	}
	if err != nil {
		WriteFault(w, r, err)
		return
	}
	status := http.StatusOK
	switch res.Status {
	case charmap.StatusCreated:
		status = http.StatusCreated
	case charmap.StatusNotReady:
		status = http.StatusConflict
	case charmap.StatusRejected:
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func optFormValue(r *http.Request, key string) *string {
	v := strings.TrimSpace(r.FormValue(key))
	if v == "" {
		return nil
	}
	return &v
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "true", "1", "yes":
		return true
	}
	return false
}
