package api

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/url"
	"os"
	"time"

	"vpkgate/pkg/render"
	"vpkgate/services/ingest"
	"vpkgate/services/lifecycle"
)

const uploadField = "file"

type artifactView struct {
	lifecycle.Artifact
	DownloadURL string `json:"download_url,omitempty"`
	ReportURL   string `json:"report_url"`
}

type uploadResponse struct {
	Accepted bool         `json:"accepted"`
	Artifact artifactView `json:"artifact"`
}

func newArtifactView(a lifecycle.Artifact) artifactView {
	v := artifactView{
		Artifact:  a,
		ReportURL: fmt.Sprintf("/v1/uploads/%s/report.txt", a.ID),
	}
	if a.Status == lifecycle.StatusActive {
		v.DownloadURL = fmt.Sprintf("/d/%s/%s", a.ID, url.PathEscape(downloadName(a)))
	}
	return v
}

// downloadName is the name offered to clients: the uploaded base name plus the server suffix.
func downloadName(a lifecycle.Artifact) string {
	base, err := lifecycle.BaseName(a.OriginalName)
	if err != nil {
		return a.StoredName
	}
	return base + "_server.vpk"
}

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	a.ingestUpload(w, r, lifecycle.TierGuest, 0, clientIP(r))
}

func (a *API) ingestUpload(w http.ResponseWriter, r *http.Request, tier lifecycle.Tier, ttl time.Duration, uploader string) {
	r.Body = http.MaxBytesReader(w, r.Body, a.config.MaxUploadBytes+multipartOverhead)

	mr, err := r.MultipartReader()
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("multipart form required: %w", err))
		return
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			respondError(w, http.StatusBadRequest, fmt.Errorf("missing %q form field", uploadField))
			return
		}
		if err != nil {
			respondDomainError(w, err)
			return
		}
		if part.FormName() != uploadField {
			_ = part.Close()
			continue
		}

		out, err := a.deps.Pipeline.Ingest(r.Context(), ingest.Upload{
			Body:     part,
			Filename: part.FileName(),
			Tier:     tier,
			TTL:      ttl,
			Uploader: uploader,
		})
		_ = part.Close()
		if err != nil {
			a.log.Warn().Err(err).Str("filename", part.FileName()).Str("tier", string(tier)).Msg("upload failed")
			respondDomainError(w, err)
			return
		}

		status := http.StatusCreated
		if !out.Accepted {
			status = http.StatusOK
		}
		respondJSON(w, status, uploadResponse{Accepted: out.Accepted, Artifact: newArtifactView(out.Artifact)})
		return
	}
}

func (a *API) handleGetUpload(w http.ResponseWriter, r *http.Request) {
	art, ok := a.lookup(w, r)
	if !ok {
		return
	}
	respondJSON(w, http.StatusOK, newArtifactView(art))
}

func (a *API) handleReport(w http.ResponseWriter, r *http.Request) {
	art, ok := a.lookup(w, r)
	if !ok {
		return
	}
	body, err := a.deps.Renderer.Render(render.Report, map[string]any{"Artifact": art})
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, body)
}

func (a *API) handleMirror(w http.ResponseWriter, r *http.Request) {
	id, err := artifactID(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	dl, err := a.deps.Lifecycle.Resolve(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if a.deps.Mirror == nil || dl.Artifact.RemoteKey == "" {
		respondError(w, http.StatusNotFound, errors.New("artifact is not mirrored"))
		return
	}
	link, err := a.deps.Mirror.URL(r.Context(), dl.Artifact.RemoteKey, a.config.MirrorURLTTL)
	if err != nil {
		respondError(w, http.StatusBadGateway, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"url":        link,
		"expires_in": int(a.config.MirrorURLTTL.Seconds()),
	})
}

func (a *API) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := artifactID(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	dl, err := a.deps.Lifecycle.Resolve(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return
	}

	f, err := os.Open(dl.Path)
	if err != nil {
		// swept between Resolve and Open
		if errors.Is(err, os.ErrNotExist) {
			respondDomainError(w, lifecycle.ErrNotFound)
			return
		}
		respondError(w, http.StatusInternalServerError, err)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		respondError(w, http.StatusInternalServerError, err)
		return
	}

	name := downloadName(dl.Artifact)
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.Header().Set("X-Upload-SHA256", dl.Artifact.SHA256)
	http.ServeContent(w, r, name, info.ModTime(), f)
}

func (a *API) lookup(w http.ResponseWriter, r *http.Request) (lifecycle.Artifact, bool) {
	id, err := artifactID(r)
	if err != nil {
		respondDomainError(w, err)
		return lifecycle.Artifact{}, false
	}
	art, err := a.deps.Lifecycle.Store().Get(r.Context(), id)
	if err != nil {
		respondDomainError(w, err)
		return lifecycle.Artifact{}, false
	}
	return art, true
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
