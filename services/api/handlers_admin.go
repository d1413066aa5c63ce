package api

import (
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"vpkgate/services/lifecycle"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000

	// maxHours is the largest whole hour count a time.Duration can hold.
	maxHours = float64(math.MaxInt64 / int64(time.Hour))
)

type expiryRequest struct {
	// Hours from now; zero or negative removes the expiry.
	Hours float64 `json:"hours"`
}

func (a *API) handleAdminList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := lifecycle.ListOptions{
		Status: lifecycle.Status(q.Get("status")),
		Query:  q.Get("q"),
		Limit:  defaultListLimit,
	}
	switch opts.Status {
	case "", lifecycle.StatusActive, lifecycle.StatusRejected, lifecycle.StatusDeleted:
	default:
		respondError(w, http.StatusBadRequest, fmt.Errorf("unknown status %q", opts.Status))
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", raw))
			return
		}
		opts.Limit = min(n, maxListLimit)
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()
	items, err := a.deps.Lifecycle.Store().List(ctx, opts)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	views := make([]artifactView, 0, len(items))
	for _, it := range items {
		views = append(views, newArtifactView(it))
	}
	respondJSON(w, http.StatusOK, map[string]any{"items": views})
}

func (a *API) handleAdminUpload(w http.ResponseWriter, r *http.Request) {
	var ttl time.Duration
	if raw := r.URL.Query().Get("ttl_hours"); raw != "" {
		hours, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("invalid ttl_hours %q", raw))
			return
		}
		if ttl, err = hoursDuration(hours); err != nil {
			respondError(w, http.StatusBadRequest, fmt.Errorf("ttl_hours: %w", err))
			return
		}
	}
	user, _, _ := r.BasicAuth()
	a.ingestUpload(w, r, lifecycle.TierAdmin, ttl, user)
}

func (a *API) handleAdminExpiry(w http.ResponseWriter, r *http.Request) {
	id, err := artifactID(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	var req expiryRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err)
		return
	}
	d, err := hoursDuration(req.Hours)
	if err != nil {
		respondError(w, http.StatusBadRequest, fmt.Errorf("hours: %w", err))
		return
	}
	var expiresAt *time.Time
	if d > 0 {
		t := a.deps.Lifecycle.Now().Add(d)
		expiresAt = &t
	}

	ctx, cancel := withTimeout(r.Context())
	defer cancel()
	art, err := a.deps.Lifecycle.SetExpiry(ctx, id, expiresAt)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, newArtifactView(art))
}

func (a *API) handleAdminDelete(w http.ResponseWriter, r *http.Request) {
	id, err := artifactID(r)
	if err != nil {
		respondDomainError(w, err)
		return
	}
	if err := a.deps.Lifecycle.Delete(r.Context(), id); err != nil {
		respondDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleAdminSweep(w http.ResponseWriter, r *http.Request) {
	res := a.deps.Lifecycle.Sweep(r.Context())
	respondJSON(w, http.StatusOK, res)
}

func hoursDuration(hours float64) (time.Duration, error) {
	if math.IsNaN(hours) || math.IsInf(hours, 0) {
		return 0, fmt.Errorf("%v is not a number of hours", hours)
	}
	if math.Abs(hours) > maxHours {
		return 0, fmt.Errorf("%v is out of range (at most %v)", hours, maxHours)
	}
	return time.Duration(hours * float64(time.Hour)), nil
}
