package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"
	goerrors "github.com/goliatone/go-errors"

	"github.com/goliatone/go-insight-cache/cache"
)

const (
	defaultDays = 7
	maxDays     = 365
)

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (a *api) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	body := errorBody{Error: err.Error()}

	var gerr *goerrors.Error
	if errors.As(err, &gerr) {
		body.Code = gerr.TextCode
		switch gerr.Category {
		case goerrors.CategoryValidation:
			status = http.StatusBadRequest
		case goerrors.CategoryNotFound:
			status = http.StatusNotFound
		}
	}
	if cache.IsUpstreamFetchFailed(err) {
		status = http.StatusBadGateway
	}

	a.logger.Warn().Err(err).Str("path", r.URL.Path).Int("status", status).Msg("request failed")
	writeJSON(w, status, body)
}

func badRequest(w http.ResponseWriter, msg string) {
	writeJSON(w, http.StatusBadRequest, errorBody{Error: msg, Code: "BAD_REQUEST"})
}

// daysParam reads ?days=, defaulting to 7 and bounded to [1, 365].
func daysParam(r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("days")
	if raw == "" {
		return defaultDays, true
	}
	days, err := strconv.Atoi(raw)
	if err != nil || days < 1 || days > maxDays {
		return 0, false
	}
	return days, true
}

func (a *api) statsSummary(w http.ResponseWriter, r *http.Request) {
	days, ok := daysParam(r)
	if !ok {
		badRequest(w, "days must be an integer between 1 and 365")
		return
	}
	summary, err := a.deps.Stats.GetSummary(r.Context(), days)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *api) statsHistory(w http.ResponseWriter, r *http.Request) {
	days, ok := daysParam(r)
	if !ok {
		badRequest(w, "days must be an integer between 1 and 365")
		return
	}
	history, err := a.deps.Stats.GetHistory(r.Context(), days)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, history)
}

func (a *api) cacheHealth(w http.ResponseWriter, r *http.Request) {
	minHitRate := a.deps.MinHitRate
	if raw := r.URL.Query().Get("min_hit_rate"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 100 {
			badRequest(w, "min_hit_rate must be a number between 0 and 100")
			return
		}
		minHitRate = v
	}

	// Alerts are sent by the scheduled health job only.
	res, err := a.deps.Health.Evaluate(r.Context(), minHitRate)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) cacheStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.deps.Cache.Stats())
}

func (a *api) profile(w http.ResponseWriter, r *http.Request) {
	res, err := a.deps.Data.Profile(r.Context(), chi.URLParam(r, "platform"), chi.URLParam(r, "identity"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) posts(w http.ResponseWriter, r *http.Request) {
	res, err := a.deps.Data.Posts(r.Context(), chi.URLParam(r, "platform"), chi.URLParam(r, "identity"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) analysis(w http.ResponseWriter, r *http.Request) {
	res, err := a.deps.Data.Analysis(r.Context(), chi.URLParam(r, "platform"), chi.URLParam(r, "identity"), chi.URLParam(r, "kind"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *api) followers(w http.ResponseWriter, r *http.Request) {
	days, ok := daysParam(r)
	if !ok {
		badRequest(w, "days must be an integer between 1 and 365")
		return
	}
	points, err := a.deps.Data.FollowerHistory(r.Context(), chi.URLParam(r, "platform"), chi.URLParam(r, "identity"), days)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"days": days, "points": points})
}

func (a *api) invalidate(w http.ResponseWriter, r *http.Request) {
	removed := a.deps.Data.Invalidate(chi.URLParam(r, "platform"), chi.URLParam(r, "identity"))
	writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (a *api) runCollections(w http.ResponseWriter, r *http.Request) {
	report, err := a.deps.Collections.RunDueCollections(r.Context(), a.deps.Now())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}
