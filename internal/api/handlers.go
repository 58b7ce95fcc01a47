package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/septivank/energy-metering-cache/internal/db"
	"github.com/septivank/energy-metering-cache/internal/identity"
	"github.com/septivank/energy-metering-cache/internal/ledger"
	"github.com/septivank/energy-metering-cache/internal/reconcile"
	"github.com/septivank/energy-metering-cache/internal/repository"
	"github.com/septivank/energy-metering-cache/tools/timeparser"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// HealthCheck checks one dependency
type HealthCheck func(ctx context.Context) error

// Handler serves cached data without ever writing to it
type Handler struct {
	repo       *repository.Repository
	reconciler *reconcile.Reconciler
	ledger     *ledger.Ledger
	checks     map[string]HealthCheck
	logger     *zap.Logger
	now        func() time.Time
}

// NewHandler creates a handler. checks are reported by /healthz next to
// the store itself.
func NewHandler(
	repo *repository.Repository,
	reconciler *reconcile.Reconciler,
	ledger *ledger.Ledger,
	checks map[string]HealthCheck,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		repo:       repo,
		reconciler: reconciler,
		ledger:     ledger,
		checks:     checks,
		logger:     logger,
		now:        time.Now,
	}
}

type ctxKey struct{}

// ErrorResponse is the body of every non-2xx answer
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

// RecordResponse is the wire form of a cached record
type RecordResponse struct {
	ID            string           `json:"id"`
	UsagePointID  string           `json:"usage_point_id"`
	Date          time.Time        `json:"date"`
	Value         int64            `json:"value"`
	Interval      int              `json:"interval,omitempty"`
	MeasureType   db.MeasureType   `json:"measure_type,omitempty"`
	MonthlyCharge *decimal.Decimal `json:"monthly_charge,omitempty"`
	Blacklist     bool             `json:"blacklist"`
	FailCount     int              `json:"fail_count"`
}

func toRecordResponse(rec db.Record) RecordResponse {
	resp := RecordResponse{
		ID:           rec.ID,
		UsagePointID: rec.UsagePointID,
		Date:         rec.Date,
		Value:        rec.Value,
		Interval:     rec.Interval,
		MeasureType:  rec.MeasureType,
		Blacklist:    rec.Blacklist,
		FailCount:    rec.FailCount,
	}
	if rec.MonthlyCharge.Valid {
		charge := rec.MonthlyCharge.Decimal
		resp.MonthlyCharge = &charge
	}
	return resp
}

// UsagePointResponse is the ledger view of a usage point
type UsagePointResponse struct {
	ID                string     `json:"id"`
	Name              string     `json:"name,omitempty"`
	Enable            bool       `json:"enable"`
	Plan              string     `json:"plan"`
	CallNumber        int        `json:"call_number"`
	QuotaLimit        int        `json:"quota_limit"`
	QuotaReached      bool       `json:"quota_reached"`
	QuotaResetAt      *time.Time `json:"quota_reset_at,omitempty"`
	LastCall          *time.Time `json:"last_call,omitempty"`
	ConsentExpiration *time.Time `json:"consent_expiration,omitempty"`
	Ban               bool       `json:"ban"`
	Progress          int        `json:"progress"`
	ProgressStatus    string     `json:"progress_status,omitempty"`

	MaxDates    map[string]*time.Time `json:"max_dates"`
	Series      map[string]bool       `json:"series"`
	Eligibility *ledger.Eligibility   `json:"eligibility,omitempty"`
}

func toUsagePointResponse(mp db.MeteringPoint) UsagePointResponse {
	resp := UsagePointResponse{
		ID:                mp.ID,
		Name:              mp.Name,
		Enable:            mp.Enable,
		Plan:              mp.Plan,
		CallNumber:        mp.CallNumber,
		QuotaLimit:        mp.QuotaLimit,
		QuotaReached:      mp.QuotaReached,
		QuotaResetAt:      mp.QuotaResetAt,
		LastCall:          mp.LastCall,
		ConsentExpiration: mp.ConsentExpiration,
		Ban:               mp.Ban,
		Progress:          mp.Progress,
		ProgressStatus:    mp.ProgressStatus,
		MaxDates:          make(map[string]*time.Time),
		Series:            make(map[string]bool),
	}
	for _, s := range db.AllSeries() {
		resp.MaxDates[s.String()] = mp.MaxDate(s)
		resp.Series[s.String()] = mp.Enabled(s)
	}
	return resp
}

// TotalsResponse carries per measure type totals and their estimated cost
type TotalsResponse struct {
	reconcile.Totals
	Total    int64           `json:"total"`
	Estimate decimal.Decimal `json:"estimate"`
}

// RangeResponse describes what a series holds for a usage point
type RangeResponse struct {
	Cached     bool       `json:"cached"`
	Begin      *time.Time `json:"begin,omitempty"`
	End        *time.Time `json:"end,omitempty"`
	LastCached *time.Time `json:"last_cached,omitempty"`
	FirstGap   *time.Time `json:"first_gap,omitempty"`
}

// usagePointCtx validates the {id} segment and loads the ledger row
func (h *Handler) usagePointCtx(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := identity.ValidateUsagePointID(id); err != nil {
			writeError(w, http.StatusBadRequest, "invalid usage point id", err)
			return
		}

		mp, err := h.ledger.Get(r.Context(), id)
		if err != nil {
			if errors.Is(err, repository.ErrUsagePointNotFound) {
				writeError(w, http.StatusNotFound, "usage point not found", nil)
				return
			}
			h.internalError(w, "failed to load usage point", err)
			return
		}

		ctx := context.WithValue(r.Context(), ctxKey{}, mp)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func usagePointFrom(ctx context.Context) db.MeteringPoint {
	mp, _ := ctx.Value(ctxKey{}).(db.MeteringPoint)
	return mp
}

// Health handles GET /healthz
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := map[string]string{"store": "ok"}
	healthy := true

	if err := h.repo.Ping(r.Context()); err != nil {
		status["store"] = err.Error()
		healthy = false
	}
	for name, check := range h.checks {
		status[name] = "ok"
		if err := check(r.Context()); err != nil {
			status[name] = err.Error()
			healthy = false
		}
	}

	if !healthy {
		writeJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ListUsagePoints handles GET /api/usage-points
func (h *Handler) ListUsagePoints(w http.ResponseWriter, r *http.Request) {
	points, err := h.ledger.List(r.Context())
	if err != nil {
		h.internalError(w, "failed to list usage points", err)
		return
	}

	resp := make([]UsagePointResponse, 0, len(points))
	for _, mp := range points {
		resp = append(resp, toUsagePointResponse(mp))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetUsagePoint handles GET /api/usage-points/{id}
func (h *Handler) GetUsagePoint(w http.ResponseWriter, r *http.Request) {
	mp := usagePointFrom(r.Context())

	eligibility, err := h.ledger.Eligible(r.Context(), mp.ID, h.now())
	if err != nil {
		h.internalError(w, "failed to evaluate eligibility", err)
		return
	}

	resp := toUsagePointResponse(mp)
	resp.Eligibility = &eligibility
	writeJSON(w, http.StatusOK, resp)
}

// ScanDaily handles GET /api/usage-points/{id}/{direction}/daily
func (h *Handler) ScanDaily(w http.ResponseWriter, r *http.Request) {
	direction, ok := parseDirection(w, r)
	if !ok {
		return
	}
	begin, end, ok := parseRange(w, r)
	if !ok {
		return
	}

	scan, err := h.reconciler.ScanDaily(r.Context(), chi.URLParam(r, "id"), begin, end, direction)
	if err != nil {
		h.scanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scan)
}

// ScanDetail handles GET /api/usage-points/{id}/{direction}/detail
func (h *Handler) ScanDetail(w http.ResponseWriter, r *http.Request) {
	direction, ok := parseDirection(w, r)
	if !ok {
		return
	}
	begin, end, ok := parseRange(w, r)
	if !ok {
		return
	}

	scan, err := h.reconciler.ScanDetail(r.Context(), chi.URLParam(r, "id"), begin, end, direction)
	if err != nil {
		h.scanError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, scan)
}

// MeasureTypeTotals handles GET /api/usage-points/{id}/{direction}/totals
func (h *Handler) MeasureTypeTotals(w http.ResponseWriter, r *http.Request) {
	direction, ok := parseDirection(w, r)
	if !ok {
		return
	}
	begin, end, ok := parseRange(w, r)
	if !ok {
		return
	}

	mp := usagePointFrom(r.Context())
	totals, err := h.reconciler.MeasureTypeTotals(r.Context(), mp.ID, begin, end, direction)
	if err != nil {
		h.scanError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, TotalsResponse{
		Totals:   totals,
		Total:    totals.Sum(),
		Estimate: reconcile.Estimate(mp, direction, totals),
	})
}

// CachedRange handles GET /api/usage-points/{id}/{direction}/{resolution}/range
func (h *Handler) CachedRange(w http.ResponseWriter, r *http.Request) {
	series, ok := parseSeries(w, r)
	if !ok {
		return
	}
	id := chi.URLParam(r, "id")
	ctx := r.Context()

	var resp RangeResponse
	rng, found, err := h.reconciler.CachedRange(ctx, id, series)
	if err != nil {
		h.internalError(w, "failed to read cached range", err)
		return
	}
	if found {
		resp.Cached = true
		resp.Begin, resp.End = &rng.Begin, &rng.End
	}

	last, found, err := h.reconciler.LastCached(ctx, id, series)
	if err != nil {
		h.internalError(w, "failed to read last cached date", err)
		return
	}
	if found {
		resp.LastCached = &last
	}

	gap, found, err := h.reconciler.FirstGap(ctx, id, series, h.now())
	if err != nil {
		h.internalError(w, "failed to find first gap", err)
		return
	}
	if found {
		resp.FirstGap = &gap
	}

	writeJSON(w, http.StatusOK, resp)
}

// ListRecords handles GET /api/usage-points/{id}/{direction}/{resolution}/records.
// Without begin and end every record of the series is returned.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	series, ok := parseSeries(w, r)
	if !ok {
		return
	}
	store, err := h.repo.Records(series)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown series", err)
		return
	}
	id := chi.URLParam(r, "id")

	var records []db.Record
	if r.URL.Query().Get("begin") == "" && r.URL.Query().Get("end") == "" {
		records, err = store.GetAll(r.Context(), id)
	} else {
		begin, end, ok := parseRange(w, r)
		if !ok {
			return
		}
		records, err = store.GetRange(r.Context(), id, begin, end)
	}
	if err != nil {
		h.internalError(w, "failed to list records", err)
		return
	}

	resp := make([]RecordResponse, 0, len(records))
	for _, rec := range records {
		resp = append(resp, toRecordResponse(rec))
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetRecord handles GET /api/usage-points/{id}/{direction}/{resolution}/records/{date}
func (h *Handler) GetRecord(w http.ResponseWriter, r *http.Request) {
	series, ok := parseSeries(w, r)
	if !ok {
		return
	}
	at, err := timeparser.ParseProviderDate(chi.URLParam(r, "date"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid date", err)
		return
	}
	store, err := h.repo.Records(series)
	if err != nil {
		writeError(w, http.StatusBadRequest, "unknown series", err)
		return
	}

	rec, found, err := store.Get(r.Context(), chi.URLParam(r, "id"), at)
	if err != nil {
		h.internalError(w, "failed to get record", err)
		return
	}
	if !found {
		writeError(w, http.StatusNotFound, "record not found", nil)
		return
	}
	writeJSON(w, http.StatusOK, toRecordResponse(rec))
}

func parseDirection(w http.ResponseWriter, r *http.Request) (db.Direction, bool) {
	s, err := db.ParseSeries(string(db.Daily), chi.URLParam(r, "direction"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid direction", err)
		return "", false
	}
	return s.Direction, true
}

func parseSeries(w http.ResponseWriter, r *http.Request) (db.Series, bool) {
	s, err := db.ParseSeries(chi.URLParam(r, "resolution"), chi.URLParam(r, "direction"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid series", err)
		return db.Series{}, false
	}
	return s, true
}

// maxRangeDays caps the span of a scan or record listing
const maxRangeDays = 10 * 366

func parseRange(w http.ResponseWriter, r *http.Request) (time.Time, time.Time, bool) {
	q := r.URL.Query()
	begin, err := timeparser.ParseProviderDate(q.Get("begin"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid begin", err)
		return time.Time{}, time.Time{}, false
	}
	end, err := timeparser.ParseProviderDate(q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid end", err)
		return time.Time{}, time.Time{}, false
	}
	if days := timeparser.DaysInclusive(begin, end); days > maxRangeDays {
		writeError(w, http.StatusBadRequest, "range too large",
			fmt.Errorf("%d days requested, at most %d allowed", days, maxRangeDays))
		return time.Time{}, time.Time{}, false
	}
	return begin, end, true
}

func (h *Handler) scanError(w http.ResponseWriter, err error) {
	if errors.Is(err, reconcile.ErrInvalidRange) {
		writeError(w, http.StatusBadRequest, "invalid range", err)
		return
	}
	h.internalError(w, "scan failed", err)
}

func (h *Handler) internalError(w http.ResponseWriter, message string, err error) {
	h.logger.Error(message, zap.Error(err))
	writeError(w, http.StatusInternalServerError, message, nil)
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
