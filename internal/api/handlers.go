package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/fencepro/scheduling-core/internal/model"
	"github.com/fencepro/scheduling-core/internal/quote"
	"github.com/fencepro/scheduling-core/internal/store"
)

const maxBodyBytes = 1 << 20

// decode reads a JSON body into v. An empty body leaves v untouched when
// allowEmpty is set.
func decode(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return true
		}
		writeError(w, r, http.StatusBadRequest, "invalid_json", "request body is not valid JSON: "+err.Error())
		return false
	}
	return true
}

func queryLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 0, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		writeDomainError(w, r, model.NewValidationError("limit", "must be a non-negative integer"))
		return 0, false
	}
	return n, true
}

func queryDate(w http.ResponseWriter, r *http.Request, name string) (*time.Time, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return nil, true
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		writeDomainError(w, r, model.NewValidationError(name, "must be a date (YYYY-MM-DD)"))
		return nil, false
	}
	return &t, true
}

func (h *handler) priceQuote(w http.ResponseWriter, r *http.Request) {
	var req model.QuoteRequest
	if !decode(w, r, &req, false) {
		return
	}
	res, err := h.quotes.PriceQuote(r.Context(), tenantFrom(r.Context()), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *handler) getQuote(w http.ResponseWriter, r *http.Request) {
	q, err := h.quotes.Get(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "quoteID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *handler) evaluateApproval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RequestedBy string `json:"requested_by"`
	}
	if !decode(w, r, &body, true) {
		return
	}
	eval, err := h.quotes.EvaluateApproval(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "quoteID"), body.RequestedBy)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	status := http.StatusOK
	if !eval.AutoApproved {
		status = http.StatusAccepted
	}
	writeJSON(w, status, eval)
}

func (h *handler) scheduleQuote(w http.ResponseWriter, r *http.Request) {
	var req quote.ScheduleRequest
	if !decode(w, r, &req, true) {
		return
	}
	c, err := h.quotes.Schedule(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "quoteID"), req)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handler) acceptQuote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		CustomerID string `json:"customer_id"`
	}
	if !decode(w, r, &body, true) {
		return
	}
	id := chi.URLParam(r, "quoteID")
	if err := h.quotes.Accept(r.Context(), tenantFrom(r.Context()), id, body.CustomerID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(model.QuoteStatusAccepted)})
}

func (h *handler) rejectQuote(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "quoteID")
	if err := h.quotes.Reject(r.Context(), tenantFrom(r.Context()), id); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(model.QuoteStatusRejected)})
}

func (h *handler) listApprovals(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	f := store.ApprovalFilter{
		Status:  model.ApprovalStatus(r.URL.Query().Get("status")),
		QuoteID: r.URL.Query().Get("quote_id"),
		Limit:   limit,
	}
	list, err := h.gate.List(r.Context(), tenantFrom(r.Context()), f)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if list == nil {
		list = []model.PricingApproval{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"approvals": list})
}

func (h *handler) getApproval(w http.ResponseWriter, r *http.Request) {
	a, err := h.gate.Get(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "approvalID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (h *handler) decideApproval(w http.ResponseWriter, r *http.Request) {
	var d model.StepDecision
	if !decode(w, r, &d, false) {
		return
	}
	res, err := h.gate.Decide(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "approvalID"), d)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *handler) listAlerts(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	q := r.URL.Query()
	f := store.AlertFilter{QuoteID: q.Get("quote_id"), Kind: model.AlertKind(q.Get("kind")), Limit: limit}
	alerts, err := h.quotes.Alerts(r.Context(), tenantFrom(r.Context()), f)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if alerts == nil {
		alerts = []model.PricingAlert{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"alerts": alerts})
}

func (h *handler) listClusters(w http.ResponseWriter, r *http.Request) {
	limit, ok := queryLimit(w, r)
	if !ok {
		return
	}
	from, ok := queryDate(w, r, "from")
	if !ok {
		return
	}
	to, ok := queryDate(w, r, "to")
	if !ok {
		return
	}
	f := store.ClusterFilter{
		Status: model.ClusterStatus(r.URL.Query().Get("status")),
		From:   from,
		To:     to,
		Limit:  limit,
	}
	clusters, err := h.store.ListClusters(r.Context(), tenantFrom(r.Context()), f)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	if clusters == nil {
		clusters = []model.JobCluster{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"clusters": clusters})
}

func (h *handler) getCluster(w http.ResponseWriter, r *http.Request) {
	c, err := h.store.GetCluster(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "clusterID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (h *handler) clusterRoute(w http.ResponseWriter, r *http.Request) {
	route, err := h.scheduler.OptimizeRoute(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "clusterID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (h *handler) leaveCluster(w http.ResponseWriter, r *http.Request) {
	c, err := h.scheduler.Leave(r.Context(), tenantFrom(r.Context()), chi.URLParam(r, "clusterID"), chi.URLParam(r, "jobID"))
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}
