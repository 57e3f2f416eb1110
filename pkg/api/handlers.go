package api

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/cuemby/nimbus/pkg/cache"
	nberrors "github.com/cuemby/nimbus/pkg/errors"
	"github.com/cuemby/nimbus/pkg/events"
	"github.com/cuemby/nimbus/pkg/jobs"
	"github.com/cuemby/nimbus/pkg/metrics"
	"github.com/cuemby/nimbus/pkg/store"
	"github.com/cuemby/nimbus/pkg/types"
	"github.com/cuemby/nimbus/pkg/webhook"
)

const mergedListKey = "all"

type createResponse struct {
	InstanceID         string               `json:"instanceId"`
	Status             types.InstanceStatus `json:"status"`
	EstimatedReadyTime time.Time            `json:"estimatedReadyTime"`
}

// idempotencyRecord remembers a prior create so a retried request maps
// to the same instance
type idempotencyRecord struct {
	instanceID string
	digest     string
}

func (s *Server) createInstance(w http.ResponseWriter, r *http.Request) {
	var req types.CreateInstanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, nberrors.Wrap(nberrors.CodeValidation, "invalid request body", err))
		return
	}
	if err := validateCreate(&req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.WebhookURL == "" {
		req.WebhookURL = s.cfg.DefaultWebhookURL
	}
	if req.GPUNum <= 0 {
		req.GPUNum = 1
	}
	if req.BillingMode == "" {
		req.BillingMode = types.BillingSpot
	}

	digest := requestDigest(&req)
	idemKey := r.Header.Get("Idempotency-Key")
	if idemKey != "" {
		if prior, ok := s.idempotency.Get(idemKey); ok {
			rec := prior.(idempotencyRecord)
			if rec.digest != digest {
				s.writeError(w, r, nberrors.New(nberrors.CodeAlreadyExists,
					"idempotency key reused with a different request"))
				return
			}
			status := types.InstanceCreating
			if state, err := s.store.Get(rec.instanceID); err == nil {
				status = state.Status
			}
			s.writeJSON(w, http.StatusOK, createResponse{
				InstanceID:         rec.instanceID,
				Status:             status,
				EstimatedReadyTime: time.Now().Add(s.cfg.StartupTimeout),
			})
			return
		}
	}

	state := &types.InstanceState{
		ID:                uuid.NewString(),
		Name:              req.Name,
		ProductName:       req.ProductName,
		TemplateID:        req.TemplateID,
		Region:            req.Region,
		GPUNum:            req.GPUNum,
		RootfsSize:        req.RootfsSize,
		BillingMode:       req.BillingMode,
		Status:            types.InstanceCreating,
		WebhookURL:        req.WebhookURL,
		HealthCheckConfig: req.HealthCheck,
	}
	if err := s.store.Create(state); err != nil {
		s.writeError(w, r, err)
		return
	}

	if _, err := s.engine.Enqueue(types.JobCreateInstance, types.CreateInstancePayload{
		InstanceID: state.ID,
		Request:    req,
	}, types.PriorityNormal, s.cfg.MaxAttempts); err != nil {
		_ = s.store.Remove(state.ID)
		s.writeError(w, r, err)
		return
	}

	if idemKey != "" {
		s.idempotency.SetDefault(idemKey, idempotencyRecord{instanceID: state.ID, digest: digest})
	}

	metrics.InstancesCreated.Inc()
	s.writeJSON(w, http.StatusCreated, createResponse{
		InstanceID:         state.ID,
		Status:             state.Status,
		EstimatedReadyTime: time.Now().Add(s.cfg.StartupTimeout),
	})
}

func validateCreate(req *types.CreateInstanceRequest) error {
	switch {
	case req.Name == "":
		return nberrors.New(nberrors.CodeValidation, "name is required")
	case req.ProductName == "":
		return nberrors.New(nberrors.CodeValidation, "productName is required")
	case req.TemplateID == "":
		return nberrors.New(nberrors.CodeValidation, "templateId is required")
	}
	if req.BillingMode != "" && req.BillingMode != types.BillingSpot && req.BillingMode != types.BillingOnDemand {
		return nberrors.Newf(nberrors.CodeValidation, "unknown billingMode %q", req.BillingMode)
	}
	return nil
}

func requestDigest(req *types.CreateInstanceRequest) string {
	raw, _ := json.Marshal(req)
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func (s *Server) listInstances(w http.ResponseWriter, r *http.Request) {
	status := types.InstanceStatus(r.URL.Query().Get("status"))
	limit := queryInt(r, "limit", 0)
	offset := queryInt(r, "offset", 0)

	unfiltered := status == "" && limit == 0 && offset == 0
	if unfiltered && s.caches != nil {
		if list, ok := s.caches.MergedInstances.Get(mergedListKey); ok {
			s.writeJSON(w, http.StatusOK, map[string]any{"instances": list, "count": len(list)})
			return
		}
	}

	list := s.store.List(store.ListFilter{Status: status, Limit: limit, Offset: offset})
	if unfiltered && s.caches != nil {
		s.caches.MergedInstances.Set(mergedListKey, list)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"instances": list, "count": len(list)})
}

func (s *Server) getInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if s.caches != nil {
		if view, ok := s.caches.InstanceDetails.Get(id); ok {
			s.writeJSON(w, http.StatusOK, view)
			return
		}
	}

	state, err := s.store.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	view := instanceView(state)
	if s.caches != nil {
		s.caches.InstanceDetails.Set(id, view)
	}
	s.writeJSON(w, http.StatusOK, view)
}

// instanceView is the rendered detail representation held by the
// instanceDetails cache
func instanceView(state *types.InstanceState) map[string]any {
	view := map[string]any{
		"id":          state.ID,
		"name":        state.Name,
		"productName": state.ProductName,
		"templateId":  state.TemplateID,
		"region":      state.Region,
		"gpuNum":      state.GPUNum,
		"billingMode": state.BillingMode,
		"status":      state.Status,
		"timestamps":  state.Timestamps,
	}
	if state.ProviderInstanceID != "" {
		view["providerInstanceId"] = state.ProviderInstanceID
	}
	if len(state.PortMappings) > 0 {
		view["portMappings"] = state.PortMappings
	}
	if state.HealthCheck != nil {
		view["healthCheck"] = state.HealthCheck
	}
	if state.LastError != nil {
		view["lastError"] = state.LastError
	}
	if state.SpotStatus != "" {
		view["spotStatus"] = state.SpotStatus
		view["spotReclaimTime"] = state.SpotReclaimTime
	}
	return view
}

func (s *Server) startInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	op, err := s.store.BeginStartupOperation(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if _, err := s.engine.Enqueue(types.JobStartInstance, types.StartInstancePayload{
		InstanceID:  id,
		OperationID: op.OperationID,
	}, types.PriorityHigh, s.cfg.MaxAttempts); err != nil {
		_, _ = s.store.CompleteStartupOperation(op.OperationID, types.StartupFailed, err.Error())
		s.writeError(w, r, err)
		return
	}

	s.writeJSON(w, http.StatusAccepted, map[string]any{"operationId": op.OperationID})
}

func (s *Server) stopInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	state, err := s.store.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	stopping := types.InstanceStopping
	if _, err := s.store.Update(id, store.Patch{Status: &stopping}); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.provider.StopInstance(r.Context(), state.ProviderInstanceID); err != nil {
		s.writeError(w, r, err)
		return
	}

	stopped := types.InstanceStopped
	state, err = s.store.Update(id, store.Patch{Status: &stopped})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	s.publishEvent(state, types.EventInstanceStopped)
	s.writeJSON(w, http.StatusOK, instanceView(state))
}

func (s *Server) deleteInstance(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	state, err := s.store.Get(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if state.ProviderInstanceID != "" {
		if err := s.provider.DeleteInstance(r.Context(), state.ProviderInstanceID); err != nil {
			// The provider no longer knowing the instance is fine
			if nberrors.CodeOf(err) != nberrors.CodeNotFound {
				s.writeError(w, r, err)
				return
			}
		}
	}

	if err := s.store.Remove(id); err != nil {
		s.writeError(w, r, err)
		return
	}

	state.Status = types.InstanceTerminated
	s.publishEvent(state, types.EventInstanceTerminated)
	w.WriteHeader(http.StatusNoContent)
}

// publishEvent routes a lifecycle event through the broker so the
// webhook relay delivers it in order
func (s *Server) publishEvent(state *types.InstanceState, eventName string) {
	if s.broker == nil {
		return
	}
	meta := map[string]string{}
	if state.WebhookURL != "" {
		meta[webhook.MetadataURLKey] = state.WebhookURL
	}
	s.broker.Publish(&events.Event{
		Type:       eventName,
		InstanceID: state.ID,
		Metadata:   meta,
		Webhook: &types.WebhookEvent{
			Event:      eventName,
			InstanceID: state.ID,
			Status:     state.Status,
			Timestamp:  time.Now(),
		},
	})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	filter := jobs.ListFilter{
		Type:   types.JobType(r.URL.Query().Get("type")),
		Status: types.JobStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 100),
	}
	list := s.engine.ListJobs(filter)
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": list, "count": len(list)})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.GetJob(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) jobStats(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.engine.GetStats())
}

func (s *Server) migrationStatus(w http.ResponseWriter, r *http.Request) {
	if s.migration == nil {
		s.writeError(w, r, nberrors.New(nberrors.CodeNotFound, "migration scheduler not configured"))
		return
	}
	s.writeJSON(w, http.StatusOK, s.migration.Status())
}

func (s *Server) triggerMigration(w http.ResponseWriter, r *http.Request) {
	if s.migration == nil {
		s.writeError(w, r, nberrors.New(nberrors.CodeNotFound, "migration scheduler not configured"))
		return
	}
	run, err := s.migration.Trigger(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, run)
}

func (s *Server) migrationHistory(w http.ResponseWriter, r *http.Request) {
	if s.migration == nil {
		s.writeError(w, r, nberrors.New(nberrors.CodeNotFound, "migration scheduler not configured"))
		return
	}
	runs, err := s.migration.History(queryInt(r, "limit", 20))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"runs": runs, "count": len(runs)})
}

func (s *Server) cacheStats(w http.ResponseWriter, r *http.Request) {
	var stats []cache.Stats
	if s.caches != nil {
		stats = s.caches.AllStats()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"caches": stats})
}

func (s *Server) clearCaches(w http.ResponseWriter, r *http.Request) {
	if s.caches != nil {
		s.caches.ClearAll()
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"cleared": true})
}

// jsonMetrics is the JSON counter view; Prometheus scraping uses
// /metrics instead
func (s *Server) jsonMetrics(w http.ResponseWriter, r *http.Request) {
	byStatus := make(map[types.InstanceStatus]int)
	for _, state := range s.store.List(store.ListFilter{}) {
		byStatus[state.Status]++
	}

	payload := map[string]any{
		"uptimeSeconds": int64(time.Since(s.startedAt).Seconds()),
		"instances": map[string]any{
			"total":    s.store.Count(),
			"byStatus": byStatus,
		},
		"jobs": s.engine.GetStats(),
	}
	if s.caches != nil {
		payload["caches"] = s.caches.AllStats()
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
