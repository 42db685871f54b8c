package trigger

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/karuppusamym/LangOrch-sub000/internal/approval"
	ilog "github.com/karuppusamym/LangOrch-sub000/internal/log"
	"github.com/karuppusamym/LangOrch-sub000/internal/store"
	"github.com/karuppusamym/LangOrch-sub000/pkg/errors"
)

const maxBodyBytes = 1 << 20

// resumePriority matches the approval service: resumed runs jump the
// queue ahead of freshly triggered work.
const resumePriority = 10

// Listener serves the inbound HTTP surface: webhook deliveries, agent
// callbacks, approval decisions, metrics, and health.
type Listener struct {
	svc       *Service
	approvals *approval.Service
	store     *store.Store
	metrics   http.Handler
	limiter   *rate.Limiter
	log       *slog.Logger
}

func NewListener(svc *Service, approvals *approval.Service, st *store.Store, metricsHandler http.Handler, logger *slog.Logger) *Listener {
	return &Listener{
		svc:       svc,
		approvals: approvals,
		store:     st,
		metrics:   metricsHandler,
		limiter:   rate.NewLimiter(rate.Limit(50), 100),
		log:       ilog.WithComponent(logger, "listener"),
	}
}

// Handler builds the route table.
func (l *Listener) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/{procedure}", l.limit(l.handleWebhook))
	mux.HandleFunc("POST /callbacks/{run}/{node}/{step}", l.limit(l.handleCallback))
	mux.HandleFunc("POST /approvals/{approval}/decision", l.limit(l.handleApproval))
	if l.metrics != nil {
		mux.Handle("GET /metrics", l.metrics)
	}
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
	})
	return mux
}

// Serve runs the listener until the context ends.
func (l *Listener) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           l.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	l.log.Info("listener started", "addr", addr)
	err := srv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (l *Listener) limit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !l.limiter.Allow() {
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next(w, r)
	}
}

func (l *Listener) handleWebhook(w http.ResponseWriter, r *http.Request) {
	procedureID := r.PathValue("procedure")
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	signature := r.Header.Get("X-Signature-256")
	if signature == "" {
		signature = r.Header.Get("X-Hub-Signature-256")
	}

	result, err := l.svc.HandleWebhook(r.Context(), procedureID, body, signature)
	if err != nil {
		l.log.Warn("webhook rejected", ilog.ProcedureKey, procedureID, "error", err)
		writeError(w, statusFor(err), err.Error())
		return
	}
	status := http.StatusAccepted
	if result.Deduped {
		status = http.StatusOK
	}
	writeJSON(w, status, result)
}

// callbackBody is what an agent posts when an async dispatch finishes.
type callbackBody struct {
	Status string         `json:"status"`
	Result map[string]any `json:"result"`
	Error  string         `json:"error"`
}

// handleCallback completes a step that paused awaiting an agent
// callback. The result lands in step idempotency so the requeued run
// replays the step from cache instead of re-dispatching.
func (l *Listener) handleCallback(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run")
	nodeID := r.PathValue("node")
	stepID := r.PathValue("step")
	ctx := r.Context()

	run, err := l.store.GetRun(ctx, runID)
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	if run.Terminal() {
		writeError(w, http.StatusConflict, "run "+runID+" already finished")
		return
	}

	var body callbackBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil && err != io.EOF {
		writeError(w, http.StatusBadRequest, "callback body is not valid JSON")
		return
	}

	if body.Status == "error" || body.Status == "failed" {
		if err := l.store.MarkStepFailed(ctx, runID, nodeID, stepID); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	} else {
		result := body.Result
		if result == nil {
			result = map[string]any{}
		}
		resultJSON, err := json.Marshal(result)
		if err != nil {
			writeError(w, http.StatusBadRequest, "callback result not serializable")
			return
		}
		if err := l.store.MarkStepCompleted(ctx, runID, nodeID, stepID, string(resultJSON)); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	err = l.store.AppendEvent(ctx, runID, "run_retry_requested", nodeID, stepID, 0, map[string]any{
		"source": "callback",
		"status": body.Status,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := l.store.RequeueRun(ctx, runID, resumePriority); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	l.log.Info("callback resumed run",
		ilog.RunIDKey, runID, ilog.NodeIDKey, nodeID, ilog.StepIDKey, stepID, "status", body.Status)
	writeJSON(w, http.StatusOK, map[string]any{"run_id": runID, "resumed": true})
}

type approvalBody struct {
	Decision  string         `json:"decision"`
	DecidedBy string         `json:"decided_by"`
	Payload   map[string]any `json:"payload"`
}

func (l *Listener) handleApproval(w http.ResponseWriter, r *http.Request) {
	approvalID := r.PathValue("approval")

	var body approvalBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "decision body is not valid JSON")
		return
	}
	err := l.approvals.Submit(r.Context(), approvalID, &approval.Decision{
		Value:     body.Decision,
		DecidedBy: body.DecidedBy,
		Payload:   body.Payload,
	})
	if err != nil {
		writeError(w, statusFor(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"approval_id": approvalID, "decision": body.Decision})
}

func statusFor(err error) int {
	var validation *errors.ValidationError
	var busy *errors.ResourceBusyError
	switch {
	case errors.IsNotFound(err):
		return http.StatusNotFound
	case errors.As(err, &validation):
		return http.StatusBadRequest
	case errors.As(err, &busy):
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}
