package transport

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/mazwell/conduct/internal/definition"
	"github.com/mazwell/conduct/internal/engine"
	"github.com/mazwell/conduct/internal/store"
	"github.com/mazwell/conduct/model"
)

func handleProcessList(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		specs := registry.AllProcesses()
		summaries := make([]map[string]any, 0, len(specs))
		for _, spec := range specs {
			summaries = append(summaries, map[string]any{
				"name":         spec.Name,
				"version":      spec.Version,
				"trigger_kind": spec.Trigger.Kind,
				"steps":        len(spec.Steps),
			})
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":     summaries,
			"checksum": registry.Checksum(),
		})
	}
}

func handleDefinitionReload(reload func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if reload == nil {
			WriteError(w, model.NewNotFoundError("definition reload is not configured"))
			return
		}
		if err := reload(r.Context()); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
	}
}

func handleProcessStart(adapter engine.ProcessAdapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		processName := chi.URLParam(r, "processName")

		var body struct {
			Inputs         map[string]any `json:"inputs"`
			IdempotencyKey string         `json:"idempotency_key"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		run, err := adapter.StartProcess(r.Context(), engine.StartRequest{
			ProcessName:    processName,
			Inputs:         body.Inputs,
			IdempotencyKey: body.IdempotencyKey,
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, run)
	}
}

func handleRunGet(adapter engine.ProcessAdapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run, err := adapter.GetRun(r.Context(), chi.URLParam(r, "runId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, run)
	}
}

func handleRunList(adapter engine.ProcessAdapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		filters := model.RunFilters{
			ProcessName: r.URL.Query().Get("process_name"),
			Status:      r.URL.Query().Get("status"),
			Limit:       queryInt(r, "limit", 20),
			Offset:      queryInt(r, "offset", 0),
		}

		runs, err := adapter.ListRuns(r.Context(), filters)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"data":   runs,
			"limit":  filters.Limit,
			"offset": filters.Offset,
		})
	}
}

func handleRunCancel(adapter engine.ProcessAdapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runId")

		var body struct {
			Reason string `json:"reason"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		if err := adapter.CancelProcess(r.Context(), runID, body.Reason); err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
	}
}

func handleRunSignal(adapter engine.ProcessAdapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "runId")

		var body struct {
			Signal      string         `json:"signal"`
			StepName    string         `json:"step_name"`
			Outcome     string         `json:"outcome"`
			OutcomeData map[string]any `json:"outcome_data"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		signal := model.SignalName(body.Signal)
		if signal == "" {
			signal = model.SignalTaskCompleted
		}

		err := adapter.SignalProcess(r.Context(), runID, signal, model.TaskCompletion{
			StepName:    body.StepName,
			Outcome:     body.Outcome,
			OutcomeData: body.OutcomeData,
		})
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]string{"status": "signalled"})
	}
}

func handleRunTasks(st store.StateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tasks, err := st.ListTasksByRun(r.Context(), chi.URLParam(r, "runId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": tasks})
	}
}

// decodeBody parses a JSON request body. An empty body is accepted and
// leaves dst untouched.
func decodeBody(r *http.Request, dst any) error {
	err := json.NewDecoder(r.Body).Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return model.NewBadRequestError("invalid JSON body")
}

func queryInt(r *http.Request, key string, fallback int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
