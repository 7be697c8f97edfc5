package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mazwell/conduct/internal/engine"
	"github.com/mazwell/conduct/internal/store"
	"github.com/mazwell/conduct/model"
)

func handleTaskList(st store.StateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		assignee := r.URL.Query().Get("assignee")
		if assignee == "" {
			assignee, _ = callerIdentity(r)
		}
		if assignee == "" {
			WriteError(w, model.NewBadRequestError("assignee query parameter or X-User-Id header is required"))
			return
		}

		tasks, err := st.ListTasksByAssignee(r.Context(), assignee)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]any{"data": tasks})
	}
}

func handleTaskGet(st store.StateStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		task, err := st.GetTask(r.Context(), chi.URLParam(r, "taskId"))
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, task)
	}
}

// handleTaskComplete resolves a human task by signalling its run. The task
// record itself is updated by the signal path, so both entry points (task
// completion here, run signal on the runs surface) behave identically.
func handleTaskComplete(st store.StateStore, adapter engine.ProcessAdapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		taskID := chi.URLParam(r, "taskId")

		var body struct {
			Outcome     string         `json:"outcome"`
			OutcomeData map[string]any `json:"outcome_data"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if body.Outcome == "" {
			WriteError(w, model.NewBadRequestError("outcome is required"))
			return
		}

		task, err := st.GetTask(r.Context(), taskID)
		if err != nil {
			WriteError(w, err)
			return
		}
		if task.Terminal() {
			WriteError(w, model.NewConflictError("task is already resolved"))
			return
		}

		err = adapter.SignalProcess(r.Context(), task.RunID, model.SignalTaskCompleted, model.TaskCompletion{
			StepName:    task.StepName,
			Outcome:     body.Outcome,
			OutcomeData: body.OutcomeData,
		})
		if err != nil {
			WriteError(w, err)
			return
		}

		resolved, err := st.GetTask(r.Context(), taskID)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusOK, resolved)
	}
}
