package transport

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/mazwell/conduct/internal/definition"
	"github.com/mazwell/conduct/internal/guard"
	"github.com/mazwell/conduct/internal/trigger"
	"github.com/mazwell/conduct/model"
)

// handleEntityEvent is the lifecycle webhook the domain layer calls after an
// entity mutation. Matching triggers start their processes; the response
// lists the started run ids.
func handleEntityEvent(triggers *trigger.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityName := chi.URLParam(r, "entityName")

		var body struct {
			EventType string         `json:"event_type"`
			EntityID  string         `json:"entity_id"`
			Data      map[string]any `json:"data"`
			OldData   map[string]any `json:"old_data"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}
		if body.EntityID == "" {
			WriteError(w, model.NewBadRequestError("entity_id is required"))
			return
		}

		var runIDs []string
		switch body.EventType {
		case trigger.EventCreated:
			runIDs = triggers.OnEntityCreated(r.Context(), entityName, body.EntityID, body.Data)
		case trigger.EventUpdated:
			runIDs = triggers.OnEntityUpdated(r.Context(), entityName, body.EntityID, body.Data, body.OldData)
		case trigger.EventDeleted:
			runIDs = triggers.OnEntityDeleted(r.Context(), entityName, body.EntityID, body.Data)
		default:
			WriteError(w, model.NewBadRequestError(
				fmt.Sprintf("unknown event_type %q", body.EventType)))
			return
		}

		WriteJSON(w, http.StatusOK, map[string]any{"run_ids": runIDs})
	}
}

// handleStatusValidation lets the domain layer pre-flight a status change
// against the entity's state machine before persisting it.
func handleStatusValidation(registry *definition.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		entityName := chi.URLParam(r, "entityName")

		var body struct {
			Current map[string]any `json:"current"`
			Update  map[string]any `json:"update"`
		}
		if err := decodeBody(r, &body); err != nil {
			WriteError(w, err)
			return
		}

		sm, ok := registry.GetStateMachine(entityName)
		if !ok {
			WriteError(w, model.NewNotFoundError(
				fmt.Sprintf("no state machine registered for entity %q", entityName)))
			return
		}

		userID, roles := callerIdentity(r)
		if ee := guard.ValidateStatusUpdate(&sm, body.Current, body.Update, userID, roles); ee != nil {
			WriteError(w, ee)
			return
		}
		WriteJSON(w, http.StatusOK, map[string]bool{"valid": true})
	}
}
