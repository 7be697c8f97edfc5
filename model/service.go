package model

import "context"

// EntityService is the per-entity capability exposed by the external domain
// layer. The engine consumes it for SERVICE steps, side effects, and QUERY
// steps; it never persists entities itself.
type EntityService interface {
	// Create persists a new entity and returns it, including its assigned id.
	Create(ctx context.Context, data map[string]any) (map[string]any, error)

	// List returns entities matching the filter.
	List(ctx context.Context, filter map[string]any) (ListResult, error)

	// Update applies a partial update to the entity with the given id.
	Update(ctx context.Context, id string, data map[string]any) (map[string]any, error)
}

// ListResult is the standard list envelope returned by entity services.
type ListResult struct {
	Items []map[string]any `json:"items"`
	Total int              `json:"total,omitempty"`
}

// EntityID extracts the string id from an entity map. Numeric ids are not
// used on the wire; identifiers serialize as strings.
func EntityID(entity map[string]any) string {
	if entity == nil {
		return ""
	}
	if id, ok := entity["id"].(string); ok {
		return id
	}
	return ""
}
