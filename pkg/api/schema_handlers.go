package api

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/Noodynamo/conceptus-veritas/pkg/httputil"
	"github.com/Noodynamo/conceptus-veritas/pkg/observability"
	"github.com/Noodynamo/conceptus-veritas/pkg/schemas"
)

// SchemaHandlers provides HTTP handlers for the analytics event schema
// registry: registration, lookup, migration, and documentation.
type SchemaHandlers struct {
	registry *schemas.Registry
	exporter *schemas.MarkdownExporter
	metrics  *observability.Metrics
	logger   *observability.Logger
}

// NewSchemaHandlers creates the schema registry handlers
func NewSchemaHandlers(registry *schemas.Registry, metrics *observability.Metrics, logger *observability.Logger) *SchemaHandlers {
	return &SchemaHandlers{
		registry: registry,
		exporter: schemas.NewMarkdownExporter(registry),
		metrics:  metrics,
		logger:   logger,
	}
}

// RegisterRoutes registers the schema registry routes
func (h *SchemaHandlers) RegisterRoutes(router *mux.Router) {
	router.HandleFunc("/api/v1/schemas", h.listSchemas).Methods("GET")
	router.HandleFunc("/api/v1/schemas", h.registerSchema).Methods("POST")
	router.HandleFunc("/api/v1/schemas/docs", h.renderDocs).Methods("GET")
	router.HandleFunc("/api/v1/schemas/{name}", h.getSchema).Methods("GET")
	router.HandleFunc("/api/v1/schemas/{name}/latest", h.getLatest).Methods("GET")
	router.HandleFunc("/api/v1/schemas/{name}/history", h.getHistory).Methods("GET")
	router.HandleFunc("/api/v1/schemas/{name}/migrate", h.applyMigration).Methods("POST")
}

// listSchemas handles GET /api/v1/schemas
func (h *SchemaHandlers) listSchemas(w http.ResponseWriter, r *http.Request) {
	list := h.registry.List()
	httputil.WriteSuccess(w, map[string]interface{}{
		"schemas": list,
		"count":   len(list),
	})
}

// registerSchema handles POST /api/v1/schemas
func (h *SchemaHandlers) registerSchema(w http.ResponseWriter, r *http.Request) {
	var schema schemas.EventSchema
	if !httputil.DecodeJSON(w, r, &schema) {
		return
	}

	err := h.registry.Register(r.Context(), &schema)
	if schemas.IsConflict(err) {
		httputil.WriteConflict(w, err.Error())
		return
	}
	if err != nil {
		httputil.WriteValidationError(w, err.Error())
		return
	}
	httputil.WriteCreated(w, &schema)
}

// getSchema handles GET /api/v1/schemas/{name}. With a ?version query
// parameter it returns that version, otherwise every version.
func (h *SchemaHandlers) getSchema(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.PathVarOrError(w, r, "name")
	if !ok {
		return
	}

	if version := httputil.ParseQueryInt(r, "version", 0); version > 0 {
		schema, err := h.registry.Get(name, version)
		if schemas.IsNotFound(err) {
			httputil.WriteNotFoundError(w, err.Error())
			return
		}
		if err != nil {
			httputil.WriteInternalError(w, err)
			return
		}
		httputil.WriteSuccess(w, schema)
		return
	}

	versions, err := h.registry.Versions(name)
	if schemas.IsNotFound(err) {
		httputil.WriteNotFoundError(w, err.Error())
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, map[string]interface{}{
		"name":     name,
		"versions": versions,
	})
}

// getLatest handles GET /api/v1/schemas/{name}/latest
func (h *SchemaHandlers) getLatest(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.PathVarOrError(w, r, "name")
	if !ok {
		return
	}

	schema, err := h.registry.Latest(name)
	if schemas.IsNotFound(err) {
		httputil.WriteNotFoundError(w, err.Error())
		return
	}
	if err != nil {
		httputil.WriteInternalError(w, err)
		return
	}
	httputil.WriteSuccess(w, schema)
}

// getHistory handles GET /api/v1/schemas/{name}/history
func (h *SchemaHandlers) getHistory(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.PathVarOrError(w, r, "name")
	if !ok {
		return
	}

	history := h.registry.History(name)
	httputil.WriteSuccess(w, map[string]interface{}{
		"name":    name,
		"history": history,
	})
}

// migrationRequest is the wire form of a schema migration. Property
// operations are declarative so migrations can be submitted over HTTP;
// programmatic migrations with arbitrary transforms go through the
// registry directly.
type migrationRequest struct {
	FromVersion int    `json:"from_version"`
	ToVersion   int    `json:"to_version"`
	Description string `json:"description"`
	IsBreaking  bool   `json:"is_breaking"`

	AddProperties    map[string]schemas.PropertySpec `json:"add_properties,omitempty"`
	RenameProperties map[string]string               `json:"rename_properties,omitempty"`
	RemoveProperties []string                        `json:"remove_properties,omitempty"`
}

// applyMigration handles POST /api/v1/schemas/{name}/migrate
func (h *SchemaHandlers) applyMigration(w http.ResponseWriter, r *http.Request) {
	name, ok := httputil.PathVarOrError(w, r, "name")
	if !ok {
		return
	}

	var req migrationRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}

	script := &schemas.MigrationScript{
		SchemaName:  name,
		FromVersion: req.FromVersion,
		ToVersion:   req.ToVersion,
		Description: req.Description,
		IsBreaking:  req.IsBreaking,
		UpdateProperties: schemas.DeclarativeUpdate(schemas.PropertyChanges{
			Add:    req.AddProperties,
			Rename: req.RenameProperties,
			Remove: req.RemoveProperties,
		}),
	}

	next, err := h.registry.ApplyMigration(r.Context(), script)
	switch {
	case schemas.IsNotFound(err):
		httputil.WriteNotFoundError(w, err.Error())
	case schemas.IsVersionMismatch(err):
		h.metrics.SchemaMigrationsTotal.WithLabelValues(name, "mismatch").Inc()
		httputil.WriteConflict(w, err.Error())
	case err != nil:
		h.metrics.SchemaMigrationsTotal.WithLabelValues(name, "error").Inc()
		httputil.WriteValidationError(w, err.Error())
	default:
		h.metrics.SchemaMigrationsTotal.WithLabelValues(name, "ok").Inc()
		httputil.WriteSuccess(w, next)
	}
}

// renderDocs handles GET /api/v1/schemas/docs
func (h *SchemaHandlers) renderDocs(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(h.exporter.Export()))
}
