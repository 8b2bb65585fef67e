package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-nl2sql/pkg/models"
	"github.com/ekaya-inc/ekaya-nl2sql/pkg/services"
)

// IngestEntitiesRequest optionally limits entity ingestion to one table.
type IngestEntitiesRequest struct {
	Table string `json:"table,omitempty"`
}

// IngestGuidanceRequest replaces the guidance rules. An empty list reloads
// the rules shipped with the schema registry.
type IngestGuidanceRequest struct {
	Items []models.GuidanceItem `json:"items,omitempty"`
}

// IngestDocumentsRequest adds reference documents.
type IngestDocumentsRequest struct {
	Documents []services.DocumentInput `json:"documents"`
}

// SyncEntitiesRequest carries rows extracted from an external source.
type SyncEntitiesRequest struct {
	Rows []map[string]any `json:"rows"`
}

// IngestHandler serves the exclusive-writer admin operations.
type IngestHandler struct {
	entities  services.EntityIngestionService
	guidance  services.GuidanceIngestionService
	columns   services.ColumnIngestionService
	documents services.DocumentIngestionService
	sync      services.EntitySyncService
	logger    *zap.Logger
}

// NewIngestHandler creates a new IngestHandler. documents may be nil when no
// document store is configured.
func NewIngestHandler(
	entities services.EntityIngestionService,
	guidance services.GuidanceIngestionService,
	columns services.ColumnIngestionService,
	documents services.DocumentIngestionService,
	sync services.EntitySyncService,
	logger *zap.Logger,
) *IngestHandler {
	return &IngestHandler{
		entities:  entities,
		guidance:  guidance,
		columns:   columns,
		documents: documents,
		sync:      sync,
		logger:    logger.Named("ingest_handler"),
	}
}

// RegisterRoutes registers the handler's routes on the given mux.
func (h *IngestHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/admin/ingest/{kind}", h.Ingest)
	mux.HandleFunc("POST /api/admin/entities/{type}/sync", h.Sync)
}

// Ingest handles POST /api/admin/ingest/{kind} where kind is entities,
// guidance, columns or documents.
func (h *IngestHandler) Ingest(w http.ResponseWriter, r *http.Request) {
	kind := r.PathValue("kind")
	start := time.Now()

	var (
		report *services.IngestReport
		err    error
	)
	switch kind {
	case "entities":
		var req IngestEntitiesRequest
		if !h.decode(w, r, &req) {
			return
		}
		if req.Table != "" {
			var n int
			n, err = h.entities.IngestTable(r.Context(), req.Table)
			report = singleReport(kind, req.Table, n)
		} else {
			report, err = h.entities.IngestAll(r.Context())
		}
	case "guidance":
		var req IngestGuidanceRequest
		if !h.decode(w, r, &req) {
			return
		}
		var n int
		if len(req.Items) > 0 {
			n, err = h.guidance.Reload(r.Context(), req.Items)
		} else {
			n, err = h.guidance.ReloadDefaults(r.Context())
		}
		report = singleReport(kind, "guidance_rules", n)
	case "columns":
		var n int
		n, err = h.columns.Reload(r.Context())
		report = singleReport(kind, "column_catalog", n)
	case "documents":
		if h.documents == nil {
			h.writeError(w, http.StatusNotFound, "unknown_kind", "Document ingestion is not configured")
			return
		}
		var req IngestDocumentsRequest
		if !h.decode(w, r, &req) {
			return
		}
		if len(req.Documents) == 0 {
			h.writeError(w, http.StatusBadRequest, "missing_documents", "At least one document is required")
			return
		}
		var n int
		n, err = h.documents.Ingest(r.Context(), req.Documents)
		report = singleReport(kind, "document_chunks", n)
	default:
		h.writeError(w, http.StatusNotFound, "unknown_kind", "Kind must be entities, guidance, columns or documents")
		return
	}

	if err != nil {
		h.logger.Error("Ingestion failed", zap.String("kind", kind), zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "ingest_failed", "Ingestion failed: "+err.Error())
		return
	}
	if report.Elapsed == "" {
		report.Elapsed = time.Since(start).String()
	}

	h.logger.Info("Ingestion complete", zap.String("kind", kind), zap.Int("total", report.Total), zap.String("elapsed", report.Elapsed))
	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: report}); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

// Sync handles POST /api/admin/entities/{type}/sync, inserting rows whose
// names the catalog does not know yet.
func (h *IngestHandler) Sync(w http.ResponseWriter, r *http.Request) {
	entityType := r.PathValue("type")

	var req SyncEntitiesRequest
	if !h.decode(w, r, &req) {
		return
	}

	results, err := h.sync.InsertUnresolved(r.Context(), entityType, req.Rows)
	if err != nil {
		h.logger.Error("Entity sync failed", zap.String("entity_type", entityType), zap.Error(err))
		h.writeError(w, http.StatusBadRequest, "sync_failed", err.Error())
		return
	}

	if err := WriteJSON(w, http.StatusOK, ApiResponse{Success: true, Data: results}); err != nil {
		h.logger.Error("Failed to encode response", zap.Error(err))
	}
}

func singleReport(kind, key string, n int) *services.IngestReport {
	return &services.IngestReport{Kind: kind, Counts: map[string]int{key: n}, Total: n}
}

func (h *IngestHandler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeBody(r, dst, true); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return false
	}
	return true
}

func (h *IngestHandler) writeError(w http.ResponseWriter, status int, code, message string) {
	if err := ErrorResponse(w, status, code, message); err != nil {
		h.logger.Error("Failed to write error response", zap.Error(err))
	}
}
