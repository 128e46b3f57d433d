package httpapi

import (
	"github.com/kasuganosora/ldm/pkg/offline"
	"github.com/kasuganosora/ldm/pkg/types"
)

// ErrorResponse is the error envelope. Kind is the contract; Code is
// the HTTP mapping.
type ErrorResponse struct {
	Error   string                 `json:"error"`
	Kind    string                 `json:"kind"`
	Code    int                    `json:"code"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// HealthResponse represents a health check response
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// NameRequest covers create/rename calls that only carry a name.
type NameRequest struct {
	Name string `json:"name"`
}

// LinkTMRequest sets or clears a project's default TM.
type LinkTMRequest struct {
	TMID string `json:"tm_id"`
}

// CreateFolderRequest creates a folder inside a project.
type CreateFolderRequest struct {
	ParentID  string `json:"parent_id,omitempty"`
	Name      string `json:"name"`
	SortOrder int    `json:"sort_order"`
}

// UploadFileRequest imports a translation file. Content is base64 on
// the wire.
type UploadFileRequest struct {
	Name     string `json:"name"`
	FolderID string `json:"folder_id,omitempty"`
	Format   string `json:"format"`
	Content  []byte `json:"content"`
}

// RowsResponse is a page of rows plus the filtered total.
type RowsResponse struct {
	Rows  []*types.Row `json:"rows"`
	Total int64        `json:"total"`
	Page  int          `json:"page"`
	Limit int          `json:"limit"`
}

// UpdateRowRequest commits a target under version check.
type UpdateRowRequest struct {
	Target          string `json:"target"`
	ExpectedVersion int64  `json:"expected_version"`
}

// CreateTMRequest creates a translation memory.
type CreateTMRequest struct {
	Name       string `json:"name"`
	Engine     string `json:"engine,omitempty"`
	SourceLang string `json:"source_lang,omitempty"`
	TargetLang string `json:"target_lang,omitempty"`
}

// ImportTMRequest bulk-imports TM pairs. Format is "xlsx" or "tsv".
type ImportTMRequest struct {
	Format  string `json:"format"`
	Content []byte `json:"content"`
}

// ImportTMResponse reports how many entries the import created and the
// rebuild task that picks them up.
type ImportTMResponse struct {
	Created int64  `json:"created"`
	TaskID  string `json:"task_id,omitempty"`
}

// UpsertEntryRequest adds or confirms a TM entry.
type UpsertEntryRequest struct {
	Source     string `json:"source"`
	Target     string `json:"target"`
	SourceType string `json:"source_type,omitempty"`
}

// UpsertEntryResponse returns the entry and whether it is new.
type UpsertEntryResponse struct {
	Entry   *types.TMEntry `json:"entry"`
	Created bool           `json:"created"`
}

// EngineRequest switches a TM's embedding engine.
type EngineRequest struct {
	Engine string `json:"engine"`
}

// TaskResponse identifies a started or in-flight build task.
type TaskResponse struct {
	TaskID string `json:"task_id"`
}

// SubscriptionRequest subscribes or unsubscribes an offline scope.
type SubscriptionRequest struct {
	EntityType string `json:"entity_type"`
	EntityID   string `json:"entity_id,omitempty"`
}

// PushOutboxRequest replays a client outbox against the central store.
type PushOutboxRequest struct {
	Mutations []offline.Mutation `json:"mutations"`
}

// MutationResult is the per-mutation outcome of an outbox push.
type MutationResult struct {
	Seq     int64                  `json:"seq"`
	Applied bool                   `json:"applied"`
	Error   string                 `json:"error,omitempty"`
	Kind    string                 `json:"kind,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// PushOutboxResponse lists each mutation's outcome in order.
type PushOutboxResponse struct {
	Results []MutationResult `json:"results"`
}
