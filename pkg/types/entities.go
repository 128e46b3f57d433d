package types

import "time"

// FileFormat 文件格式
type FileFormat string

const (
	FormatTSV       FileFormat = "tsv"
	FormatLocStrXML FileFormat = "xml-locstr"
)

// RowStatus 行状态
type RowStatus string

const (
	StatusEmpty      RowStatus = "empty"
	StatusPending    RowStatus = "pending"
	StatusTranslated RowStatus = "translated"
	StatusReviewed   RowStatus = "reviewed"
	StatusApproved   RowStatus = "approved"
)

// Rank 状态在工作流中的位置，用于判断前进/回退
func (s RowStatus) Rank() int {
	switch s {
	case StatusEmpty:
		return 0
	case StatusPending:
		return 1
	case StatusTranslated:
		return 2
	case StatusReviewed:
		return 3
	case StatusApproved:
		return 4
	default:
		return -1
	}
}

// Valid 是否为合法状态
func (s RowStatus) Valid() bool {
	return s.Rank() >= 0
}

// EntrySourceType TM条目来源类型
type EntrySourceType string

const (
	EntryManual EntrySourceType = "manual"
	EntryReview EntrySourceType = "review"
	EntryAuto   EntrySourceType = "auto"
	EntryImport EntrySourceType = "import"
)

// EngineKind 嵌入引擎类型
type EngineKind string

const (
	EngineFast EngineKind = "fast"
	EngineDeep EngineKind = "deep"
)

// Granularity 索引粒度
type Granularity string

const (
	GranularityWhole Granularity = "whole"
	GranularityLine  Granularity = "line"
)

// Project 项目
type Project struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Owner      string    `json:"owner"`
	CreatedAt  time.Time `json:"created_at"`
	LinkedTMID string    `json:"linked_tm_id,omitempty"`
}

// Folder 项目内的目录节点
type Folder struct {
	ID        string `json:"id"`
	ProjectID string `json:"project_id"`
	ParentID  string `json:"parent_id,omitempty"`
	Name      string `json:"name"`
	SortOrder int    `json:"sort_order"`
}

// File 翻译文件
type File struct {
	ID         string     `json:"id"`
	ProjectID  string     `json:"project_id"`
	FolderID   string     `json:"folder_id,omitempty"`
	Name       string     `json:"name"`
	Format     FileFormat `json:"format"`
	RowCount   int64      `json:"row_count"`
	SourceHash string     `json:"source_hash"`
}

// Row 双语行。Source在导入后不可变，Target可编辑
type Row struct {
	ID        int64     `json:"id"`
	FileID    string    `json:"file_id"`
	RowNum    int64     `json:"row_num"`
	StringID  string    `json:"string_id,omitempty"`
	Source    string    `json:"source"`
	Target    string    `json:"target"`
	Status    RowStatus `json:"status"`
	UpdatedBy string    `json:"updated_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
	Version   int64     `json:"version"`
}

// TM 翻译记忆库
type TM struct {
	ID              string     `json:"id"`
	Name            string     `json:"name"`
	SourceLang      string     `json:"source_lang"`
	TargetLang      string     `json:"target_lang"`
	CreatedAt       time.Time  `json:"created_at"`
	EmbeddingEngine EngineKind `json:"embedding_engine"`
	StaleCount      int64      `json:"stale_count"`
	LastSyncAt      time.Time  `json:"last_sync_at"`
}

// TMEntry 翻译记忆条目。Source与NormalizedSource在创建后不可变
type TMEntry struct {
	ID               int64           `json:"id"`
	TMID             string          `json:"tm_id"`
	Source           string          `json:"source"`
	Target           string          `json:"target"`
	NormalizedSource string          `json:"normalized_source"`
	SourceType       EntrySourceType `json:"source_type"`
	CreatedBy        string          `json:"created_by,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
	Confirmed        bool            `json:"confirmed"`
	IndexError       string          `json:"index_error,omitempty"`
}

// EditLock 行编辑锁
type EditLock struct {
	RowID          int64     `json:"row_id"`
	Holder         string    `json:"holder"`
	AcquiredAt     time.Time `json:"acquired_at"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// Live 租约是否仍然有效
func (l EditLock) Live(now time.Time) bool {
	return l.LeaseExpiresAt.After(now)
}

// SubscriptionEntity 离线订阅目标类型
type SubscriptionEntity string

const (
	SubscribePlatform SubscriptionEntity = "platform"
	SubscribeProject  SubscriptionEntity = "project"
	SubscribeFile     SubscriptionEntity = "file"
)

// SyncStatus 订阅同步状态
type SyncStatus string

const (
	SyncPending SyncStatus = "pending"
	SyncSynced  SyncStatus = "synced"
	SyncDirty   SyncStatus = "dirty"
)

// OfflineSubscription 离线订阅
type OfflineSubscription struct {
	EntityType SubscriptionEntity `json:"entity_type"`
	EntityID   string             `json:"entity_id"`
	User       string             `json:"user"`
	SyncStatus SyncStatus         `json:"sync_status"`
	LastSyncAt time.Time          `json:"last_sync_at"`
}

// TMStatus TM索引状态快照
type TMStatus struct {
	TMID       string    `json:"tm_id"`
	StaleCount int64     `json:"stale_count"`
	Building   bool      `json:"building"`
	LastSyncAt time.Time `json:"last_sync_at"`
}
