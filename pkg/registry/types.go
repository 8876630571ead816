package registry

import "time"

// Status is the lifecycle state of a document in the registry.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusSuccess    Status = "success"
	StatusFailed     Status = "failed"
	StatusPartial    Status = "partial"
)

// Terminal reports whether the status is a final one.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed || s == StatusPartial
}

// UploadMetadata describes how a document entered the system.
type UploadMetadata struct {
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	SizeBytes int64     `json:"size_bytes"`
	Uploader  string    `json:"uploader,omitempty"`
}

// PDFMetadata holds document properties reported by a PDF parser.
type PDFMetadata struct {
	PageCount    int    `json:"page_count,omitempty"`
	Author       string `json:"author,omitempty"`
	CreationDate string `json:"creation_date,omitempty"`
}

// ProcessingMetadata records how ingestion went: per-stage durations and
// the parser fallback chain that was actually taken.
type ProcessingMetadata struct {
	ParseMillis   int64    `json:"parse_ms,omitempty"`
	ChunkMillis   int64    `json:"chunk_ms,omitempty"`
	EmbedMillis   int64    `json:"embed_ms,omitempty"`
	StoreMillis   int64    `json:"store_ms,omitempty"`
	TotalMillis   int64    `json:"total_ms,omitempty"`
	FallbackChain []string `json:"fallback_chain,omitempty"`
}

// VersionEntry is one prior version of a document record.
type VersionEntry struct {
	Version   int64     `json:"version"`
	ChangedAt time.Time `json:"changed_at"`
	Summary   string    `json:"summary,omitempty"`
}

// VersionInfo tracks the per-document version counter and its history.
type VersionInfo struct {
	Version int64          `json:"version"`
	History []VersionEntry `json:"history,omitempty"`
}

// DocumentRecord is the authoritative metadata for one ingested document.
type DocumentRecord struct {
	DocumentID    string              `json:"document_id"`
	Name          string              `json:"name"`
	OriginalName  string              `json:"original_name"`
	FileHash      string              `json:"file_hash,omitempty"`
	Upload        UploadMetadata      `json:"upload_metadata"`
	PDF           *PDFMetadata        `json:"pdf_metadata,omitempty"`
	ParserUsed    string              `json:"parser_used,omitempty"`
	Processing    *ProcessingMetadata `json:"processing_metadata,omitempty"`
	ChunksCreated int                 `json:"chunks_created"`
	ImagesStored  int                 `json:"images_stored"`
	Status        Status              `json:"status"`
	Error         string              `json:"error,omitempty"`
	TextIndex     string              `json:"text_index,omitempty"`
	ImagesIndex   string              `json:"images_index,omitempty"`
	VersionInfo   VersionInfo         `json:"version_info"`
}

// Clone returns a deep copy so callers can't mutate registry state.
func (r *DocumentRecord) Clone() *DocumentRecord {
	if r == nil {
		return nil
	}
	cp := *r
	if r.PDF != nil {
		pdf := *r.PDF
		cp.PDF = &pdf
	}
	if r.Processing != nil {
		proc := *r.Processing
		proc.FallbackChain = append([]string(nil), r.Processing.FallbackChain...)
		cp.Processing = &proc
	}
	cp.VersionInfo.History = append([]VersionEntry(nil), r.VersionInfo.History...)
	return &cp
}

// SyncStatus reports the registry's relationship to its on-disk state.
type SyncStatus struct {
	Version            int64  `json:"version"`
	Documents          int    `json:"documents"`
	Path               string `json:"path"`
	ExternallyModified bool   `json:"externally_modified"`
}
