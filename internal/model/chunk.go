package model

type SourceType string

const (
	SourceTypeCode          SourceType = "code"
	SourceTypeConversation  SourceType = "conversation"
	SourceTypeToolResult    SourceType = "tool_result"
	SourceTypeLearning      SourceType = "learning"
	SourceTypeDocumentation SourceType = "documentation"
)

func (s SourceType) Valid() bool {
	switch s {
	case SourceTypeCode, SourceTypeConversation, SourceTypeToolResult, SourceTypeLearning, SourceTypeDocumentation:
		return true
	}
	return false
}

type ChunkMetadata struct {
	SourceID       string     `json:"source_id"`
	SourceType     SourceType `json:"source_type"`
	ChunkIndex     int        `json:"chunk_index"`
	TotalChunks    int        `json:"total_chunks"`
	Timestamp      int64      `json:"timestamp"`
	SessionID      string     `json:"session_id,omitempty"`
	ProjectPath    string     `json:"project_path,omitempty"`
	FilePath       string     `json:"file_path,omitempty"`
	LineStart      int        `json:"line_start,omitempty"`
	LineEnd        int        `json:"line_end,omitempty"`
	Speaker        string     `json:"speaker,omitempty"`
	ToolName       string     `json:"tool_name,omitempty"`
	EmbeddingModel string     `json:"embedding_model,omitempty"`
}

// ContentChunk is immutable once emitted by the chunker.
type ContentChunk struct {
	Text        string        `json:"text"`
	ContentHash string        `json:"content_hash"`
	Metadata    ChunkMetadata `json:"metadata"`
}
