package watcher

import (
	"regexp"

	"github.com/xxxsen/embedpipe/internal/model"
)

// codeLikeRe matches structural tokens common across mainstream languages.
// Two or more hits reclassify a tool result as code.
var codeLikeRe = regexp.MustCompile(`(?m)(\bfunc\s|\bfunction\s|\bdef\s|\bclass\s|\bstruct\s|\bimpl\s|\bfn\s|\breturn\b|\bimport\s|\bpackage\s|[{};]\s*$|=>|::)`)

// sessionRecord is one newline-delimited entry of a session log. Content may
// be a plain string or an array of typed parts; nested message envelopes are
// unwrapped.
type sessionRecord struct {
	Type      string               `json:"type"`
	Role      string               `json:"role"`
	Content   model.MessageContent `json:"content"`
	SessionID string               `json:"sessionId"`
	ToolName  string               `json:"toolName"`
	Message   *struct {
		Role    string               `json:"role"`
		Content model.MessageContent `json:"content"`
	} `json:"message"`
}

func (r *sessionRecord) role() string {
	if r.Message != nil && r.Message.Role != "" {
		return r.Message.Role
	}
	if r.Role != "" {
		return r.Role
	}
	return r.Type
}

func (r *sessionRecord) text() string {
	if r.Message != nil {
		if s := r.Message.Content.Extract(); s != "" {
			return s
		}
	}
	return r.Content.Extract()
}

// classify maps a record to its content type and speaker. User and assistant
// turns are conversation; tool results whose payload resembles code are
// promoted to code.
func classify(record *sessionRecord, text string) (model.SourceType, string) {
	switch record.role() {
	case "user", "human":
		return model.SourceTypeConversation, "user"
	case "assistant", "ai":
		return model.SourceTypeConversation, "assistant"
	}
	if looksLikeCode(text) {
		return model.SourceTypeCode, ""
	}
	return model.SourceTypeToolResult, ""
}

func looksLikeCode(text string) bool {
	return len(codeLikeRe.FindAllStringIndex(text, 2)) >= 2
}
