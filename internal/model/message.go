package model

import (
	"encoding/json"
	"strings"
)

// MessageContent carries a session log message body, which may arrive either
// as a plain string or as an array of typed parts.
type MessageContent struct {
	Text  string
	Parts []MessagePart
}

type MessagePart struct {
	Type    string `json:"type"`
	Text    string `json:"text,omitempty"`
	Content string `json:"content,omitempty"`
}

func (m *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		m.Text = s
		m.Parts = nil
		return nil
	}
	var parts []MessagePart
	if err := json.Unmarshal(data, &parts); err != nil {
		return err
	}
	m.Text = ""
	m.Parts = parts
	return nil
}

// Extract flattens the content to plain text. Non-text parts are skipped.
func (m MessageContent) Extract() string {
	if m.Parts == nil {
		return m.Text
	}
	var sb strings.Builder
	for _, p := range m.Parts {
		switch p.Type {
		case "text":
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(p.Text)
		case "tool_result":
			if sb.Len() > 0 {
				sb.WriteString("\n")
			}
			sb.WriteString(p.Content)
		}
	}
	return sb.String()
}
