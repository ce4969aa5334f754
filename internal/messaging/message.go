// Package messaging defines the outbound message model shared by the key,
// payment and notification services, and the sink capability that carries
// messages to users and operators. Provider mechanics live behind the sink.
package messaging

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// MediaType selects the message variant.
type MediaType string

const (
	MediaText     MediaType = "text"
	MediaPhoto    MediaType = "photo"
	MediaVideo    MediaType = "video"
	MediaDocument MediaType = "document"
)

// ParseMode selects how the provider interprets markup in Text.
type ParseMode string

const (
	ParseHTML     ParseMode = "HTML"
	ParseMarkdown ParseMode = "Markdown"
)

const maxCallbackDataBytes = 64

// Button is one inline button. Exactly one of URL or CallbackData is set.
type Button struct {
	Text         string `json:"text"`
	URL          string `json:"url,omitempty"`
	CallbackData string `json:"callback_data,omitempty"`
}

// Message is the template payload stored inside a notification rule and
// the value every outbound send carries.
type Message struct {
	MediaType MediaType  `json:"media_type"`
	MediaID   string     `json:"media_id,omitempty"`
	Text      string     `json:"text"`
	ParseMode ParseMode  `json:"parse_mode"`
	Buttons   [][]Button `json:"buttons,omitempty"`
}

// Text builds a plain text message.
func TextMessage(text string) Message {
	return Message{MediaType: MediaText, Text: text, ParseMode: ParseHTML}
}

// DecodeTemplate parses a stored rule template.
func DecodeTemplate(raw []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(raw, &m); err != nil {
		return Message{}, fmt.Errorf("messaging: decode template: %w", err)
	}
	if m.MediaType == "" {
		m.MediaType = MediaText
	}
	if m.ParseMode == "" {
		m.ParseMode = ParseHTML
	}
	return m, nil
}

// Validate rejects templates that cannot be rendered at all. Individual bad
// buttons are not an error here; they are dropped at render time.
func (m Message) Validate() error {
	switch m.MediaType {
	case MediaText:
	case MediaPhoto, MediaVideo, MediaDocument:
		if m.MediaID == "" {
			return fmt.Errorf("messaging: media_type %q requires media_id", m.MediaType)
		}
	default:
		return fmt.Errorf("messaging: unknown media_type %q", m.MediaType)
	}
	switch m.ParseMode {
	case ParseHTML, ParseMarkdown:
	default:
		return fmt.Errorf("messaging: unknown parse_mode %q", m.ParseMode)
	}
	return nil
}

// Render returns a copy of the message with invalid buttons dropped.
// A button survives when it has text and exactly one valid action: an
// http(s) URL with a host, or callback data of at most 64 bytes.
func (m Message) Render() Message {
	if len(m.Buttons) == 0 {
		return m
	}
	rows := make([][]Button, 0, len(m.Buttons))
	for _, row := range m.Buttons {
		kept := make([]Button, 0, len(row))
		for _, b := range row {
			if !validButton(b) {
				continue
			}
			kept = append(kept, b)
		}
		if len(kept) > 0 {
			rows = append(rows, kept)
		}
	}
	m.Buttons = rows
	return m
}

func validButton(b Button) bool {
	if b.Text == "" {
		return false
	}
	hasURL := b.URL != ""
	hasCallback := b.CallbackData != ""
	if hasURL == hasCallback {
		return false
	}
	if hasURL {
		u, err := url.Parse(b.URL)
		if err != nil {
			return false
		}
		if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return false
		}
		return true
	}
	return len(b.CallbackData) <= maxCallbackDataBytes
}
