package protocol

import (
	"encoding/json"
	"fmt"
)

// ContentType tags the payload variant of a message.
type ContentType string

const (
	ContentText  ContentType = "text"
	ContentImage ContentType = "image"
	ContentVideo ContentType = "video"
	ContentFile  ContentType = "file"
	ContentVoice ContentType = "voice"
)

// Content is the closed set of message payload variants. The wire form is a
// JSON object carrying a "type" tag next to the variant's own fields.
type Content interface {
	ContentType() ContentType
}

// TextContent is a plain text message body.
type TextContent struct {
	Body string `json:"body"`
}

func (TextContent) ContentType() ContentType { return ContentText }

// ImageContent references an uploaded image. Width and height are optional
// rendering hints.
type ImageContent struct {
	URL       string `json:"url"`
	Thumbnail string `json:"thumbnail"`
	Width     int    `json:"width,omitempty"`
	Height    int    `json:"height,omitempty"`
}

func (ImageContent) ContentType() ContentType { return ContentImage }

// VideoContent references an uploaded video.
type VideoContent struct {
	URL       string `json:"url"`
	Thumbnail string `json:"thumbnail"`
	Duration  int    `json:"duration,omitempty"`
}

func (VideoContent) ContentType() ContentType { return ContentVideo }

// FileContent references an uploaded file attachment.
type FileContent struct {
	URL  string `json:"url"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

func (FileContent) ContentType() ContentType { return ContentFile }

// VoiceContent references an uploaded voice note.
type VoiceContent struct {
	URL      string `json:"url"`
	Duration int    `json:"duration"`
}

func (VoiceContent) ContentType() ContentType { return ContentVoice }

// EncodeContent serializes a content variant as a tagged JSON object.
func EncodeContent(c Content) ([]byte, error) {
	switch v := c.(type) {
	case TextContent:
		return json.Marshal(struct {
			Type ContentType `json:"type"`
			TextContent
		}{ContentText, v})
	case ImageContent:
		return json.Marshal(struct {
			Type ContentType `json:"type"`
			ImageContent
		}{ContentImage, v})
	case VideoContent:
		return json.Marshal(struct {
			Type ContentType `json:"type"`
			VideoContent
		}{ContentVideo, v})
	case FileContent:
		return json.Marshal(struct {
			Type ContentType `json:"type"`
			FileContent
		}{ContentFile, v})
	case VoiceContent:
		return json.Marshal(struct {
			Type ContentType `json:"type"`
			VoiceContent
		}{ContentVoice, v})
	default:
		return nil, fmt.Errorf("unknown content variant %T", c)
	}
}

// DecodeContent parses a tagged JSON object into its content variant.
// An unknown tag is an error: the set of variants is closed.
func DecodeContent(data []byte) (Content, error) {
	var tag struct {
		Type ContentType `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return nil, fmt.Errorf("decode content tag: %w", err)
	}

	switch tag.Type {
	case ContentText:
		var v TextContent
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case ContentImage:
		var v ImageContent
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case ContentVideo:
		var v VideoContent
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case ContentFile:
		var v FileContent
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	case ContentVoice:
		var v VoiceContent
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return nil, fmt.Errorf("unknown content type %q", tag.Type)
	}
}

// Preview returns a short human-readable summary of a content payload, used
// for room previews. Text bodies are truncated; media variants collapse to a
// placeholder.
func Preview(c Content, maxLen int) string {
	switch v := c.(type) {
	case TextContent:
		if len(v.Body) <= maxLen {
			return v.Body
		}
		return v.Body[:maxLen]
	case ImageContent:
		return "[image]"
	case VideoContent:
		return "[video]"
	case FileContent:
		return "[file] " + v.Name
	case VoiceContent:
		return "[voice]"
	default:
		return ""
	}
}

// ValidateContent checks required fields per variant before a message is
// accepted into the outbox or by the server.
func ValidateContent(c Content) error {
	switch v := c.(type) {
	case TextContent:
		if v.Body == "" {
			return fmt.Errorf("text content requires a body")
		}
	case ImageContent:
		if v.URL == "" || v.Thumbnail == "" {
			return fmt.Errorf("image content requires url and thumbnail")
		}
	case VideoContent:
		if v.URL == "" || v.Thumbnail == "" {
			return fmt.Errorf("video content requires url and thumbnail")
		}
	case FileContent:
		if v.URL == "" || v.Name == "" {
			return fmt.Errorf("file content requires url and name")
		}
	case VoiceContent:
		if v.URL == "" {
			return fmt.Errorf("voice content requires url")
		}
	default:
		return fmt.Errorf("unknown content variant %T", c)
	}
	return nil
}
