package protocol

import (
	"strings"
	"testing"
)

func TestContentRoundTrip(t *testing.T) {
	variants := []Content{
		TextContent{Body: "hello"},
		ImageContent{URL: "u", Thumbnail: "t", Width: 640, Height: 480},
		VideoContent{URL: "u", Thumbnail: "t", Duration: 12},
		FileContent{URL: "u", Name: "doc.pdf", Size: 1024},
		VoiceContent{URL: "u", Duration: 5},
	}

	for _, in := range variants {
		data, err := EncodeContent(in)
		if err != nil {
			t.Fatalf("%T: encode: %v", in, err)
		}
		out, err := DecodeContent(data)
		if err != nil {
			t.Fatalf("%T: decode: %v", in, err)
		}
		if out != in {
			t.Errorf("round trip: got %#v, want %#v", out, in)
		}
	}
}

func TestDecodeContentUnknownTag(t *testing.T) {
	_, err := DecodeContent([]byte(`{"type":"sticker","body":"x"}`))
	if err == nil {
		t.Fatal("expected error for unknown content type")
	}
	if !strings.Contains(err.Error(), "sticker") {
		t.Errorf("error %q should name the unknown tag", err)
	}
}

func TestDecodeContentMalformed(t *testing.T) {
	if _, err := DecodeContent([]byte(`not json`)); err == nil {
		t.Fatal("expected error for malformed content")
	}
}

func TestPreview(t *testing.T) {
	if got := Preview(TextContent{Body: "a long message body"}, 6); got != "a long" {
		t.Errorf("truncated preview = %q", got)
	}
	if got := Preview(FileContent{URL: "u", Name: "a.txt"}, 50); got != "[file] a.txt" {
		t.Errorf("file preview = %q", got)
	}
	if got := Preview(ImageContent{URL: "u", Thumbnail: "t"}, 50); got != "[image]" {
		t.Errorf("image preview = %q", got)
	}
}

func TestValidateContent(t *testing.T) {
	valid := []Content{
		TextContent{Body: "x"},
		ImageContent{URL: "u", Thumbnail: "t"},
		VideoContent{URL: "u", Thumbnail: "t"},
		FileContent{URL: "u", Name: "n"},
		VoiceContent{URL: "u"},
	}
	for _, c := range valid {
		if err := ValidateContent(c); err != nil {
			t.Errorf("%T: %v", c, err)
		}
	}

	invalid := []Content{
		TextContent{},
		ImageContent{URL: "u"},
		VideoContent{Thumbnail: "t"},
		FileContent{URL: "u"},
		VoiceContent{},
	}
	for _, c := range invalid {
		if err := ValidateContent(c); err == nil {
			t.Errorf("%T: expected validation error", c)
		}
	}
}
