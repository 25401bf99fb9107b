package service

import (
	"strings"
	"testing"

	"github.com/parleyhq/parley/pkg/config"
)

func TestDirectiveExtract(t *testing.T) {
	parser := NewDirectiveParser(&config.AppConfig{})

	tests := []struct {
		name        string
		text        string
		wantCleaned string
		wantURLPart string // substring the derived URL must contain; "" means no URL
	}{
		{
			name:        "directive after text",
			text:        "Sure! [IMAGE_REQUEST: a red fox in snow]",
			wantCleaned: "Sure!",
			wantURLPart: "/prompt/a%20red%20fox%20in%20snow?width=512&height=512&nologo=true",
		},
		{
			name:        "no directive",
			text:        "Just a plain answer.",
			wantCleaned: "Just a plain answer.",
		},
		{
			name:        "directive only gets a caption",
			text:        "[IMAGE_REQUEST: a lighthouse at dusk]",
			wantCleaned: `Here is the image you asked for: "a lighthouse at dusk".`,
			wantURLPart: "/prompt/a%20lighthouse%20at%20dusk",
		},
		{
			name:        "only the first directive is honored",
			text:        "[IMAGE_REQUEST: first] and [IMAGE_REQUEST: second]",
			wantCleaned: "and [IMAGE_REQUEST: second]",
			wantURLPart: "/prompt/first",
		},
		{
			name:        "whitespace around description trimmed",
			text:        "Here: [IMAGE_REQUEST:   city at night  ] done.",
			wantCleaned: "Here:  done.",
			wantURLPart: "/prompt/city%20at%20night",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cleaned, imageURL := parser.Extract(tt.text)
			if cleaned != tt.wantCleaned {
				t.Errorf("cleaned = %q, want %q", cleaned, tt.wantCleaned)
			}
			if tt.wantURLPart == "" {
				if imageURL != "" {
					t.Errorf("imageURL = %q, want empty", imageURL)
				}
				return
			}
			if !strings.Contains(imageURL, tt.wantURLPart) {
				t.Errorf("imageURL = %q, want substring %q", imageURL, tt.wantURLPart)
			}
		})
	}
}

func TestDirectiveExtractIdempotent(t *testing.T) {
	parser := NewDirectiveParser(&config.AppConfig{})

	text := "Nothing to see here."
	once, url1 := parser.Extract(text)
	twice, url2 := parser.Extract(once)
	if once != text || twice != text {
		t.Errorf("Extract changed directive-free text: %q -> %q -> %q", text, once, twice)
	}
	if url1 != "" || url2 != "" {
		t.Errorf("Extract derived a URL from directive-free text: %q, %q", url1, url2)
	}
}
