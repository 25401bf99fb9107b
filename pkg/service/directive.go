package service

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/parleyhq/parley/pkg/config"
)

// imageDirectiveRe matches the side-channel marker the model embeds when it
// wants an image generated, e.g. "[IMAGE_REQUEST: a red fox in snow]".
var imageDirectiveRe = regexp.MustCompile(`\[IMAGE_REQUEST:\s*([^\]]+)\]`)

// DirectiveParser extracts image-generation directives from model output and
// derives the image-service reference URL. Extraction is pure and idempotent
// on text that carries no directive.
type DirectiveParser struct {
	baseURL string
	width   int
	height  int
}

// NewDirectiveParser builds a parser from the image-service configuration.
func NewDirectiveParser(cfg *config.AppConfig) *DirectiveParser {
	return &DirectiveParser{
		baseURL: cfg.ImageBaseURL(),
		width:   cfg.ImageWidth(),
		height:  cfg.ImageHeight(),
	}
}

// Extract scans text for the first image directive. On a match it returns
// the text with the directive stripped and the derived image URL; the URL is
// a fire-and-forget reference, never fetched here. A response is expected to
// carry at most one directive; only the first is honored. When the stripped
// text is empty a default caption quoting the description is synthesized.
func (p *DirectiveParser) Extract(text string) (string, string) {
	loc := imageDirectiveRe.FindStringSubmatchIndex(text)
	if loc == nil {
		return text, ""
	}

	description := strings.TrimSpace(text[loc[2]:loc[3]])
	imageURL := fmt.Sprintf("%s/prompt/%s?width=%d&height=%d&nologo=true",
		p.baseURL, url.PathEscape(description), p.width, p.height)

	cleaned := strings.TrimSpace(text[:loc[0]] + text[loc[1]:])
	if cleaned == "" {
		cleaned = fmt.Sprintf("Here is the image you asked for: %q.", description)
	}

	return cleaned, imageURL
}
