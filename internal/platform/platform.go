package platform

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ContentType is a coarse taxonomy tag assigned by URL pattern matching.
type ContentType string

const (
	ContentVideo    ContentType = "video"
	ContentAudio    ContentType = "audio"
	ContentImage    ContentType = "image"
	ContentDocument ContentType = "document"
	ContentPost     ContentType = "post"
	ContentGeneric  ContentType = "generic"
)

// URLPattern maps a URL regular expression to a content type.
type URLPattern struct {
	Pattern     string      `yaml:"pattern"`
	ContentType ContentType `yaml:"content_type"`

	re *regexp.Regexp
}

// Endpoint is one candidate service URL for a platform. Templates may
// contain a {url} placeholder which is replaced with the query-escaped
// source URL; a template without the placeholder is used verbatim.
type Endpoint struct {
	Template string `yaml:"template"`
	Rank     int    `yaml:"rank"`
}

// Expand builds the concrete request URL for a source URL. An empty
// template passes the source URL through untouched.
func (e Endpoint) Expand(source string) string {
	if e.Template == "" {
		return source
	}
	if !strings.Contains(e.Template, "{url}") {
		return e.Template
	}
	return strings.ReplaceAll(e.Template, "{url}", url.QueryEscape(source))
}

// Descriptor describes one supported platform. Descriptors are built at
// startup and never mutated afterwards, so they are safe to share.
type Descriptor struct {
	ID           string       `yaml:"id"`
	Patterns     []URLPattern `yaml:"patterns"`
	Endpoints    []Endpoint   `yaml:"endpoints"`
	RequiresAuth bool         `yaml:"requires_auth"`
}

// compile validates the descriptor and compiles its patterns.
func (d *Descriptor) compile() error {
	if d.ID == "" {
		return fmt.Errorf("platform: descriptor has empty id")
	}
	if len(d.Endpoints) == 0 {
		return fmt.Errorf("platform: descriptor %q has no endpoints", d.ID)
	}
	for i := range d.Patterns {
		re, err := regexp.Compile(d.Patterns[i].Pattern)
		if err != nil {
			return fmt.Errorf("platform: descriptor %q pattern %d: %w", d.ID, i, err)
		}
		d.Patterns[i].re = re
		if d.Patterns[i].ContentType == "" {
			d.Patterns[i].ContentType = ContentGeneric
		}
	}
	return nil
}

// Resolution is the result of resolving a URL against the registry.
type Resolution struct {
	PlatformID  string
	ContentType ContentType
}

// DirectDescriptor returns the built-in pass-through descriptor used
// when no platform matches and the direct fallback is enabled. Its
// single (empty-template) endpoint fetches the source URL as-is.
func DirectDescriptor() *Descriptor {
	d := &Descriptor{
		ID: "direct",
		Patterns: []URLPattern{
			{Pattern: `^https?://`, ContentType: ContentGeneric},
		},
		Endpoints: []Endpoint{
			{Template: "", Rank: 0},
		},
	}
	if err := d.compile(); err != nil {
		panic(err)
	}
	return d
}
