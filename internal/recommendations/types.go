// Package recommendations loads and renders the fallback recommendation block.
package recommendations

import (
	"errors"
	"fmt"
	"strings"
)

// Format selects the fallback layout.
type Format string

const (
	FormatCitation Format = "citation"
	FormatProduct  Format = "product"
)

// ErrUnknownFormat is returned for fallback layouts other than citation and product.
var ErrUnknownFormat = errors.New("unsupported fallback format")

// ParseFormat accepts "citation" or "product".
func ParseFormat(raw string) (Format, error) {
	switch Format(strings.ToLower(strings.TrimSpace(raw))) {
	case FormatCitation:
		return FormatCitation, nil
	case FormatProduct:
		return FormatProduct, nil
	default:
		return "", fmt.Errorf("%w %q (want citation or product)", ErrUnknownFormat, raw)
	}
}

// Item is one operator suggestion.
type Item struct {
	ID           string `json:"id"`
	Title        string `json:"title"`
	Description  string `json:"description,omitempty"`
	URL          string `json:"url"`
	CTA          string `json:"cta,omitempty"`
	ImageURL     string `json:"image_url,omitempty"`
	BrandAgentID string `json:"brand_agent_id,omitempty"`
}

// Query is the input tuple of one fetch.
type Query struct {
	MessageID string `json:"message_id"`
	Query     string `json:"query"`
	Format    Format `json:"format"`
}

// Phase of a fetch.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseLoading Phase = "loading"
	PhaseError   Phase = "error"
	PhaseEmpty   Phase = "empty"
	PhaseLoaded  Phase = "loaded"
)

// View is what the presentation layer renders.
type View struct {
	Query Query  `json:"query"`
	Phase Phase  `json:"phase"`
	Items []Item `json:"items,omitempty"`
	Err   string `json:"error,omitempty"`
}

type requestBody struct {
	MessageID  string `json:"message_id"`
	SessionID  string `json:"session_id"`
	PlatformID string `json:"platform_id"`
	QueryText  string `json:"query_text"`
	Format     Format `json:"format"`
}

type response struct {
	Items      []Item `json:"items"`
	ServeToken string `json:"serve_token,omitempty"`
}
