package billing

import "time"

// Unit is a billing unit.
type Unit string

const (
	UnitCPX Unit = "CPX"
	UnitCPC Unit = "CPC"
	UnitCPA Unit = "CPA"
)

// Kind identifies a billing event type on the wire.
type Kind string

const (
	KindExposure   Kind = "cpx_exposure"
	KindClick      Kind = "cpc_click"
	KindConversion Kind = "cpa_conversion"
)

// Winner is the advertiser selected by the auction.
type Winner struct {
	BrandAgentID   string  `json:"brand_agent_id"`
	AgentID        string  `json:"agent_id,omitempty"`
	WalletID       string  `json:"wallet_id,omitempty"`
	CPXPrice       float64 `json:"cpx_price"`
	PreferredUnit  Unit    `json:"preferred_unit"`
	ReservedAmount float64 `json:"reserved_amount"`
}

// Creative is what the host renders for the winner.
type Creative struct {
	Label string `json:"label"`
	Title string `json:"title"`
	Body  string `json:"body"`
	CTA   string `json:"cta"`
	URL   string `json:"url"`
}

// AuctionResult is immutable once installed; a new platform request replaces it wholesale.
type AuctionResult struct {
	AuctionID  string   `json:"auction_id"`
	ServeToken string   `json:"serve_token"`
	Winner     Winner   `json:"winner"`
	Render     Creative `json:"render"`
}

// State tracks which funnel stages were sent for the current auction.
// ConversionSent implies ClickSent implies ExposureSent.
type State struct {
	ExposureSent   bool `json:"exposureSent"`
	ClickSent      bool `json:"clickSent"`
	ConversionSent bool `json:"conversionSent"`
}

// Pricing is the billed amount in minor currency units.
type Pricing struct {
	Unit        Unit  `json:"unit"`
	AmountCents int64 `json:"amount_cents"`
}

// ExposureEvent is posted to /v1/event/cpx.
type ExposureEvent struct {
	EventType    Kind    `json:"event_type"`
	ServeToken   string  `json:"serve_token"`
	SessionID    string  `json:"session_id"`
	PlatformID   string  `json:"platform_id"`
	BrandAgentID string  `json:"brand_agent_id"`
	WalletID     string  `json:"wallet_id,omitempty"`
	Pricing      Pricing `json:"pricing"`
	Timestamp    string  `json:"timestamp"`
}

// ClickEvent is posted to /v1/event/cpc.
type ClickEvent struct {
	EventType    Kind    `json:"event_type"`
	ServeToken   string  `json:"serve_token"`
	SessionID    string  `json:"session_id"`
	PlatformID   string  `json:"platform_id"`
	BrandAgentID string  `json:"brand_agent_id"`
	WalletID     string  `json:"wallet_id,omitempty"`
	Pricing      Pricing `json:"pricing"`
	Timestamp    string  `json:"timestamp"`
}

// ConversionPayload is what the host supplies for a CPA event.
type ConversionPayload struct {
	ConversionID       string                 `json:"conversion_id"`
	ConversionType     string                 `json:"conversion_type"`
	TS                 string                 `json:"ts"`
	OrderValueCents    *int64                 `json:"order_value_cents,omitempty"`
	Currency           string                 `json:"currency,omitempty"`
	ConversionMetadata map[string]interface{} `json:"conversion_metadata,omitempty"`
}

// ConversionEvent is posted to /v1/event/cpa.
type ConversionEvent struct {
	EventType  Kind   `json:"event_type"`
	ServeToken string `json:"serve_token"`
	ConversionPayload
}

// ExposureOverride adjusts an exposure event before it is sent.
type ExposureOverride func(*ExposureEvent)

// ClickOverride adjusts a click event before it is sent.
type ClickOverride func(*ClickEvent)

// PlatformRequest carries the optional inputs of a platform request.
type PlatformRequest struct {
	QueryText string                 `json:"query_text,omitempty"`
	Locale    string                 `json:"locale,omitempty"`
	Geo       string                 `json:"geo,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type platformRequestBody struct {
	SessionID  string                 `json:"session_id"`
	PlatformID string                 `json:"platform_id"`
	QueryText  string                 `json:"query_text"`
	Locale     string                 `json:"locale"`
	Geo        string                 `json:"geo"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
}

type platformResponse struct {
	ContextRequestID string         `json:"context_request_id"`
	AuctionResult    *AuctionResult `json:"auction_result,omitempty"`
}

// Record describes a billing event after the operator accepted it.
type Record struct {
	Kind        Kind        `json:"kind"`
	SessionID   string      `json:"sessionId"`
	PlatformID  string      `json:"platformId"`
	AuctionID   string      `json:"auctionId"`
	ServeToken  string      `json:"serveToken"`
	AmountCents int64       `json:"amountCents,omitempty"`
	Event       interface{} `json:"event"`
	SentAt      time.Time   `json:"sentAt"`
}

// Snapshot is a point-in-time copy of the sequencer state.
type Snapshot struct {
	ContextRequestID    string         `json:"contextRequestId,omitempty"`
	Auction             *AuctionResult `json:"auction,omitempty"`
	Billing             State          `json:"billing"`
	ReservedAmountCents int64          `json:"reservedAmountCents"`
}
