package yuri

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// Protocol classes of an exchange.
const (
	ProtocolHTTP = "http"
	ProtocolGRPC = "grpc"
)

// Exchange is the persisted record of one request and its response. It is
// inserted when the request is captured and updated once when the response
// arrives; an exchange whose response never came keeps zero response fields.
type Exchange struct {
	ID       string `gorm:"primaryKey" json:"id"`
	Method   string `json:"method"`
	URL      string `json:"url"`
	Protocol string `json:"protocol"`

	RequestHeaders http.Header `gorm:"serializer:json" json:"request_headers"`
	RequestBody    []byte      `json:"request_body,omitempty"`

	ResponseStatus  int         `json:"response_status"`
	ResponseHeaders http.Header `gorm:"serializer:json" json:"response_headers"`
	ResponseBody    []byte      `json:"response_body,omitempty"`

	// Duration in milliseconds between capture and response.
	Duration int64 `json:"duration"`

	// Timestamp of capture in unix milliseconds.
	Timestamp int64 `gorm:"index" json:"timestamp"`
}

// TableName implements gorm's tabler.
func (Exchange) TableName() string { return "requests" }

// Complete reports whether the response half has been recorded.
func (e *Exchange) Complete() bool {
	return e.ResponseStatus != 0
}

// ExchangeStore is the persistence the pipeline writes to.
type ExchangeStore interface {
	CreateExchange(ctx context.Context, ex *Exchange) error
	UpdateExchangeResponse(ctx context.Context, id string, resp ExchangeResponse) error
}

// ExchangeResponse holds the response half of an exchange.
type ExchangeResponse struct {
	Status   int
	Headers  http.Header
	Body     []byte
	Duration time.Duration
}

// classifyProtocol returns grpc for gRPC content types and http otherwise.
func classifyProtocol(h http.Header) string {
	if strings.HasPrefix(h.Get("Content-Type"), "application/grpc") {
		return ProtocolGRPC
	}
	return ProtocolHTTP
}
