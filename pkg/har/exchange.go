package har

import (
	"time"
)

// Exchange represents one observed request/response pair.
// It is filled in two steps, at send and at completion, and is only read
// afterwards.
type Exchange struct {
	ID string

	// Request side, captured at send
	Method         string
	URL            string
	RequestHeaders map[string]string
	// RequestData is the payload as the host handed it over: a string,
	// []byte, Query, url.Values, a map, or any JSON-serializable value
	RequestData   any
	SendEventTime time.Time
	Start         time.Time

	// Response side, captured at completion
	End                time.Time
	StatusCode         int
	StatusText         string
	ResponseHeaders    map[string]string
	RawResponseHeaders string
	ResponseBody       string
	// ResponseBodySize, when set, replaces the size computed from
	// ResponseBody. It is used for bodies too large to retain.
	ResponseBodySize *int
}

// responseBodySize returns the size reported for the response body
func (x *Exchange) responseBodySize() int {
	if x.ResponseBodySize != nil {
		return *x.ResponseBodySize
	}
	return SizeOf(x.ResponseBody)
}

// Elapsed returns the time between start and completion
func (x *Exchange) Elapsed() time.Duration {
	return x.End.Sub(x.Start)
}
