package har

import (
	"encoding/json"
	"fmt"

	"github.com/httpseal/alfseal/pkg/transport"
)

// NotComputed marks a size field that could not be measured.
// It is distinct from 0, which means "measured and empty".
const NotComputed = -1

// Version is the HAR format version written into every log
const Version = "1.2"

// HAR represents the root HAR object
type HAR struct {
	Log Log `json:"log"`
}

// Log represents the log object carrying the captured entries
type Log struct {
	Version string  `json:"version"`
	Creator Creator `json:"creator"`
	Entries []Entry `json:"entries"`
}

// Creator identifies the agent that produced the log
type Creator struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// Entry represents a single observed exchange
type Entry struct {
	StartedDateTime string   `json:"startedDateTime"`
	ServerIPAddress string   `json:"serverIpAddress"`
	ClientIPAddress string   `json:"clientIpAddress"`
	Time            float64  `json:"time"`
	Request         Request  `json:"request"`
	Response        Response `json:"response"`
	Timings         Timings  `json:"timings"`
}

// Request represents the request half of an entry
type Request struct {
	Method      string          `json:"method"`
	URL         string          `json:"url"`
	HTTPVersion string          `json:"httpVersion"`
	QueryString []NameValuePair `json:"queryString"`
	Headers     []NameValuePair `json:"headers"`
	HeadersSize int             `json:"headersSize"`
	BodySize    int             `json:"bodySize"`
}

// Response represents the response half of an entry
type Response struct {
	Status      int             `json:"status"`
	StatusText  string          `json:"statusText"`
	HTTPVersion string          `json:"httpVersion"`
	Headers     []NameValuePair `json:"headers"`
	HeadersSize int             `json:"headersSize"`
	BodySize    int             `json:"bodySize"`
}

// NameValuePair is the wire shape of headers and query parameters
type NameValuePair struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Timings holds the phase breakdown of an exchange in milliseconds.
// Only Send and Wait are observable from inside the client.
type Timings struct {
	Blocked float64 `json:"blocked"`
	DNS     float64 `json:"dns"`
	Connect float64 `json:"connect"`
	Send    float64 `json:"send"`
	Wait    float64 `json:"wait"`
	Receive float64 `json:"receive"`
	SSL     float64 `json:"ssl"`
}

// Sender ships a serialized envelope to the collector
type Sender interface {
	Send(body []byte) *transport.Request
}

// Envelope is the ALF payload: a HAR log plus the service token
type Envelope struct {
	ServiceToken string `json:"serviceToken"`
	HAR          HAR    `json:"har"`
}

// NewEnvelope creates an envelope with no entries
func NewEnvelope(serviceToken string, creator Creator) *Envelope {
	return &Envelope{
		ServiceToken: serviceToken,
		HAR: HAR{
			Log: Log{
				Version: Version,
				Creator: creator,
				Entries: []Entry{},
			},
		},
	}
}

// AddEntry appends an entry; entries keep completion order
func (e *Envelope) AddEntry(entry Entry) {
	e.HAR.Log.Entries = append(e.HAR.Log.Entries, entry)
}

// Entries returns the entries in the envelope
func (e *Envelope) Entries() []Entry {
	return e.HAR.Log.Entries
}

// Marshal serializes the envelope to its wire form
func (e *Envelope) Marshal() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	return data, nil
}

// Send serializes the envelope and hands it to s without waiting for delivery.
// It returns the prepared collector request, or nil if serialization failed.
func (e *Envelope) Send(s Sender) *transport.Request {
	data, err := e.Marshal()
	if err != nil {
		return nil
	}
	return s.Send(data)
}
