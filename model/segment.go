package model

import "time"

// DefaultSegmentTime is the segment length in seconds used when a request omits one.
const DefaultSegmentTime = 900

// Delivery selects how segment content travels back to the client.
type Delivery string

const (
	// DeliveryInline embeds base64 segment data in the response body.
	DeliveryInline Delivery = "inline"
	// DeliveryReference uploads segments to object storage and returns presigned URLs.
	DeliveryReference Delivery = "reference"
)

// ParseDelivery maps a request value onto a Delivery. Unknown values fall back to inline.
func ParseDelivery(v string) Delivery {
	if Delivery(v) == DeliveryReference {
		return DeliveryReference
	}
	return DeliveryInline
}

// Job is one split request. It lives only as long as the request that created it.
type Job struct {
	SessionID   string
	InputPath   string
	OutputDir   string
	SegmentTime int // seconds
	Delivery    Delivery
	CreatedAt   time.Time

	// OriginalFile is the client-supplied file name, echoed in the response only.
	OriginalFile string
}

// Segment is one produced output chunk as returned to the client.
type Segment struct {
	Index    int    `json:"index"`
	FileName string `json:"fileName"`
	Data     string `json:"data,omitempty"`
	URL      string `json:"url,omitempty"`
	Size     int64  `json:"size"`
}

// SplitResponse is the success envelope of both split endpoints.
type SplitResponse struct {
	Success       bool      `json:"success"`
	SessionID     string    `json:"sessionId"`
	OriginalFile  string    `json:"originalFile,omitempty"`
	TotalSegments int       `json:"totalSegments"`
	Segments      []Segment `json:"segments"`
}

// ErrorResponse is returned for failed split requests. Client input errors
// leave Success unset to match the 400 body shape {"error": "..."}.
type ErrorResponse struct {
	Success *bool  `json:"success,omitempty"`
	Error   string `json:"error"`
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status      string `json:"status"`
	ToolVersion string `json:"toolVersion,omitempty"`
	Error       string `json:"error,omitempty"`
}

// SplitBase64Request is the JSON body of POST /split-audio-base64.
type SplitBase64Request struct {
	FileData    string      `json:"fileData"`
	FileName    string      `json:"fileName"`
	SegmentTime SegmentTime `json:"segmentTime"`
	Delivery    string      `json:"delivery"`
}
