package web3

// Relay event names, as published to the relay server.
const (
	EventNameRequest         = "Web3Request"
	EventNameRequestCanceled = "Web3RequestCanceled"
	EventNameResponse        = "Web3Response"
)

type EventType string

const (
	EventRequest         EventType = "WEB3_REQUEST"
	EventRequestCanceled EventType = "WEB3_REQUEST_CANCELED"
	EventResponse        EventType = "WEB3_RESPONSE"
)

// EventData is the plaintext inside an encrypted relay event.
type EventData struct {
	Type     EventType `json:"type"`
	ID       string    `json:"id"`
	Request  *Request  `json:"request,omitempty"`
	Response *Response `json:"response,omitempty"`
	Origin   string    `json:"origin,omitempty"`
}

func NewRequestEvent(id string, req Request, origin string) EventData {
	return EventData{Type: EventRequest, ID: id, Request: &req, Origin: origin}
}

func NewCanceledEvent(id, origin string) EventData {
	return EventData{Type: EventRequestCanceled, ID: id, Origin: origin}
}

func NewResponseEvent(id string, resp Response) EventData {
	return EventData{Type: EventResponse, ID: id, Response: &resp}
}
