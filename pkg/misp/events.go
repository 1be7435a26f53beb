package misp

import (
	"bytes"
	"context"

	gojson "github.com/goccy/go-json"
)

type Event struct {
	ID   string `json:"id"`
	UUID string `json:"uuid,omitempty"`
	Info string `json:"info"`
	Date string `json:"date,omitempty"`
	Tags []Tag  `json:"Tag,omitempty"`
}

type EventSpec struct {
	UUID          string `json:"uuid,omitempty"`
	Info          string `json:"info"`
	Date          string `json:"date,omitempty"`
	Distribution  int    `json:"distribution"`
	ThreatLevelID int    `json:"threat_level_id"`
	Analysis      int    `json:"analysis"`
	Tags          []Tag  `json:"Tag,omitempty"`
}

type eventWrapper struct {
	Event Event `json:"Event"`
}

type searchEventsRequest struct {
	ReturnFormat string `json:"returnFormat"`
	EventInfo    string `json:"eventinfo"`
	Metadata     bool   `json:"metadata"`
}

type searchEventsResponse struct {
	Response []eventWrapper `json:"response"`
}

// SearchEvents returns the events whose info matches title. MISP matches
// eventinfo loosely, so callers wanting an exact title must filter.
func (c *MispClient) SearchEvents(
	ctx context.Context,
	title string,
) ([]Event, error) {
	var raw gojson.RawMessage

	err := c.post(
		ctx,
		"/events/restSearch",
		&searchEventsRequest{
			ReturnFormat: "json",
			EventInfo:    title,
			Metadata:     true,
		},
		&raw,
	)
	if err != nil {
		return nil, err
	}

	var wrappers []eventWrapper

	// Depending on version MISP answers with {"response": [...]} or a bare list
	if trimmed := bytes.TrimSpace(raw); len(trimmed) > 0 && trimmed[0] == '[' {
		if err := gojson.Unmarshal(trimmed, &wrappers); err != nil {
			return nil, err
		}
	} else if len(trimmed) > 0 {
		var resp searchEventsResponse
		if err := gojson.Unmarshal(trimmed, &resp); err != nil {
			return nil, err
		}
		wrappers = resp.Response
	}

	events := make([]Event, 0, len(wrappers))
	for _, w := range wrappers {
		events = append(events, w.Event)
	}

	c.Logger.Tracef("misp event search for %q returned %d events", title, len(events))

	return events, nil
}

func (c *MispClient) CreateEvent(
	ctx context.Context,
	spec *EventSpec,
) (*Event, error) {
	var resp eventWrapper

	err := c.post(
		ctx,
		"/events/add",
		map[string]interface{}{"Event": spec},
		&resp,
	)
	if err != nil {
		return nil, err
	}

	return &resp.Event, nil
}
