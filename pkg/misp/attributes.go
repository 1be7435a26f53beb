package misp

import (
	"context"
	"fmt"
	"net/url"
)

type Attribute struct {
	ID       string `json:"id,omitempty"`
	EventID  string `json:"event_id,omitempty"`
	Type     string `json:"type"`
	Category string `json:"category"`
	Value    string `json:"value"`
	ToIDs    bool   `json:"to_ids"`
	Comment  string `json:"comment,omitempty"`
	Tags     []Tag  `json:"Tag,omitempty"`
}

type attributeWrapper struct {
	Attribute Attribute `json:"Attribute"`
}

// AddAttribute adds attr to the event. Rejections come back as *Error; use
// Classify to tell duplicates and validation failures apart.
func (c *MispClient) AddAttribute(
	ctx context.Context,
	eventID string,
	attr *Attribute,
) (*Attribute, error) {
	if eventID == "" {
		return nil, fmt.Errorf("missing event id")
	}

	var resp attributeWrapper

	err := c.post(
		ctx,
		"/attributes/add/"+url.PathEscape(eventID),
		&attributeWrapper{Attribute: *attr},
		&resp,
	)
	if err != nil {
		return nil, err
	}

	return &resp.Attribute, nil
}

func NewTags(names []string) []Tag {
	if len(names) == 0 {
		return nil
	}

	tags := make([]Tag, 0, len(names))
	for _, name := range names {
		tags = append(tags, Tag{Name: name})
	}

	return tags
}
