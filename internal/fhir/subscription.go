package fhir

import (
	"fmt"
	"net/url"
	"strings"
)

// ChannelKind is the payload kind a subscription channel delivers
type ChannelKind int

const (
	ChannelPing ChannelKind = iota
	ChannelJSON
	ChannelXML
)

const (
	MimeFHIRJSON = "application/fhir+json"
	MimeFHIRXML  = "application/fhir+xml"
)

func (k ChannelKind) String() string {
	switch k {
	case ChannelJSON:
		return "json"
	case ChannelXML:
		return "xml"
	default:
		return "ping"
	}
}

// Subscription is a typed view over a Subscription resource
type Subscription struct {
	*Resource
}

func AsSubscription(r *Resource) (*Subscription, error) {
	if r == nil || r.ResourceType() != "Subscription" {
		return nil, fmt.Errorf("expected Subscription resource, got %v", r)
	}
	return &Subscription{Resource: r}, nil
}

// Criteria is the search criteria, e.g. "Task?status=requested"
func (s *Subscription) Criteria() string {
	c, _ := s.obj["criteria"].(string)
	return c
}

// Payload is channel.payload, empty for ping-only channels
func (s *Subscription) Payload() string {
	ch, _ := s.obj["channel"].(map[string]any)
	p, _ := ch["payload"].(string)
	return p
}

func (s *Subscription) Kind() ChannelKind {
	// payload may carry parameters, e.g. "application/fhir+json; fhirVersion=4.0"
	mime, _, _ := strings.Cut(s.Payload(), ";")
	switch strings.TrimSpace(mime) {
	case MimeFHIRJSON, "application/json":
		return ChannelJSON
	case MimeFHIRXML, "application/xml":
		return ChannelXML
	default:
		return ChannelPing
	}
}

// CriteriaResourceType is the resource type the criteria is scoped to
func (s *Subscription) CriteriaResourceType() string {
	rt, _, _ := strings.Cut(s.Criteria(), "?")
	return strings.TrimSpace(rt)
}

// CriteriaParameters returns the query part of the criteria
func (s *Subscription) CriteriaParameters() (url.Values, error) {
	_, query, found := strings.Cut(s.Criteria(), "?")
	if !found || query == "" {
		return url.Values{}, nil
	}
	values, err := url.ParseQuery(query)
	if err != nil {
		return nil, fmt.Errorf("subscription %s: invalid criteria %q: %w", s.ID(), s.Criteria(), err)
	}
	return values, nil
}
