package fhir

import (
	"errors"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
)

var ErrNotAResource = errors.New("payload is not a FHIR resource")

// Resource is a decoded FHIR resource. The whole JSON object is kept so that an
// update writes back every element, including the ones this service never reads.
type Resource struct {
	obj map[string]any
}

// NewResource wraps a decoded JSON object. The object must carry a resourceType.
func NewResource(obj map[string]any) (*Resource, error) {
	if obj == nil {
		return nil, ErrNotAResource
	}
	if rt, _ := obj["resourceType"].(string); rt == "" {
		return nil, ErrNotAResource
	}
	return &Resource{obj: obj}, nil
}

func (r *Resource) ResourceType() string {
	rt, _ := r.obj["resourceType"].(string)
	return rt
}

func (r *Resource) ID() string {
	id, _ := r.obj["id"].(string)
	return id
}

// Reference returns "<type>/<id>"
func (r *Resource) Reference() string {
	return r.ResourceType() + "/" + r.ID()
}

// VersionID returns meta.versionId
func (r *Resource) VersionID() string {
	meta, _ := r.obj["meta"].(map[string]any)
	v, _ := meta["versionId"].(string)
	return v
}

// LastUpdated returns meta.lastUpdated; ok is false when the element is absent or unparsable
func (r *Resource) LastUpdated() (t time.Time, ok bool) {
	meta, _ := r.obj["meta"].(map[string]any)
	raw, _ := meta["lastUpdated"].(string)
	if raw == "" {
		return time.Time{}, false
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// SetLastUpdated sets meta.lastUpdated (used by in-memory repositories and tests)
func (r *Resource) SetLastUpdated(t time.Time) {
	meta, _ := r.obj["meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
		r.obj["meta"] = meta
	}
	meta["lastUpdated"] = t.UTC().Format(time.RFC3339Nano)
}

// Object exposes the underlying JSON object
func (r *Resource) Object() map[string]any {
	return r.obj
}

func (r *Resource) MarshalJSON() ([]byte, error) {
	return sonic.ConfigStd.Marshal(r.obj)
}

func (r *Resource) String() string {
	return fmt.Sprintf("%s/%s", r.ResourceType(), r.ID())
}

// Bundle is a searchset bundle reduced to what paging needs
type Bundle struct {
	Total   int
	Entries []*Resource
}

type bundleJSON struct {
	ResourceType string `json:"resourceType"`
	Total        *int   `json:"total"`
	Entry        []struct {
		Resource map[string]any `json:"resource"`
	} `json:"entry"`
}
