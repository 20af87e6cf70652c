package fhir

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"strings"

	"github.com/bytedance/sonic"
)

// Decoder turns a channel payload into a resource
type Decoder interface {
	Decode(data []byte) (*Resource, error)
}

// DecoderFor returns the decoder matching a channel kind, nil for ping channels
func DecoderFor(kind ChannelKind) Decoder {
	switch kind {
	case ChannelJSON:
		return JSONDecoder{}
	case ChannelXML:
		return XMLDecoder{}
	default:
		return nil
	}
}

// JSONDecoder decodes FHIR JSON with sonic
type JSONDecoder struct{}

func (JSONDecoder) Decode(data []byte) (*Resource, error) {
	var obj map[string]any
	if err := sonic.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("decode fhir json: %w", err)
	}
	return NewResource(obj)
}

// DecodeBundle decodes a searchset bundle
func DecodeBundle(data []byte) (*Bundle, error) {
	var raw bundleJSON
	if err := sonic.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decode bundle: %w", err)
	}
	if raw.ResourceType != "Bundle" {
		return nil, fmt.Errorf("decode bundle: unexpected resourceType %q", raw.ResourceType)
	}
	b := &Bundle{Entries: make([]*Resource, 0, len(raw.Entry))}
	for _, e := range raw.Entry {
		if e.Resource == nil {
			continue
		}
		r, err := NewResource(e.Resource)
		if err != nil {
			return nil, err
		}
		b.Entries = append(b.Entries, r)
	}
	if raw.Total != nil {
		b.Total = *raw.Total
	} else {
		b.Total = len(b.Entries)
	}
	return b, nil
}

// XMLDecoder converts FHIR XML into the JSON object model. Elements that repeat in
// the FHIR specification become arrays even when they occur once.
type XMLDecoder struct{}

type xmlNode struct {
	XMLName  xml.Name
	Attrs    []xml.Attr `xml:",any,attr"`
	Children []xmlNode  `xml:",any"`
}

func (XMLDecoder) Decode(data []byte) (*Resource, error) {
	var root xmlNode
	if err := xml.NewDecoder(bytes.NewReader(data)).Decode(&root); err != nil {
		return nil, fmt.Errorf("decode fhir xml: %w", err)
	}
	obj := xmlElement(root)
	if obj == nil {
		return nil, ErrNotAResource
	}
	obj["resourceType"] = root.XMLName.Local
	return NewResource(obj)
}

var repeatingElements = map[string]bool{
	"basedOn": true, "coding": true, "contained": true, "entry": true, "extension": true,
	"identifier": true, "input": true, "link": true, "modifierExtension": true, "note": true,
	"output": true, "partOf": true, "performerType": true, "profile": true, "security": true,
	"tag": true, "contact": true, "telecom": true, "given": true, "line": true, "relevantHistory": true,
}

func xmlElement(n xmlNode) map[string]any {
	obj := map[string]any{}
	for _, a := range n.Attrs {
		// url and id attributes live on the element itself
		if a.Name.Local == "url" || a.Name.Local == "id" {
			obj[a.Name.Local] = a.Value
		}
	}
	for _, c := range n.Children {
		name := c.XMLName.Local
		// narrative xhtml is regenerated by the server
		if name == "text" && hasChild(c, "div") {
			continue
		}
		var value any
		if v, ok := attr(c, "value"); ok && len(c.Children) == 0 {
			value = primitive(name, v)
		} else if len(c.Children) == 1 && isResourceContainer(name) {
			inner := xmlElement(c.Children[0])
			inner["resourceType"] = c.Children[0].XMLName.Local
			value = inner
		} else {
			value = xmlElement(c)
		}

		existing, seen := obj[name]
		switch {
		case seen:
			if list, ok := existing.([]any); ok {
				obj[name] = append(list, value)
			} else {
				obj[name] = []any{existing, value}
			}
		case repeatingElements[name]:
			obj[name] = []any{value}
		default:
			obj[name] = value
		}
	}
	return obj
}

func isResourceContainer(name string) bool {
	return name == "resource" || name == "contained"
}

func hasChild(n xmlNode, local string) bool {
	for _, c := range n.Children {
		if c.XMLName.Local == local {
			return true
		}
	}
	return false
}

func attr(n xmlNode, local string) (string, bool) {
	for _, a := range n.Attrs {
		if a.Name.Local == local {
			return a.Value, true
		}
	}
	return "", false
}

// primitive maps XML string values to JSON primitive types by element name
func primitive(name, v string) any {
	switch {
	case strings.HasSuffix(name, "Boolean"):
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	case strings.HasSuffix(name, "Integer"), strings.HasSuffix(name, "UnsignedInt"),
		strings.HasSuffix(name, "PositiveInt"), name == "total", name == "rank":
		if i, err := strconv.ParseInt(v, 10, 64); err == nil {
			return i
		}
	case strings.HasSuffix(name, "Decimal"):
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return v
}
