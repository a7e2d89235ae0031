// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package config

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
	yaml "gopkg.in/yaml.v2"
)

// Doc is a decoded configuration document that preserves the field order
// of the source file. Attribute declaration order determines response
// field order, so parsers must not lose it.
//
// Field values are nil, bool, int, float64, string, []interface{} or
// nested *Doc.
type Doc struct {
	fields []DocField
	index  map[string]int
}

// DocField is one key/value pair of a Doc.
type DocField struct {
	Key   string
	Value interface{}
}

// NewDoc returns an empty document.
func NewDoc() *Doc {
	return &Doc{index: map[string]int{}}
}

// Set adds or replaces a field, keeping the position of replaced fields.
func (d *Doc) Set(key string, value interface{}) {
	if i, ok := d.index[key]; ok {
		d.fields[i].Value = value
		return
	}
	d.index[key] = len(d.fields)
	d.fields = append(d.fields, DocField{Key: key, Value: value})
}

// Get returns the value for key and whether the field exists.
func (d *Doc) Get(key string) (interface{}, bool) {
	i, ok := d.index[key]
	if !ok {
		return nil, false
	}
	return d.fields[i].Value, true
}

// Fields returns the fields in source order. The slice is shared,
// callers must not modify it.
func (d *Doc) Fields() []DocField { return d.fields }

// Len returns the number of fields.
func (d *Doc) Len() int { return len(d.fields) }

// Plain converts the document into plain maps and slices, losing field
// order. Schema validation works on this form.
func (d *Doc) Plain() map[string]interface{} {
	result := make(map[string]interface{}, len(d.fields))
	for _, f := range d.fields {
		result[f.Key] = plainValue(f.Value)
	}
	return result
}

func plainValue(v interface{}) interface{} {
	switch t := v.(type) {
	case *Doc:
		return t.Plain()
	case []interface{}:
		result := make([]interface{}, len(t))
		for i, item := range t {
			result[i] = plainValue(item)
		}
		return result
	default:
		return v
	}
}

// Parser decodes one resource config file into an ordered document.
type Parser func(data []byte) (*Doc, error)

// DefaultParsers returns the built-in parsers keyed by file extension.
func DefaultParsers() map[string]Parser {
	return map[string]Parser{
		"json": ParseJSON,
		"yaml": ParseYAML,
		"yml":  ParseYAML,
		"xml":  ParseXML,
	}
}

// ParseJSON decodes a JSON object, preserving field order. Integral
// numbers decode as int, others as float64.
func ParseJSON(data []byte) (*Doc, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	value, err := decodeJSONValue(dec)
	if err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	doc, ok := value.(*Doc)
	if !ok {
		return nil, fmt.Errorf("config root must be a json object")
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("trailing data after config object")
	}
	return doc, nil
}

func decodeJSONValue(dec *json.Decoder) (interface{}, error) {
	tok, err := dec.Token()
	if err != nil {
		return nil, err
	}
	switch t := tok.(type) {
	case json.Delim:
		switch t {
		case '{':
			doc := NewDoc()
			for dec.More() {
				keyTok, err := dec.Token()
				if err != nil {
					return nil, err
				}
				key, ok := keyTok.(string)
				if !ok {
					return nil, fmt.Errorf("object key %v is not a string", keyTok)
				}
				value, err := decodeJSONValue(dec)
				if err != nil {
					return nil, err
				}
				doc.Set(key, value)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return doc, nil
		case '[':
			list := []interface{}{}
			for dec.More() {
				value, err := decodeJSONValue(dec)
				if err != nil {
					return nil, err
				}
				list = append(list, value)
			}
			if _, err := dec.Token(); err != nil {
				return nil, err
			}
			return list, nil
		}
		return nil, fmt.Errorf("unexpected delimiter %v", t)
	case json.Number:
		if n, err := strconv.ParseInt(t.String(), 10, 64); err == nil {
			return int(n), nil
		}
		return t.Float64()
	default:
		return t, nil
	}
}

// ParseYAML decodes a YAML mapping, preserving field order.
func ParseYAML(data []byte) (*Doc, error) {
	var root yaml.MapSlice
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("invalid yaml: %w", err)
	}
	return yamlMapToDoc(root)
}

func yamlMapToDoc(m yaml.MapSlice) (*Doc, error) {
	doc := NewDoc()
	for _, item := range m {
		key, ok := item.Key.(string)
		if !ok {
			return nil, fmt.Errorf("config key %v is not a string", item.Key)
		}
		value, err := yamlValue(item.Value)
		if err != nil {
			return nil, err
		}
		doc.Set(key, value)
	}
	return doc, nil
}

func yamlValue(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case yaml.MapSlice:
		return yamlMapToDoc(t)
	case map[interface{}]interface{}:
		// not reached while decoding into MapSlice, kept for direct calls
		doc := NewDoc()
		for key, value := range t {
			ks, ok := key.(string)
			if !ok {
				return nil, fmt.Errorf("config key %v is not a string", key)
			}
			converted, err := yamlValue(value)
			if err != nil {
				return nil, err
			}
			doc.Set(ks, converted)
		}
		return doc, nil
	case []interface{}:
		list := make([]interface{}, len(t))
		for i, item := range t {
			converted, err := yamlValue(item)
			if err != nil {
				return nil, err
			}
			list[i] = converted
		}
		return list, nil
	default:
		return v, nil
	}
}

// ParseXML decodes an XML config document. Element attributes and child
// elements become fields, repeated child names become lists, text-only
// elements become strings. The root element's name carries no meaning.
func ParseXML(data []byte) (*Doc, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("invalid xml: %w", err)
		}
		start, ok := tok.(xml.StartElement)
		if !ok {
			continue
		}
		value, err := xmlElement(dec, start)
		if err != nil {
			return nil, fmt.Errorf("invalid xml: %w", err)
		}
		doc, ok := value.(*Doc)
		if !ok {
			return nil, fmt.Errorf("config root element must have attributes or children")
		}
		return doc, nil
	}
}

func xmlElement(dec *xml.Decoder, start xml.StartElement) (interface{}, error) {
	doc := NewDoc()
	for _, attr := range start.Attr {
		if attr.Name.Space == "xmlns" || attr.Name.Local == "xmlns" {
			continue
		}
		doc.Set(attr.Name.Local, xmlScalar(attr.Value))
	}
	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := xmlElement(dec, t)
			if err != nil {
				return nil, err
			}
			appendXMLField(doc, t.Name.Local, child)
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			if doc.Len() == 0 {
				content := strings.TrimSpace(text.String())
				if content == "" {
					return "", nil
				}
				return xmlScalar(content), nil
			}
			return doc, nil
		}
	}
}

// xmlScalar coerces XML text into the types the other formats produce
// natively, so that one schema covers all three.
func xmlScalar(s string) interface{} {
	switch s {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return int(n)
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func appendXMLField(doc *Doc, key string, value interface{}) {
	existing, ok := doc.Get(key)
	if !ok {
		doc.Set(key, value)
		return
	}
	if list, ok := existing.([]interface{}); ok {
		doc.Set(key, append(list, value))
		return
	}
	doc.Set(key, []interface{}{existing, value})
}
