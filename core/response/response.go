// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package response holds the wire model for query results: an insertion
// ordered object type, the cursor with the total count, and the envelope
// with transport metadata.
package response

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
)

// Object is a JSON object whose fields marshal in insertion order. The
// result builder emits attributes in resource configuration order, and
// this type preserves that order on the wire.
type Object struct {
	keys   []string
	values map[string]interface{}
}

// NewObject returns an empty ordered object.
func NewObject() *Object {
	return &Object{values: map[string]interface{}{}}
}

// Set adds or replaces a field. A replaced field keeps its original
// position.
func (o *Object) Set(key string, value interface{}) {
	if _, ok := o.values[key]; !ok {
		o.keys = append(o.keys, key)
	}
	o.values[key] = value
}

// Get returns the value for key and whether the field exists.
func (o *Object) Get(key string) (interface{}, bool) {
	v, ok := o.values[key]
	return v, ok
}

// Delete removes a field. Fields added later close the gap.
func (o *Object) Delete(key string) {
	if _, ok := o.values[key]; !ok {
		return
	}
	delete(o.values, key)
	for i, k := range o.keys {
		if k == key {
			o.keys = append(o.keys[:i], o.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the field names in insertion order. The slice is shared,
// callers must not modify it.
func (o *Object) Keys() []string { return o.keys }

// Len returns the number of fields.
func (o *Object) Len() int { return len(o.keys) }

// MarshalJSON emits the fields in insertion order.
func (o *Object) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range o.keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf.Write(kb)
		buf.WriteByte(':')
		vb, err := json.Marshal(o.values[k])
		if err != nil {
			return nil, fmt.Errorf("field %s: %w", k, err)
		}
		buf.Write(vb)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// Cursor carries list pagination data. TotalCount is null when the
// datasource did not count.
type Cursor struct {
	TotalCount *int `json:"totalCount"`
}

// Meta is transport metadata. It is never part of the serialized body.
type Meta struct {
	StatusCode int
	Headers    map[string]string
}

// Error is the client-visible error part of an envelope.
type Error struct {
	Message string `json:"message"`
	Code    int    `json:"code,omitempty"`
}

// Response is the envelope for a processed request. Data is an *Object
// for single-item requests, a []*Object for lists, or any adapter
// provided value for non-engine actions.
type Response struct {
	Meta   Meta        `json:"-"`
	Cursor *Cursor     `json:"cursor,omitempty"`
	Data   interface{} `json:"data"`
	Error  *Error      `json:"error,omitempty"`
}

// New returns an empty OK response with a JSON content type.
func New() *Response {
	return &Response{
		Meta: Meta{
			StatusCode: 200,
			Headers:    map[string]string{"Content-Type": "application/json; charset=utf-8"},
		},
	}
}
