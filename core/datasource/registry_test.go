// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package datasource

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeAdapter struct {
	closed   bool
	closeErr error
}

func (f *fakeAdapter) Prepare(ctx context.Context, req *Request) error { return nil }

func (f *fakeAdapter) Process(ctx context.Context, req *Request) (*Result, error) {
	return &Result{Data: []Row{{"id": "a1"}}}, nil
}

func (f *fakeAdapter) Close() error {
	f.closed = true
	return f.closeErr
}

type legacyAdapter struct {
	prepareErr error
}

func (l *legacyAdapter) Prepare(req *Request, callback func(error)) {
	callback(l.prepareErr)
}

func (l *legacyAdapter) Process(req *Request, callback func(*Result, error)) {
	callback(&Result{Data: []Row{{"id": "legacy"}}}, nil)
}

func (l *legacyAdapter) Close() error { return nil }

func TestRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	adapter := &fakeAdapter{}
	require.NoError(t, r.Register("memory", adapter))

	ds, err := r.Get("memory")
	require.NoError(t, err)
	assert.Equal(t, DataSource(adapter), ds)

	_, err = r.Get("ghost")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no datasource adapter registered for type ghost")
}

func TestRegisterTwice(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("memory", &fakeAdapter{}))
	err := r.Register("memory", &fakeAdapter{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "registered twice")
}

func TestRegisterRejectsUnknownShape(t *testing.T) {
	r := NewRegistry()
	err := r.Register("bogus", struct{}{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "implements neither DataSource nor CallbackDataSource")
}

func TestCallbackWrapper(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("legacy", &legacyAdapter{}))

	ds, err := r.Get("legacy")
	require.NoError(t, err)

	require.NoError(t, ds.Prepare(context.Background(), &Request{}))
	result, err := ds.Process(context.Background(), &Request{})
	require.NoError(t, err)
	require.Len(t, result.Data, 1)
	assert.Equal(t, "legacy", result.Data[0]["id"])
}

func TestCallbackWrapperPrepareError(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register("legacy", &legacyAdapter{prepareErr: errors.New("bad table")}))

	ds, err := r.Get("legacy")
	require.NoError(t, err)
	assert.EqualError(t, ds.Prepare(context.Background(), &Request{}), "bad table")
}

func TestClose(t *testing.T) {
	r := NewRegistry()
	first := &fakeAdapter{closeErr: errors.New("flush failed")}
	second := &fakeAdapter{}
	require.NoError(t, r.Register("one", first))
	require.NoError(t, r.Register("two", second))

	err := r.Close()
	require.Error(t, err)
	assert.True(t, first.closed)
	assert.True(t, second.closed)

	// the registry is empty afterwards
	_, err = r.Get("one")
	assert.Error(t, err)
}
