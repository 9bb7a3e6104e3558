package breaker

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClientRecordsSuccess(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	b := New("upstream", 1, time.Minute)
	c := NewClient(b)

	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NoError(t, resp.Body.Close())
	assert.Equal(t, Closed, b.State())
}

func TestClientRetriesServerErrors(t *testing.T) {
	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	b := New("upstream", 5, time.Minute)
	c := NewClient(b)

	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NoError(t, resp.Body.Close())
	assert.EqualValues(t, 3, calls.Load())
}

func TestClientExhaustedRetriesRecordFailure(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	b := New("upstream", 1, time.Minute)
	c := NewClient(b)

	req, err := http.NewRequest(http.MethodGet, ts.URL, nil)
	require.NoError(t, err)

	resp, err := c.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.NoError(t, resp.Body.Close())
	assert.Equal(t, Open, b.State())

	// Next call fails fast without touching the network.
	_, err = c.Do(req)
	assert.ErrorIs(t, err, ErrOpen)
}

func TestClientFailsFastWhileOpen(t *testing.T) {
	b := New("upstream", 1, time.Hour)
	b.RecordFailure()
	c := NewClient(b)

	req, err := http.NewRequest(http.MethodGet, "http://localhost:0", nil)
	require.NoError(t, err)

	_, err = c.Do(req)
	assert.ErrorIs(t, err, ErrOpen)
}
