package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meanderhq/meander-go/internal/event"
	"github.com/meanderhq/meander-go/internal/value"
)

func testEvent(id, name string) event.Event {
	return event.Event{
		ID:         id,
		Name:       name,
		DistinctID: "user-1",
		Properties: value.Object{"k": value.String("v")},
		Timestamp:  time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestStatusErrorPermanent(t *testing.T) {
	assert.True(t, (&StatusError{Code: 400}).Permanent())
	assert.True(t, (&StatusError{Code: 404}).Permanent())
	assert.True(t, (&StatusError{Code: 429}).Permanent())
	assert.False(t, (&StatusError{Code: 500}).Permanent())
	assert.False(t, (&StatusError{Code: 503}).Permanent())
}

func TestIsPermanent(t *testing.T) {
	assert.True(t, IsPermanent(&StatusError{Code: 422}))
	assert.True(t, IsPermanent(fmt.Errorf("send: %w", &StatusError{Code: 400})))
	assert.False(t, IsPermanent(&StatusError{Code: 502}))
	assert.False(t, IsPermanent(errors.New("connection refused")))
}

func TestBatchResultClassification(t *testing.T) {
	assert.True(t, BatchResult{Processed: 3}.AllSucceeded())
	assert.False(t, BatchResult{Processed: 2, Failed: 1}.AllSucceeded())
	assert.True(t, BatchResult{Failed: 3}.AllFailed())
	assert.False(t, BatchResult{Processed: 1, Failed: 2}.AllFailed())
}

func TestHTTPTrackEvent(t *testing.T) {
	var gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotKey = r.Header.Get("X-Api-Key")

		var ev event.Event
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		assert.Equal(t, "evt-1", ev.ID)

		json.NewEncoder(w).Encode(TrackResponse{EventID: ev.ID, Status: "accepted"})
	}))
	defer srv.Close()

	tr, err := NewHTTP(HTTPConfig{Endpoint: srv.URL, APIKey: "secret"})
	require.NoError(t, err)

	resp, err := tr.TrackEvent(context.Background(), testEvent("evt-1", "open"))
	require.NoError(t, err)

	assert.Equal(t, "/v1/track", gotPath)
	assert.Equal(t, "secret", gotKey)
	assert.Equal(t, "evt-1", resp.EventID)
	assert.Equal(t, "accepted", resp.Status)
}

func TestHTTPSendBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/batch", r.URL.Path)

		var payload struct {
			Events []event.Event `json:"events"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&payload))
		json.NewEncoder(w).Encode(BatchResult{Processed: len(payload.Events)})
	}))
	defer srv.Close()

	tr, err := NewHTTP(HTTPConfig{Endpoint: srv.URL})
	require.NoError(t, err)

	result, err := tr.SendBatch(context.Background(),
		[]event.Event{testEvent("evt-1", "open"), testEvent("evt-2", "open")})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Processed)
	assert.True(t, result.AllSucceeded())
}

func TestHTTPNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad payload", http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	tr, err := NewHTTP(HTTPConfig{Endpoint: srv.URL})
	require.NoError(t, err)

	_, err = tr.SendBatch(context.Background(), []event.Event{testEvent("evt-1", "open")})
	require.Error(t, err)

	var se *StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusUnprocessableEntity, se.Code)
	assert.Contains(t, se.Body, "bad payload")
	assert.True(t, se.Permanent())
}

func TestHTTPRequiresEndpoint(t *testing.T) {
	_, err := NewHTTP(HTTPConfig{})
	assert.Error(t, err)
}

func TestCaptureRecordsInOrder(t *testing.T) {
	c := NewCapture()
	ctx := context.Background()

	_, err := c.TrackEvent(ctx, testEvent("evt-1", "open"))
	require.NoError(t, err)

	result, err := c.SendBatch(ctx, []event.Event{testEvent("evt-2", "a"), testEvent("evt-3", "b")})
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)

	_, err = c.SendBatch(ctx, []event.Event{testEvent("evt-4", "c")})
	require.NoError(t, err)

	require.Len(t, c.Tracked(), 1)
	require.Len(t, c.Batches(), 2)
	assert.Equal(t, "evt-2", c.Batches()[0][0].ID)

	flat := c.BatchedEvents()
	require.Len(t, flat, 3)
	assert.Equal(t, []string{"evt-2", "evt-3", "evt-4"},
		[]string{flat[0].ID, flat[1].ID, flat[2].ID})
}

func TestCaptureScriptedFailures(t *testing.T) {
	c := NewCapture()
	ctx := context.Background()

	c.FailNext(&StatusError{Code: 500})
	c.RespondNext(BatchResult{Processed: 1, Failed: 1})

	_, err := c.SendBatch(ctx, []event.Event{testEvent("evt-1", "a")})
	require.Error(t, err)

	result, err := c.SendBatch(ctx, []event.Event{testEvent("evt-2", "b"), testEvent("evt-3", "c")})
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	// script exhausted: back to success
	result, err = c.SendBatch(ctx, []event.Event{testEvent("evt-4", "d")})
	require.NoError(t, err)
	assert.True(t, result.AllSucceeded())
}
