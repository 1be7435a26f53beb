package misp

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *MispClient {
	t.Helper()

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	logger, _ := test.NewNullLogger()

	return NewMispClient(
		server.URL+"/",
		"secret",
		Options{VerifyCert: true, Timeout: 5 * time.Second},
		logger,
	)
}

func decodeBody(t *testing.T, r *http.Request) map[string]interface{} {
	t.Helper()

	data, err := io.ReadAll(r.Body)
	require.NoError(t, err)

	body := map[string]interface{}{}
	require.NoError(t, gojson.Unmarshal(data, &body))

	return body
}

func TestSearchEventsSendsTitleAndAuth(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/events/restSearch", r.URL.Path)
		assert.Equal(t, "secret", r.Header.Get("Authorization"))
		assert.Equal(t, "application/json", r.Header.Get("Accept"))

		body := decodeBody(t, r)
		assert.Equal(t, "Webamon Import - phish (2026-10-15)", body["eventinfo"])
		assert.Equal(t, "json", body["returnFormat"])

		w.Write([]byte(`{"response": [
			{"Event": {"id": "12", "info": "Webamon Import - phish (2026-10-15)"}},
			{"Event": {"id": "13", "info": "Webamon Import - phish (2026-10-15) copy"}}
		]}`))
	})

	events, err := client.SearchEvents(context.Background(), "Webamon Import - phish (2026-10-15)")
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "12", events[0].ID)
	assert.Equal(t, "13", events[1].ID)
}

func TestSearchEventsBareList(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"Event": {"id": "7", "info": "x"}}]`))
	})

	events, err := client.SearchEvents(context.Background(), "x")
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "7", events[0].ID)
}

func TestSearchEventsEmpty(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response": []}`))
	})

	events, err := client.SearchEvents(context.Background(), "x")
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestCreateEvent(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/events/add", r.URL.Path)

		body := decodeBody(t, r)
		event, ok := body["Event"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "title", event["info"])
		assert.Equal(t, float64(0), event["distribution"])
		assert.Equal(t, float64(2), event["threat_level_id"])
		assert.Equal(t, float64(0), event["analysis"])
		assert.Len(t, event["Tag"], 2)

		w.Write([]byte(`{"Event": {"id": "99", "info": "title", "uuid": "u-1"}}`))
	})

	event, err := client.CreateEvent(context.Background(), &EventSpec{
		Info:          "title",
		ThreatLevelID: 2,
		Tags:          NewTags([]string{"tlp:white", "webamon"}),
	})
	require.NoError(t, err)
	assert.Equal(t, "99", event.ID)
	assert.Equal(t, "u-1", event.UUID)
}

func TestAddAttribute(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/attributes/add/42", r.URL.Path)

		body := decodeBody(t, r)
		attr, ok := body["Attribute"].(map[string]interface{})
		require.True(t, ok)
		assert.Equal(t, "domain", attr["type"])
		assert.Equal(t, "Network activity", attr["category"])
		assert.Equal(t, "x.com", attr["value"])
		assert.Equal(t, true, attr["to_ids"])

		w.Write([]byte(`{"Attribute": {"id": "1", "event_id": "42", "type": "domain", "value": "x.com"}}`))
	})

	attr, err := client.AddAttribute(context.Background(), "42", &Attribute{
		Type:     "domain",
		Category: "Network activity",
		Value:    "x.com",
		ToIDs:    true,
	})
	require.NoError(t, err)
	assert.Equal(t, "1", attr.ID)
}

func TestAddAttributeRejections(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		kind   ErrorKind
	}{
		{
			name:   "duplicate",
			status: http.StatusForbidden,
			body:   `{"name": "Could not add Attribute", "message": "Could not add Attribute", "url": "/attributes/add", "errors": {"value": ["A similar attribute already exists for this event."]}}`,
			kind:   ERROR_KIND_DUPLICATE,
		},
		{
			name:   "validation",
			status: http.StatusForbidden,
			body:   `{"name": "Could not add Attribute", "message": "Could not add Attribute", "errors": {"value": ["IP address has an invalid format."]}}`,
			kind:   ERROR_KIND_VALIDATION,
		},
		{
			name:   "server error",
			status: http.StatusInternalServerError,
			body:   `An Internal Error Has Occurred.`,
			kind:   ERROR_KIND_OTHER,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			})

			_, err := client.AddAttribute(context.Background(), "42", &Attribute{Type: "ip-dst", Value: "nope"})
			require.Error(t, err)

			var mispErr *Error
			require.True(t, errors.As(err, &mispErr))
			assert.Equal(t, tt.status, mispErr.StatusCode)
			assert.Equal(t, tt.kind, mispErr.Kind)
			assert.Equal(t, tt.kind, Classify(err))
		})
	}
}

func TestAddAttributeMissingEventID(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("no request expected")
	})

	_, err := client.AddAttribute(context.Background(), "", &Attribute{})
	assert.Error(t, err)
}

func TestErrorMessageFlattensFieldErrors(t *testing.T) {
	err := newError(403, []byte(`{"message": "Could not add Attribute", "errors": {"value": ["A similar attribute already exists for this event."]}}`))

	assert.Equal(t, "Could not add Attribute; value: A similar attribute already exists for this event.", err.Message)
	assert.Contains(t, err.Error(), "403")
}

func TestClassifyPlainErrors(t *testing.T) {
	assert.Equal(t, ERROR_KIND_DUPLICATE, Classify(errors.New("attribute already exists")))
	assert.Equal(t, ERROR_KIND_VALIDATION, Classify(errors.New("Validation failed")))
	assert.Equal(t, ERROR_KIND_VALIDATION, Classify(errors.New("INVALID value")))
	assert.Equal(t, ERROR_KIND_OTHER, Classify(errors.New("connection refused")))
	assert.Equal(t, ERROR_KIND_OTHER, Classify(nil))
}

func TestUnreachableServerIsTransportError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := server.URL
	server.Close()

	logger, _ := test.NewNullLogger()
	client := NewMispClient(url, "secret", Options{Timeout: time.Second}, logger)

	_, err := client.SearchEvents(context.Background(), "title")
	require.Error(t, err)

	var transportErr *TransportError
	assert.ErrorAs(t, err, &transportErr)
	assert.True(t, IsTransient(err))
}

func TestMalformedSearchResponseIsNotTransient(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"response": [{"Event": `))
	})

	_, err := client.SearchEvents(context.Background(), "title")
	require.Error(t, err)

	assert.False(t, IsTransient(err))
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(&Error{StatusCode: 503, Kind: ERROR_KIND_OTHER}))
	assert.False(t, IsTransient(&Error{StatusCode: 403, Kind: ERROR_KIND_DUPLICATE}))
	assert.False(t, IsTransient(&Error{StatusCode: 403, Kind: ERROR_KIND_VALIDATION}))
	assert.False(t, IsTransient(errors.New("decode response: unexpected end of JSON input")))
	assert.False(t, IsTransient(nil))
}
