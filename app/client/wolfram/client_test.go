package wolfram

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallReturnsTrimmedAnswer(t *testing.T) {
	var gotAppID, gotInput string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAppID = r.URL.Query().Get("appid")
		gotInput = r.URL.Query().Get("i")
		_, _ = w.Write([]byte("about 42 things\n"))
	}))
	defer srv.Close()

	client := New("APP-ID", srv.URL)

	answer, err := client.Call(context.Background(), "meaning of life")
	require.NoError(t, err)
	assert.Equal(t, "about 42 things", answer)
	assert.Equal(t, "APP-ID", gotAppID)
	assert.Equal(t, "meaning of life", gotInput)
}

func TestCallStatusMapping(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   error
	}{
		{name: "forbidden", status: http.StatusForbidden, want: ErrUnauthorized},
		{name: "unauthorized", status: http.StatusUnauthorized, want: ErrUnauthorized},
		{name: "rate limited", status: http.StatusTooManyRequests, want: ErrRateLimited},
		{name: "no short answer", status: http.StatusNotImplemented, want: ErrNoAnswer},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			_, err := New("APP-ID", srv.URL).Call(context.Background(), "anything")
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestCallUnexpectedStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New("APP-ID", srv.URL).Call(context.Background(), "anything")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestCallServerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	srv.Close()

	_, err := New("APP-ID", srv.URL).Call(context.Background(), "anything")
	require.Error(t, err)
}
