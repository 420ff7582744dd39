package runner

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRoutingResolve(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/resolve", r.URL.Path)
		assert.Equal(t, "onboard-employee", r.URL.Query().Get("intent"))
		assert.Equal(t, "ACME", r.URL.Query().Get("client"))
		w.Write([]byte(`{"flow_ref":"onboarding:standard"}`))
	}))
	defer srv.Close()

	r := NewHTTPRouting(srv.URL, time.Second)
	flowRef, err := r.Resolve(context.Background(), "onboard-employee", "ACME")
	require.NoError(t, err)
	assert.Equal(t, "onboarding:standard", flowRef)
}

func TestHTTPRoutingErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := NewHTTPRouting(srv.URL, time.Second)
	_, err := r.Resolve(context.Background(), "unknown", "ACME")
	assert.Error(t, err)
}
