package transport

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIdentityHeader(t *testing.T) {
	var gotMachine, gotAgent string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMachine = r.Header.Get(MachineHeader)
		gotAgent = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(Options{MachineName: "agent-42", UserAgent: "courier/test"})
	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	require.Equal(t, "agent-42", gotMachine)
	require.Equal(t, "courier/test", gotAgent)
}

func TestTrustAllCertificates(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	// The test server's certificate is self-signed: a verifying client must
	// refuse it, the trust-all client must accept it.
	strict := New(Options{MachineName: "agent-42"})
	_, err := strict.Get(srv.URL)
	require.Error(t, err)

	lax := New(Options{MachineName: "agent-42", TrustAllCertificates: true})
	resp, err := lax.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
}

func TestCookieContinuity(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			http.SetCookie(w, &http.Cookie{Name: "session", Value: "abc"})
			return
		}
		cookie, err := r.Cookie("session")
		if err != nil || cookie.Value != "abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := New(Options{MachineName: "agent-42"})

	resp, err := client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()

	resp, err = client.Get(srv.URL)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}
