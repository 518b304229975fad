package validator

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/resin-proxy/proxyhaven/internal/geoip"
	"github.com/resin-proxy/proxyhaven/internal/model"
)

// directDialer bypasses the real socks/http-connect dialers for tests that
// only need a transport able to reach local httptest servers.
type directDialer struct{}

func (directDialer) DialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	return d.DialContext(ctx, network, addr)
}

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	geo := geoip.New(geoip.Config{RequestsPerMinute: 10000})
	return &Validator{Geo: geo, Timeout: 3 * time.Second, CallerEgress: "1.2.3.4"}
}

func TestClassifyAnonymityElite(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(echoResponse{Headers: map[string]string{"Accept": "*/*"}})
	}))
	defer srv.Close()

	v := newTestValidator(t)
	client := &http.Client{Transport: &http.Transport{DialContext: directDialer{}.DialContext}}

	got := v.classifyAnonymityAt(context.Background(), client, srv.URL)
	if got != model.AnonymityElite {
		t.Errorf("want elite, got %s", got)
	}
}

func TestClassifyAnonymityTransparent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(echoResponse{Headers: map[string]string{"X-Forwarded-For": "1.2.3.4"}})
	}))
	defer srv.Close()

	v := newTestValidator(t)
	client := &http.Client{Transport: &http.Transport{DialContext: directDialer{}.DialContext}}

	got := v.classifyAnonymityAt(context.Background(), client, srv.URL)
	if got != model.AnonymityTransparent {
		t.Errorf("want transparent, got %s", got)
	}
}

func TestClassifyAnonymityAnonymous(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(echoResponse{Headers: map[string]string{"Via": "1.1 some-other-proxy"}})
	}))
	defer srv.Close()

	v := newTestValidator(t)
	client := &http.Client{Transport: &http.Transport{DialContext: directDialer{}.DialContext}}

	got := v.classifyAnonymityAt(context.Background(), client, srv.URL)
	if got != model.AnonymityAnonymous {
		t.Errorf("want anonymous, got %s", got)
	}
}

func TestPassBFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	v := newTestValidator(t)
	client := &http.Client{Transport: &http.Transport{DialContext: directDialer{}.DialContext}}

	if ok := v.getOK(context.Background(), client, srv.URL); !ok {
		t.Error("want pass B success against a 200 response")
	}
}

func TestPassBFailsOnNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	v := newTestValidator(t)
	client := &http.Client{Transport: &http.Transport{DialContext: directDialer{}.DialContext}}

	if ok := v.getOK(context.Background(), client, srv.URL); ok {
		t.Error("want pass B failure on a non-200 response")
	}
}
