package dkim

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/synqronlabs/doseta/metrics"
)

func TestSignRequestKeepsBody(t *testing.T) {
	signer := rsaSigner(t)
	setNow(t, t0)

	req := httptest.NewRequest(http.MethodPost, "http://api.example.com/", strings.NewReader(testBody))
	req.Header.Set("From", "alice@example.com")
	if err := SignRequest(req, signer); err != nil {
		t.Fatalf("SignRequest: %v", err)
	}

	body, _ := io.ReadAll(req.Body)
	if string(body) != testBody {
		t.Errorf("body = %q", body)
	}
	again, err := req.GetBody()
	if err != nil {
		t.Fatal(err)
	}
	if b, _ := io.ReadAll(again); string(b) != testBody {
		t.Errorf("GetBody = %q", b)
	}

	sig, err := ParseSignature(req.Header.Get(HeaderName))
	if err != nil {
		t.Fatalf("ParseSignature: %v", err)
	}
	if _, err := sig.Verify(req.Header, body, signer.PrivateKey.Public()); err != nil {
		t.Errorf("Verify: %v", err)
	}
}

func TestSigningTransport(t *testing.T) {
	signer := rsaSigner(t)
	setNow(t, t0)

	keys := &StaticKeys{}
	keys.Add("test", "example.com", signer.PrivateKey.Public())
	verify := Middleware(MiddlewareConfig{
		Verifier:     &Verifier{Repository: keys},
		RejectOnFail: true,
	})

	srv := httptest.NewServer(verify(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})))
	defer srv.Close()

	reg := prometheus.NewRegistry()
	m, err := metrics.NewMetrics(reg)
	if err != nil {
		t.Fatal(err)
	}
	client := &http.Client{Transport: &SigningTransport{Signer: signer, Metrics: m}}

	req, err := http.NewRequest(http.MethodPost, srv.URL, strings.NewReader(testBody))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("From", "alice@example.com")

	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("status = %d", resp.StatusCode)
	}
	if req.Header.Get(HeaderName) != "" {
		t.Error("transport modified the caller's request")
	}

	count, err := testutil.GatherAndCount(reg, "doseta_signatures_total")
	if err != nil || count != 1 {
		t.Errorf("signature series = %d, %v", count, err)
	}
}
