package dkim

import (
	"bytes"
	"io"
	"net/http"

	"github.com/synqronlabs/doseta/metrics"
)

// SignRequest signs req with signer and sets the DKIM-Signature header.
// The body is read in full and replaced so the request can still be sent.
// Any existing DKIM-Signature header is kept; the new one is added after it.
func SignRequest(req *http.Request, signer *Signer) error {
	var body []byte
	if req.Body != nil && req.Body != http.NoBody {
		var err error
		if body, err = io.ReadAll(req.Body); err != nil {
			return err
		}
		if err := req.Body.Close(); err != nil {
			return err
		}
		req.Body = io.NopCloser(bytes.NewReader(body))
		req.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(body)), nil
		}
	}

	value, err := signer.Sign(req.Header, body)
	if err != nil {
		return err
	}
	req.Header.Add(HeaderName, value)
	return nil
}

// SigningTransport is an http.RoundTripper that signs every request.
type SigningTransport struct {
	Signer *Signer

	// Base is the underlying transport. Default is http.DefaultTransport.
	Base http.RoundTripper

	// Metrics records signing outcomes. Optional.
	Metrics *metrics.Metrics
}

func (t *SigningTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	// RoundTrippers must not modify the caller's request
	req = req.Clone(req.Context())
	err := SignRequest(req, t.Signer)
	alg, _ := t.Signer.algorithm()
	t.Metrics.RecordSignature(string(alg), err)
	if err != nil {
		return nil, err
	}
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}
