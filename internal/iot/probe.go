package iot

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// Outcome classifies a single probe.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeTimeout      Outcome = "timeout"
	OutcomeNetworkError Outcome = "network_error"
	// OutcomeCertificateSuspected means the https hello failed but the same
	// host served the control image over plain http, which usually means the
	// box certificate is not trusted yet.
	OutcomeCertificateSuspected Outcome = "certificate_suspected"
)

// Present reports whether the outcome means a box answered at the address.
func (o Outcome) Present() bool {
	return o == OutcomeSuccess || o == OutcomeCertificateSuspected
}

// ProbeResult is the result of checking one candidate address.
type ProbeResult struct {
	Address string
	Outcome Outcome
	Err     error
	Latency time.Duration

	// ConnectAddress is the base the box should be claimed at when it is not
	// Address: the plain-http base of a certificate-suspected box.
	ConnectAddress string
}

// Prober checks whether a box answers at a base address.
type Prober interface {
	Probe(ctx context.Context, address string) ProbeResult
}

// HTTPProber probes the hello endpoint over HTTP(S) with a hard per-probe
// timeout.
type HTTPProber struct {
	client           *http.Client
	timeout          time.Duration
	helloPath        string
	controlImagePath string
	plainPort        int
}

// NewHTTPProber builds a prober from the scanner config. A nil client gets a
// transport without keep-alives, since every request goes to a new host.
func NewHTTPProber(cfg Config, client *http.Client) *HTTPProber {
	if client == nil {
		client = &http.Client{
			Transport: &http.Transport{
				DisableKeepAlives: true,
				DialContext: (&net.Dialer{
					Timeout: cfg.ProbeTimeout,
				}).DialContext,
				TLSHandshakeTimeout: cfg.ProbeTimeout,
			},
		}
	}
	return &HTTPProber{
		client:           client,
		timeout:          cfg.ProbeTimeout,
		helloPath:        cfg.HelloPath,
		controlImagePath: cfg.ControlImagePath,
		plainPort:        cfg.PlainPort,
	}
}

// Probe issues GET {address}{hello path}. Any 2xx is Success. When
// the address is https and the hello fails, the control image is fetched over
// plain http to tell an untrusted certificate apart from an empty address.
func (p *HTTPProber) Probe(ctx context.Context, address string) ProbeResult {
	start := time.Now()
	res := ProbeResult{Address: address}

	err := p.get(ctx, address+p.helloPath, nil)
	res.Latency = time.Since(start)
	if err == nil {
		res.Outcome = OutcomeSuccess
		return res
	}
	res.Err = err
	res.Outcome = classify(err)

	if base, ok := p.plainBase(address); ok && ctx.Err() == nil {
		if p.get(ctx, base+p.controlImagePath, requireImage) == nil {
			res.Outcome = OutcomeCertificateSuspected
			res.ConnectAddress = base
		}
	}
	return res
}

// get fetches target within the probe timeout. check, when set, inspects the
// 2xx body.
func (p *HTTPProber) get(ctx context.Context, target string, check func(io.Reader) error) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		return &statusError{code: resp.StatusCode}
	}
	if check != nil {
		return check(resp.Body)
	}
	return nil
}

// plainControlURL maps an https address to the plain-http control image URL.
func (p *HTTPProber) plainControlURL(address string) (string, bool) {
	base, ok := p.plainBase(address)
	if !ok {
		return "", false
	}
	return base + p.controlImagePath, true
}

// plainBase maps an https address to http://host[:plain port]. Plain http
// addresses and a disabled control image have no fallback.
func (p *HTTPProber) plainBase(address string) (string, bool) {
	if p.controlImagePath == "" {
		return "", false
	}
	u, err := url.Parse(address)
	if err != nil || u.Scheme != "https" {
		return "", false
	}
	host := u.Hostname()
	if p.plainPort != 0 && p.plainPort != 80 {
		host = net.JoinHostPort(host, strconv.Itoa(p.plainPort))
	}
	return "http://" + host, true
}

func requireImage(r io.Reader) error {
	_, err := decodeImageConfig(r)
	return err
}

type statusError struct {
	code int
}

func (e *statusError) Error() string {
	return "unexpected status " + strconv.Itoa(e.code)
}

// classify maps a request error to Timeout or NetworkError.
func classify(err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return OutcomeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return OutcomeTimeout
	}
	return OutcomeNetworkError
}
