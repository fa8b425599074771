package synth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const maxResponseBytes = 4 << 20

// Client talks to the local inference server over HTTP.
type Client struct {
	endpoint string
	http     *http.Client
}

var _ Synthesizer = (*Client)(nil)

// NewClient builds a client for endpoint. A zero timeout leaves the request
// bounded only by the caller's context.
func NewClient(endpoint string, timeout time.Duration) *Client {
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     &http.Client{Timeout: timeout},
	}
}

func (c *Client) Synthesize(ctx context.Context, req SynthesizeRequest) (Result, error) {
	ctx, span := startSpan(ctx, "synth.synthesize",
		attribute.Int(AttrSequenceLength, len(req.Sequence)),
		attribute.Int(AttrSpeaker, req.SpeakerI),
		attribute.Bool(AttrReplay, len(req.Pitch) > 0),
		attribute.Bool(AttrHifiGAN, req.HifiGAN),
	)
	defer span.End()

	body, err := c.post(ctx, "/synthesize", normalize(req))
	if err != nil {
		recordError(span, err)
		return Result{}, err
	}
	res, err := ParseResult(string(body))
	if err != nil {
		recordError(span, err)
		return Result{}, err
	}
	span.SetAttributes(attribute.Int(AttrLetters, len(res.Pitch)))
	return res, nil
}

func (c *Client) LoadModel(ctx context.Context, req LoadModelRequest) error {
	ctx, span := startSpan(ctx, "synth.load_model", attribute.String(AttrModel, req.Model))
	defer span.End()

	if _, err := c.post(ctx, "/loadModel", req); err != nil {
		recordError(span, err)
		return err
	}
	return nil
}

func (c *Client) SetMode(ctx context.Context, mode Mode) error {
	ctx, span := startSpan(ctx, "synth.set_mode", attribute.String(AttrMode, string(mode)))
	defer span.End()

	if _, err := c.post(ctx, "/setMode", setModeRequest{HifiGAN: mode}); err != nil {
		recordError(span, err)
		return err
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload any) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s body: %w", path, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+path, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		if isUnreachable(err) {
			return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, path, err)
		}
		return nil, fmt.Errorf("post %s: %w", path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", path, err)
	}
	tooLarge := len(body) > maxResponseBytes
	if tooLarge {
		body = body[:maxResponseBytes]
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: %s returned %s: %s", ErrStatus, path, resp.Status, strings.TrimSpace(string(body)))
	}
	if tooLarge {
		return nil, fmt.Errorf("%w: %s response too large (over %d bytes)", ErrMalformedResponse, path, maxResponseBytes)
	}
	return body, nil
}

func isUnreachable(err error) bool {
	if errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func recordError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetAttributes(attribute.String(AttrErrorKind, errorKind(err)))
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	case errors.Is(err, ErrMalformedResponse):
		return "malformed"
	case errors.Is(err, ErrStatus):
		return "status"
	default:
		return "transport"
	}
}
