// Package polly is a minimal Amazon Polly SynthesizeSpeech client that signs
// its own requests.
package polly

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/sigv4"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"
)

const (
	ServiceName  = "polly"
	SpeechPath   = "/v1/speech"
	OutputFormat = "mp3"
	TextTypeSSML = "ssml"

	acceptAudio = "audio/mpeg"
)

// SpeechRequest is one SynthesizeSpeech call. Text is already SSML.
type SpeechRequest struct {
	Credentials  sigv4.Credentials
	Region       string
	Text         string
	VoiceID      string
	LanguageCode string
}

type speechBody struct {
	Text         string `json:"Text"`
	TextType     string `json:"TextType"`
	OutputFormat string `json:"OutputFormat"`
	VoiceId      string `json:"VoiceId"`
	LanguageCode string `json:"LanguageCode,omitempty"`
}

// Client posts signed SynthesizeSpeech requests. It is safe for concurrent
// use.
type Client struct {
	endpoint string
	service  string
	http     *http.Client
	timeout  time.Duration
	limiter  *rate.Limiter
	now      func() time.Time
	tracer   trace.Tracer
}

// Option configures a Client.
type Option func(*Client)

// WithEndpoint replaces the regional https://polly.<region>.amazonaws.com
// base, e.g. for a VPC endpoint or a test server.
func WithEndpoint(endpoint string) Option {
	return func(c *Client) {
		c.endpoint = strings.TrimRight(endpoint, "/")
	}
}

// WithSigningName overrides the SigV4 service name, which is "polly" for
// every public endpoint.
func WithSigningName(name string) Option {
	return func(c *Client) {
		if name != "" {
			c.service = name
		}
	}
}

// WithHTTPClient sets the HTTP client used for requests. The client is
// copied, never modified. A nil client keeps the default.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.http = client
		}
	}
}

// WithTimeout bounds each request, including reading the audio body. It
// applies whatever the option order.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithRateLimit caps outgoing requests per second across all sessions. A
// non-positive rps disables limiting.
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithClock overrides the signing clock.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		c.now = now
	}
}

func New(opts ...Option) *Client {
	c := &Client{
		service: ServiceName,
		http:    &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)},
		now:     time.Now,
		tracer:  otel.Tracer("github.com/loqalabs/loqa-narrator/internal/polly"),
	}
	for _, opt := range opts {
		opt(c)
	}
	httpClient := *c.http
	if c.timeout > 0 {
		httpClient.Timeout = c.timeout
	}
	c.http = &httpClient
	return c
}

// EndpointURL returns the SynthesizeSpeech URL for region.
func (c *Client) EndpointURL(region string) string {
	if c.endpoint != "" {
		return c.endpoint + SpeechPath
	}
	return fmt.Sprintf("https://polly.%s.amazonaws.com%s", region, SpeechPath)
}

// Synthesize returns the MP3 bytes for req. Errors are ErrCancelled, a
// *TransportError or a *ServiceError.
func (c *Client) Synthesize(ctx context.Context, req SpeechRequest) ([]byte, error) {
	if ctx.Err() != nil {
		return nil, ErrCancelled
	}

	ctx, span := c.tracer.Start(ctx, "polly.synthesize", trace.WithAttributes(
		attribute.String("polly.voice", req.VoiceID),
		attribute.String("polly.region", req.Region),
		attribute.Int("polly.text_length", len(req.Text)),
	))
	defer span.End()

	audio, err := c.synthesize(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetAttributes(attribute.Int("polly.audio_bytes", len(audio)))
	return audio, nil
}

func (c *Client) synthesize(ctx context.Context, req SpeechRequest) ([]byte, error) {
	if c.limiter != nil {
		// Wait also fails early when the deadline would pass first.
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, ErrCancelled
		}
	}

	signed, err := c.Sign(req)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, signed.URL, bytes.NewReader(signed.Body))
	if err != nil {
		return nil, fmt.Errorf("polly: build request: %w", err)
	}
	for name, value := range signed.Headers {
		httpReq.Header.Set(name, value)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ServiceError{StatusCode: resp.StatusCode, Message: errorDetail(resp.StatusCode, body, err)}
	}
	if err != nil {
		return nil, c.classify(ctx, err)
	}
	return body, nil
}

// SignedSpeech is a SynthesizeSpeech request ready to send.
type SignedSpeech struct {
	URL     string
	Headers map[string]string
	Body    []byte
}

// Sign encodes and signs req without sending it.
func (c *Client) Sign(req SpeechRequest) (SignedSpeech, error) {
	payload, err := encodeBody(speechBody{
		Text:         req.Text,
		TextType:     TextTypeSSML,
		OutputFormat: OutputFormat,
		VoiceId:      req.VoiceID,
		LanguageCode: req.LanguageCode,
	})
	if err != nil {
		return SignedSpeech{}, fmt.Errorf("polly: encode request: %w", err)
	}

	url := c.EndpointURL(req.Region)
	signed, err := sigv4.Sign(sigv4.Request{
		Method:      http.MethodPost,
		URL:         url,
		Region:      req.Region,
		Service:     c.service,
		Credentials: req.Credentials,
		Payload:     payload,
		Now:         c.now(),
	})
	if err != nil {
		return SignedSpeech{}, fmt.Errorf("polly: sign request: %w", err)
	}
	signed.Headers["Accept"] = acceptAudio
	return SignedSpeech{URL: url, Headers: signed.Headers, Body: signed.Body}, nil
}

func (c *Client) classify(ctx context.Context, err error) error {
	if ctx.Err() != nil || errors.Is(err, context.Canceled) {
		return ErrCancelled
	}
	return &TransportError{Err: err}
}

// encodeBody marshals without HTML escaping so the markup reaches Polly (and
// the payload hash) byte for byte.
func encodeBody(body speechBody) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(body); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

type errorResponse struct {
	Message      string `json:"message"`
	MessageUpper string `json:"Message"`
	Error        struct {
		Message string `json:"message"`
	} `json:"error"`
}

// errorDetail prefers a JSON message field, then the raw body, then the
// status text.
func errorDetail(status int, body []byte, readErr error) string {
	statusText := http.StatusText(status)
	if readErr != nil {
		return statusText
	}
	var parsed errorResponse
	if err := json.Unmarshal(body, &parsed); err == nil {
		switch {
		case parsed.Message != "":
			return parsed.Message
		case parsed.MessageUpper != "":
			return parsed.MessageUpper
		case parsed.Error.Message != "":
			return parsed.Error.Message
		}
		return statusText
	}
	if text := strings.TrimSpace(string(body)); text != "" {
		return text
	}
	return statusText
}
