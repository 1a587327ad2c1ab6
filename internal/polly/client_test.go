package polly

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-narrator/internal/sigv4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedNow = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

func testCreds() sigv4.Credentials {
	return sigv4.Credentials{AccessKeyID: "AKIDEXAMPLE", SecretAccessKey: "secret"}
}

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(WithEndpoint(server.URL), WithHTTPClient(server.Client()), WithClock(fixedNow))
}

func TestSynthesizeSuccess(t *testing.T) {
	var gotBody map[string]string
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, SpeechPath, r.URL.Path)
		assert.Equal(t, "audio/mpeg", r.Header.Get("Accept"))
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "20240102T030405Z", r.Header.Get("X-Amz-Date"))
		assert.True(t, strings.HasPrefix(r.Header.Get("Authorization"),
			"AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20240102/us-east-1/polly/aws4_request, "+
				"SignedHeaders=content-type;host;x-amz-content-sha256;x-amz-date, Signature="))

		raw, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		assert.Contains(t, string(raw), `"Text":"<speak>hi</speak>"`)
		require.NoError(t, json.Unmarshal(raw, &gotBody))

		w.Header().Set("Content-Type", "audio/mpeg")
		_, _ = w.Write([]byte("ID3-mp3-bytes"))
	})

	audio, err := client.Synthesize(context.Background(), SpeechRequest{
		Credentials: testCreds(),
		Region:      "us-east-1",
		Text:        "<speak>hi</speak>",
		VoiceID:     "Joanna",
	})
	require.NoError(t, err)
	assert.Equal(t, []byte("ID3-mp3-bytes"), audio)
	assert.Equal(t, map[string]string{
		"Text":         "<speak>hi</speak>",
		"TextType":     "ssml",
		"OutputFormat": "mp3",
		"VoiceId":      "Joanna",
	}, gotBody)
}

func TestSynthesizeSendsLanguageCodeAndToken(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		assert.Contains(t, string(raw), `"VoiceId":"Zhiyu","LanguageCode":"cmn-CN"`)
		assert.Equal(t, "tok", r.Header.Get("X-Amz-Security-Token"))
		_, _ = w.Write([]byte("audio"))
	})

	creds := testCreds()
	creds.SessionToken = "tok"
	_, err := client.Synthesize(context.Background(), SpeechRequest{
		Credentials:  creds,
		Region:       "us-east-1",
		Text:         "<speak>你好</speak>",
		VoiceID:      "Zhiyu",
		LanguageCode: "cmn-CN",
	})
	require.NoError(t, err)
}

func TestSynthesizeServiceErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   string
	}{
		{"json message", http.StatusForbidden, `{"message":"Invalid credentials"}`, "Amazon Polly failed (403): Invalid credentials"},
		{"aws Message", http.StatusBadRequest, `{"__type":"InvalidSsmlException","Message":"Invalid SSML request"}`, "Amazon Polly failed (400): Invalid SSML request"},
		{"nested error", http.StatusInternalServerError, `{"error":{"message":"boom"}}`, "Amazon Polly failed (500): boom"},
		{"json without message", http.StatusTooManyRequests, `{}`, "Amazon Polly failed (429): Too Many Requests"},
		{"plain text", http.StatusBadGateway, "upstream down", "Amazon Polly failed (502): upstream down"},
		{"empty body", http.StatusServiceUnavailable, "", "Amazon Polly failed (503): Service Unavailable"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			})
			_, err := client.Synthesize(context.Background(), SpeechRequest{Credentials: testCreds(), Region: "us-east-1", Text: "x", VoiceID: "Joanna"})
			require.Error(t, err)

			var svcErr *ServiceError
			require.True(t, errors.As(err, &svcErr))
			assert.Equal(t, tt.status, svcErr.StatusCode)
			assert.Equal(t, tt.want, err.Error())
		})
	}
}

func TestSynthesizeCancelledInFlight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		close(started)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	})
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := client.Synthesize(ctx, SpeechRequest{Credentials: testCreds(), Region: "us-east-1", Text: "x", VoiceID: "Joanna"})
		errCh <- err
	}()

	<-started
	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(5 * time.Second):
		t.Fatal("synthesize did not return after cancel")
	}
}

func TestSynthesizePreCancelledContext(t *testing.T) {
	calls := 0
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { calls++ })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Synthesize(ctx, SpeechRequest{Credentials: testCreds(), Region: "us-east-1", Text: "x", VoiceID: "Joanna"})
	assert.ErrorIs(t, err, ErrCancelled)
	assert.Zero(t, calls)
}

func TestSynthesizeTransportError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	client := New(WithEndpoint("http://"+addr), WithClock(fixedNow))
	_, err = client.Synthesize(context.Background(), SpeechRequest{Credentials: testCreds(), Region: "us-east-1", Text: "x", VoiceID: "Joanna"})
	require.Error(t, err)

	var transportErr *TransportError
	assert.True(t, errors.As(err, &transportErr))
	assert.NotErrorIs(t, err, ErrCancelled)
}

func TestSynthesizeRejectsMissingCredentials(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("request should not be sent")
	})
	_, err := client.Synthesize(context.Background(), SpeechRequest{Region: "us-east-1", Text: "x", VoiceID: "Joanna"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sign request")
}

func TestEndpointURL(t *testing.T) {
	assert.Equal(t, "https://polly.eu-west-1.amazonaws.com/v1/speech", New().EndpointURL("eu-west-1"))
	assert.Equal(t, "http://localhost:4566/v1/speech", New(WithEndpoint("http://localhost:4566/")).EndpointURL("eu-west-1"))
}

func TestRateLimiterHonoursCancellation(t *testing.T) {
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("a")) })
	WithRateLimit(0.001)(client)

	_, err := client.Synthesize(context.Background(), SpeechRequest{Credentials: testCreds(), Region: "us-east-1", Text: "x", VoiceID: "Joanna"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = client.Synthesize(ctx, SpeechRequest{Credentials: testCreds(), Region: "us-east-1", Text: "x", VoiceID: "Joanna"})
	assert.ErrorIs(t, err, ErrCancelled)
}

func TestSignDoesNotSend(t *testing.T) {
	client := New(WithEndpoint("https://polly.example.test"), WithSigningName("polly-fips"), WithClock(fixedNow))
	signed, err := client.Sign(SpeechRequest{Credentials: testCreds(), Region: "us-west-2", Text: "<speak>a & b</speak>", VoiceID: "Joanna"})
	require.NoError(t, err)

	assert.Equal(t, "https://polly.example.test/v1/speech", signed.URL)
	assert.Equal(t, `{"Text":"<speak>a & b</speak>","TextType":"ssml","OutputFormat":"mp3","VoiceId":"Joanna"}`, string(signed.Body))
	assert.Equal(t, "audio/mpeg", signed.Headers["Accept"])
	assert.Contains(t, signed.Headers["Authorization"], "/20240102/us-west-2/polly-fips/aws4_request")
}

func TestOptionsLeaveCallerClientAlone(t *testing.T) {
	shared := &http.Client{}
	c := New(WithTimeout(3*time.Second), WithHTTPClient(shared))
	assert.Zero(t, shared.Timeout)
	assert.NotSame(t, shared, c.http)
	assert.Equal(t, 3*time.Second, c.http.Timeout, "timeout applies regardless of option order")

	before := http.DefaultClient.Timeout
	New(WithHTTPClient(http.DefaultClient), WithTimeout(time.Minute))
	assert.Equal(t, before, http.DefaultClient.Timeout)

	c = New(WithHTTPClient(nil), WithTimeout(time.Second))
	require.NotNil(t, c.http)
	assert.NotNil(t, c.http.Transport)
	assert.Equal(t, time.Second, c.http.Timeout)
}
