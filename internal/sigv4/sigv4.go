// Package sigv4 signs HTTP requests with AWS Signature Version 4.
//
// The signed header set is fixed to content-type, host, x-amz-content-sha256
// and x-amz-date (plus x-amz-security-token for temporary credentials), which
// is all Polly's JSON endpoints require.
package sigv4

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

const (
	Algorithm = "AWS4-HMAC-SHA256"

	// AmzDateFormat is ISO-8601 basic format at second precision.
	AmzDateFormat = "20060102T150405Z"

	DefaultContentType = "application/json"

	HeaderAuthorization = "Authorization"
	HeaderContentType   = "Content-Type"
	HeaderAmzDate       = "X-Amz-Date"
	HeaderContentSHA256 = "X-Amz-Content-Sha256"
	HeaderSecurityToken = "X-Amz-Security-Token"
)

// Credentials identify the signer. SessionToken is only set for temporary
// credentials.
type Credentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
}

// Request holds everything the signature depends on.
type Request struct {
	Method      string
	URL         string
	Region      string
	Service     string
	Credentials Credentials
	Payload     []byte
	ContentType string
	Now         time.Time
}

// SignedRequest is built per HTTP call and must not be reused once the
// timestamp has aged out of the service's validity window.
type SignedRequest struct {
	Headers map[string]string
	Body    []byte
}

// Sign computes the SigV4 headers for r. A zero r.Now uses the wall clock.
func Sign(r Request) (SignedRequest, error) {
	if r.Credentials.AccessKeyID == "" || r.Credentials.SecretAccessKey == "" {
		return SignedRequest{}, errors.New("sigv4: missing credentials")
	}
	if r.Region == "" || r.Service == "" {
		return SignedRequest{}, errors.New("sigv4: region and service are required")
	}
	parsed, err := url.Parse(r.URL)
	if err != nil {
		return SignedRequest{}, fmt.Errorf("sigv4: parse url: %w", err)
	}
	if parsed.Host == "" {
		return SignedRequest{}, fmt.Errorf("sigv4: url %q has no host", r.URL)
	}

	now := r.Now
	if now.IsZero() {
		now = time.Now()
	}
	now = now.UTC()
	amzDate := now.Format(AmzDateFormat)
	dateStamp := amzDate[:8]

	method := strings.ToUpper(r.Method)
	if method == "" {
		method = "POST"
	}
	contentType := r.ContentType
	if contentType == "" {
		contentType = DefaultContentType
	}
	path := parsed.EscapedPath()
	if path == "" {
		path = "/"
	}

	payloadHash := hashSHA256(r.Payload)

	headers := [][2]string{
		{"content-type", contentType},
		{"host", parsed.Host},
		{"x-amz-content-sha256", payloadHash},
		{"x-amz-date", amzDate},
	}
	if r.Credentials.SessionToken != "" {
		headers = append(headers, [2]string{"x-amz-security-token", r.Credentials.SessionToken})
	}

	var canonicalHeaders strings.Builder
	names := make([]string, 0, len(headers))
	for _, h := range headers {
		canonicalHeaders.WriteString(h[0])
		canonicalHeaders.WriteByte(':')
		canonicalHeaders.WriteString(strings.TrimSpace(h[1]))
		canonicalHeaders.WriteByte('\n')
		names = append(names, h[0])
	}
	signedHeaders := strings.Join(names, ";")

	canonicalRequest := strings.Join([]string{
		method,
		path,
		CanonicalQuery(parsed.Query()),
		canonicalHeaders.String(),
		signedHeaders,
		payloadHash,
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", dateStamp, r.Region, r.Service)
	stringToSign := strings.Join([]string{
		Algorithm,
		amzDate,
		credentialScope,
		hashSHA256([]byte(canonicalRequest)),
	}, "\n")

	signingKey := SigningKey(r.Credentials.SecretAccessKey, dateStamp, r.Region, r.Service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, []byte(stringToSign)))

	out := map[string]string{
		HeaderAuthorization: fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
			Algorithm, r.Credentials.AccessKeyID, credentialScope, signedHeaders, signature),
		HeaderContentType:   contentType,
		HeaderAmzDate:       amzDate,
		HeaderContentSHA256: payloadHash,
	}
	if r.Credentials.SessionToken != "" {
		out[HeaderSecurityToken] = r.Credentials.SessionToken
	}
	return SignedRequest{Headers: out, Body: r.Payload}, nil
}

// CanonicalQuery encodes every key=value pair per RFC 3986 and sorts the
// encoded pairs.
func CanonicalQuery(values url.Values) string {
	if len(values) == 0 {
		return ""
	}
	var pairs []string
	for key, vals := range values {
		for _, v := range vals {
			pairs = append(pairs, uriEncode(key)+"="+uriEncode(v))
		}
	}
	sort.Strings(pairs)
	return strings.Join(pairs, "&")
}

// SigningKey derives kSigning through the AWS4 HMAC chain.
func SigningKey(secret, dateStamp, region, service string) []byte {
	kDate := hmacSHA256([]byte("AWS4"+secret), []byte(dateStamp))
	kRegion := hmacSHA256(kDate, []byte(region))
	kService := hmacSHA256(kRegion, []byte(service))
	return hmacSHA256(kService, []byte("aws4_request"))
}

// uriEncode percent-encodes everything except the RFC 3986 unreserved set.
func uriEncode(s string) string {
	var buf strings.Builder
	for _, b := range []byte(s) {
		if isUnreserved(b) {
			buf.WriteByte(b)
		} else {
			fmt.Fprintf(&buf, "%%%02X", b)
		}
	}
	return buf.String()
}

func isUnreserved(b byte) bool {
	return (b >= 'A' && b <= 'Z') || (b >= 'a' && b <= 'z') || (b >= '0' && b <= '9') ||
		b == '-' || b == '_' || b == '.' || b == '~'
}

func hashSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
