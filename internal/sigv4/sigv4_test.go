package sigv4

import (
	"context"
	"encoding/hex"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testURL     = "https://polly.us-east-1.amazonaws.com/v1/speech"
	testPayload = `{"Text":"<speak><prosody rate=\"100%\">Hello.</prosody></speak>","TextType":"ssml","OutputFormat":"mp3","VoiceId":"Joanna"}`
)

var testTime = time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

func testRequest() Request {
	return Request{
		Method:  http.MethodPost,
		URL:     testURL,
		Region:  "us-east-1",
		Service: "polly",
		Credentials: Credentials{
			AccessKeyID:     "AKIDEXAMPLE",
			SecretAccessKey: "secret",
		},
		Payload: []byte(testPayload),
		Now:     testTime,
	}
}

func TestSignReferenceVector(t *testing.T) {
	signed, err := Sign(testRequest())
	require.NoError(t, err)

	assert.Equal(t,
		"AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20240102/us-east-1/polly/aws4_request, "+
			"SignedHeaders=content-type;host;x-amz-content-sha256;x-amz-date, "+
			"Signature=423051d404b6c24e15c08ff52e8fdd31f70c6288b59ce02bbdbf1f3f8f1cc068",
		signed.Headers[HeaderAuthorization])
	assert.Equal(t, "20240102T030405Z", signed.Headers[HeaderAmzDate])
	assert.Equal(t, "b3378733357016ed4a445b11f9facbf2425d7f29dd4cc8db0d72c144de66cc2d", signed.Headers[HeaderContentSHA256])
	assert.Equal(t, "application/json", signed.Headers[HeaderContentType])
	assert.NotContains(t, signed.Headers, HeaderSecurityToken)
	assert.Equal(t, []byte(testPayload), signed.Body)
}

func TestSignIsDeterministic(t *testing.T) {
	first, err := Sign(testRequest())
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := Sign(testRequest())
		require.NoError(t, err)
		assert.Equal(t, first.Headers, again.Headers)
	}
}

func TestSignUsesUTC(t *testing.T) {
	req := testRequest()
	req.Now = testTime.In(time.FixedZone("UTC+9", 9*3600))
	signed, err := Sign(req)
	require.NoError(t, err)
	assert.Equal(t, "20240102T030405Z", signed.Headers[HeaderAmzDate])
}

func TestSignWithSessionToken(t *testing.T) {
	req := testRequest()
	req.Credentials.SessionToken = "session-token"
	signed, err := Sign(req)
	require.NoError(t, err)

	assert.Equal(t,
		"AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20240102/us-east-1/polly/aws4_request, "+
			"SignedHeaders=content-type;host;x-amz-content-sha256;x-amz-date;x-amz-security-token, "+
			"Signature=6e3bf4476c0ebef9b9aabaa039da3e900164822df6887668d66b302fc686cfe4",
		signed.Headers[HeaderAuthorization])
	assert.Equal(t, "session-token", signed.Headers[HeaderSecurityToken])
}

func TestSignCanonicalQueryAndEmptyPath(t *testing.T) {
	req := testRequest()
	req.URL = "https://example.amazonaws.com?x=2&a+b=c/d&x=1"
	req.Payload = nil
	signed, err := Sign(req)
	require.NoError(t, err)

	assert.Equal(t,
		"AWS4-HMAC-SHA256 Credential=AKIDEXAMPLE/20240102/us-east-1/polly/aws4_request, "+
			"SignedHeaders=content-type;host;x-amz-content-sha256;x-amz-date, "+
			"Signature=994a4e50c803f58dd356ba201e1bd0580b7cbf21a31cf6c9c3f15df56b60fa71",
		signed.Headers[HeaderAuthorization])
	assert.Equal(t, "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", signed.Headers[HeaderContentSHA256])
}

func TestCanonicalQuery(t *testing.T) {
	values := url.Values{}
	values.Add("b", "2")
	values.Add("a", "x y")
	values.Add("a", "~ok")
	assert.Equal(t, "a=x%20y&a=~ok&b=2", CanonicalQuery(values))
	assert.Equal(t, "", CanonicalQuery(nil))
}

func TestSignMatchesSDKSigner(t *testing.T) {
	signed, err := Sign(testRequest())
	require.NoError(t, err)

	httpReq, err := http.NewRequest(http.MethodPost, testURL, nil)
	require.NoError(t, err)
	httpReq.Header.Set(HeaderContentType, "application/json")
	httpReq.Header.Set(HeaderContentSHA256, signed.Headers[HeaderContentSHA256])

	creds := aws.Credentials{AccessKeyID: "AKIDEXAMPLE", SecretAccessKey: "secret"}
	err = v4.NewSigner().SignHTTP(context.Background(), creds, httpReq, signed.Headers[HeaderContentSHA256], "polly", "us-east-1", testTime)
	require.NoError(t, err)

	assert.Equal(t, httpReq.Header.Get(HeaderAuthorization), signed.Headers[HeaderAuthorization])
	assert.Equal(t, httpReq.Header.Get(HeaderAmzDate), signed.Headers[HeaderAmzDate])
}

func TestSignRejectsIncompleteInput(t *testing.T) {
	req := testRequest()
	req.Credentials.SecretAccessKey = ""
	_, err := Sign(req)
	assert.Error(t, err)

	req = testRequest()
	req.Region = ""
	_, err = Sign(req)
	assert.Error(t, err)

	req = testRequest()
	req.URL = "/v1/speech"
	_, err = Sign(req)
	assert.Error(t, err)
}

func TestSigningKeyChain(t *testing.T) {
	// Example from the AWS SigV4 documentation.
	key := SigningKey("wJalrXUtnFEMI/K7MDENG+bPxRfiCYEXAMPLEKEY", "20120215", "us-east-1", "iam")
	assert.Equal(t, "f4780e2d9f65fa895f9c67b32ce1baf0b0d8a43505a000a1a9e090d414db404d", hex.EncodeToString(key))
}
