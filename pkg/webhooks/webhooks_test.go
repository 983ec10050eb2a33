package webhooks

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tcmartin/flowcraft/pkg/models"
)

func TestCapture(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/hooks/f1?flow_id=f1&a=1&a=2", strings.NewReader(`{"order":{"id":7}}`))
	r.Header.Set("X-Custom", "yes")
	r.Header.Set("Authorization", "Bearer secret")

	req, err := Capture(r, 0)
	require.NoError(t, err)

	assert.Equal(t, "POST", req.Method)
	assert.Equal(t, map[string]interface{}{"order": map[string]interface{}{"id": float64(7)}}, req.Body)
	assert.Equal(t, "1", req.Query["a"])
	assert.Equal(t, "yes", req.Headers["x-custom"])
	assert.Equal(t, "secret", req.Token)

	payload := req.Payload("Authorization")
	assert.Equal(t, "POST", payload["method"])
	assert.Equal(t, "[redacted]", payload["headers"].(map[string]interface{})["authorization"])
	assert.NotContains(t, payload, "token")
	assert.Equal(t, req.Body, payload["body"])
}

func TestPayloadOmitsQueryToken(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/hooks/f1?token=s3cret&access_token=s3cret2&page=2", nil)

	req, err := Capture(r, 0)
	require.NoError(t, err)
	assert.Equal(t, "s3cret", req.Token)

	query := req.Payload("Authorization")["query"].(map[string]interface{})
	assert.Equal(t, map[string]interface{}{"page": "2"}, query)
	assert.NotContains(t, query, "token")
	assert.NotContains(t, query, "access_token")
	assert.Equal(t, "s3cret", req.Query["token"])
}

func TestCaptureBodies(t *testing.T) {
	tests := []struct {
		name   string
		method string
		body   string
		want   interface{}
	}{
		{"json", http.MethodPost, `[1,2]`, []interface{}{float64(1), float64(2)}},
		{"text", http.MethodPut, "hello there", "hello there"},
		{"empty", http.MethodPost, "   ", nil},
		{"get ignores body", http.MethodGet, `{"a":1}`, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(tt.method, "/hooks/x", strings.NewReader(tt.body))
			req, err := Capture(r, 0)
			require.NoError(t, err)
			assert.Equal(t, tt.want, req.Body)
		})
	}
}

func TestCaptureBodyLimit(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/hooks/x", strings.NewReader(strings.Repeat("a", 11)))
	_, err := Capture(r, 10)
	assert.ErrorContains(t, err, "exceeds 10 bytes")
}

func TestExtractToken(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want string
	}{
		{"query token", Request{Query: map[string]string{"token": "q"}, Headers: map[string]string{"x-flowcraft-token": "h"}}, "q"},
		{"access_token", Request{Query: map[string]string{"access_token": "a"}}, "a"},
		{"custom header", Request{Headers: map[string]string{"x-flowcraft-webhook-token": "h", "authorization": "Bearer b"}}, "h"},
		{"legacy header", Request{Headers: map[string]string{"x-flow-token": "l"}}, "l"},
		{"bearer", Request{Headers: map[string]string{"authorization": "bearer  b "}}, "b"},
		{"basic is ignored", Request{Headers: map[string]string{"authorization": "Basic Zm9v"}}, ""},
		{"none", Request{}, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractToken(&tt.req))
		})
	}
}

func TestSettingsFromNode(t *testing.T) {
	s := SettingsFromNode(models.Node{Data: map[string]interface{}{}})
	assert.Equal(t, Settings{Method: MethodAny, AuthMode: AuthModeNone}, s)

	s = SettingsFromNode(models.Node{Data: map[string]interface{}{"method": "post", "authMode": "Token", "token": " abc "}})
	assert.Equal(t, Settings{Method: "POST", AuthMode: AuthModeToken, Token: "abc"}, s)
}

func TestAuthorize(t *testing.T) {
	withToken := func(method, token string) *Request {
		return &Request{Method: method, Token: token}
	}
	tokenNode := Settings{Method: MethodAny, AuthMode: AuthModeToken, Token: "abc"}

	tests := []struct {
		name     string
		auth     Authorizer
		settings Settings
		req      *Request
		want     error
	}{
		{"open webhook", Authorizer{}, Settings{Method: MethodAny, AuthMode: AuthModeNone}, withToken("GET", ""), nil},
		{"method mismatch", Authorizer{}, Settings{Method: "POST"}, withToken("GET", ""), ErrMethodNotAllowed},
		{"method match", Authorizer{}, Settings{Method: "POST"}, withToken("POST", ""), nil},
		{"missing token", Authorizer{}, tokenNode, withToken("POST", ""), ErrInvalidToken},
		{"wrong token", Authorizer{}, tokenNode, withToken("POST", "nope"), ErrInvalidToken},
		{"node token", Authorizer{}, tokenNode, withToken("POST", "abc"), nil},
		{"global token", Authorizer{GlobalToken: "global"}, tokenNode, withToken("POST", "global"), nil},
		{"global only", Authorizer{GlobalToken: "global"}, Settings{AuthMode: AuthModeToken}, withToken("POST", "global"), nil},
		{"no configured token", Authorizer{}, Settings{AuthMode: AuthModeToken}, withToken("POST", "anything"), ErrInvalidToken},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.auth.Authorize(tt.settings, tt.req)
			if tt.want == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.want)
			}
		})
	}
}

func TestAuthorizeTokenSources(t *testing.T) {
	settings := Settings{Method: MethodAny, AuthMode: AuthModeToken, Token: "abc"}

	for name, mutate := range map[string]func(r *http.Request){
		"query":  func(r *http.Request) { r.URL.RawQuery = "token=abc" },
		"header": func(r *http.Request) { r.Header.Set("X-Flowcraft-Token", "abc") },
		"bearer": func(r *http.Request) { r.Header.Set("Authorization", "Bearer abc") },
	} {
		t.Run(name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/hooks/f", nil)
			mutate(r)
			req, err := Capture(r, 0)
			require.NoError(t, err)
			assert.NoError(t, Authorizer{}.Authorize(settings, req))
		})
	}
}
