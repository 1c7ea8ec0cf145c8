package api_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"git.sr.ht/~jakintosh/apisession/internal/api"
)

func TestErrorMessage_ServerMessage(t *testing.T) {
	t.Parallel()

	rr := httptest.NewRecorder()
	api.ReturnError(rr, http.StatusUnauthorized, "wrong password")

	// the server message is preferred
	if msg := api.ErrorMessage(rr.Result()); msg != "wrong password" {
		t.Errorf("message = %q, want %q", msg, "wrong password")
	}
}

func TestErrorMessage_FallsBackToStatusText(t *testing.T) {
	t.Parallel()

	res := &http.Response{
		StatusCode: http.StatusBadGateway,
		Body:       io.NopCloser(strings.NewReader("<html>oops</html>")),
	}

	// a non-JSON body falls back to the status text
	if msg := api.ErrorMessage(res); msg != "Bad Gateway" {
		t.Errorf("message = %q, want %q", msg, "Bad Gateway")
	}
}

func TestDecodeRequest_BadJSON(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodPost, api.PathLogin, strings.NewReader("{"))
	rr := httptest.NewRecorder()

	// bad json is rejected with 400
	var login api.LoginRequest
	if ok := api.DecodeRequest(&login, rr, req); ok {
		t.Fatal("expected DecodeRequest to fail")
	}
	if rr.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rr.Code)
	}
}

func TestEncodeBody_RoundTrip(t *testing.T) {
	t.Parallel()

	body, err := api.EncodeBody(api.LoginRequest{Email: "a@example.com", Password: "pw"})
	if err != nil {
		t.Fatalf("EncodeBody failed: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, api.PathLogin, body)
	rr := httptest.NewRecorder()

	var login api.LoginRequest
	if ok := api.DecodeRequest(&login, rr, req); !ok {
		t.Fatal("DecodeRequest failed")
	}
	if login.Email != "a@example.com" || login.Password != "pw" {
		t.Errorf("decoded = %+v", login)
	}
}
