// Package api holds the wire types of the mock API backend's user routes,
// and the JSON helpers shared by the clients and the test backend.
package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("apisession.api")

const (
	PathLogin    = "/user/login"
	PathRegister = "/user"
	PathRefresh  = "/user/refresh"

	// RefreshCookie names the opaque renewal secret the backend sets
	RefreshCookie = "refreshToken"
)

type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterRequest struct {
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenResponse is returned by both login and refresh.
type TokenResponse struct {
	AccessToken string `json:"accessToken"`
}

type ErrorResponse struct {
	Message string `json:"message"`
}

func EncodeBody(data any) (io.Reader, error) {
	body, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("json marshal failure: %v", err)
	}
	return bytes.NewReader(body), nil
}

// DecodeResponse reads a JSON body into res and closes it.
func DecodeResponse[T any](res *T, r *http.Response) error {
	defer r.Body.Close()
	if err := json.NewDecoder(r.Body).Decode(res); err != nil {
		return fmt.Errorf("not valid JSON: %v", err)
	}
	return nil
}

// ErrorMessage extracts the server message from a failed response,
// falling back to the status text. It closes the body.
func ErrorMessage(r *http.Response) string {
	res := ErrorResponse{}
	if err := DecodeResponse(&res, r); err != nil || res.Message == "" {
		return http.StatusText(r.StatusCode)
	}
	return res.Message
}

func DecodeRequest[T any](req *T, w http.ResponseWriter, r *http.Request) bool {
	err := json.NewDecoder(r.Body).Decode(req)
	if err != nil {
		LogErr(r, "bad json request")
		ReturnError(w, http.StatusBadRequest, "bad request")
		return false
	}
	return true
}

func ReturnJSON(data any, w http.ResponseWriter) {
	ReturnJSONStatus(w, http.StatusOK, data)
}

func ReturnJSONStatus(w http.ResponseWriter, status int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func ReturnError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(ErrorResponse{Message: message})
}

func LogErr(r *http.Request, msg string) {
	logger.Warningf("%s %s: %s", r.Method, r.RequestURI, msg)
}
