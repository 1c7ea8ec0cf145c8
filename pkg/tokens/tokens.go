package tokens

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/loggo"
)

var logger = loggo.GetLogger("apisession.tokens")

var ErrMalformedToken = errors.New("token malformed")

// Claims is the decoded, unverified payload of an access token.
// The typed fields are the ones the rest of the module reads; Raw holds
// every claim the payload carried, including the typed ones.
type Claims struct {
	UserID string `json:"_id,omitempty"`
	Name   string `json:"name,omitempty"`
	Email  string `json:"email,omitempty"`
	jwt.RegisteredClaims

	Raw map[string]any `json:"-"`
}

// segments are decoded the same way the backend's jwt library encodes them
var segmentParser = jwt.NewParser()

// Decode reads the payload segment of an encoded token. It performs no
// signature or integrity check.
func Decode(encToken string) (*Claims, error) {
	encClaims, err := payloadSegment(encToken)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	payload, err := segmentParser.DecodeSegment(encClaims)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 encoding: %v", ErrMalformedToken, err)
	}

	raw := map[string]any{}
	if err := json.Unmarshal(payload, &raw); err != nil {
		return nil, fmt.Errorf("%w: not a JSON object: %v", ErrMalformedToken, err)
	}
	if raw == nil {
		return nil, fmt.Errorf("%w: payload is null", ErrMalformedToken)
	}

	claims := &Claims{}
	if err := json.Unmarshal(payload, claims); err != nil {
		return nil, fmt.Errorf("%w: claims malformed: %v", ErrMalformedToken, err)
	}
	claims.Raw = raw

	return claims, nil
}

func payloadSegment(encToken string) (string, error) {
	parts := strings.Split(encToken, ".")
	if len(parts) != 3 {
		return "", fmt.Errorf("expected three parts, found %d", len(parts))
	}
	if parts[1] == "" {
		return "", fmt.Errorf("payload segment is empty")
	}
	return parts[1], nil
}
