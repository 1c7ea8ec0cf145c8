package tokens

import (
	"time"
)

// ==============================================

// AccessToken is the credential presented to the API: the encoded token
// string the backend issued, plus its decoded claims.
//
// Claims are nil when the payload could not be decoded. Such a token is
// still carried around so it can be reported as expired and replaced.
type AccessToken struct {
	encoded string
	claims  *Claims
}

func (t *AccessToken) Encoded() string { return t.encoded }
func (t *AccessToken) Claims() *Claims { return t.claims }

func (t *AccessToken) Subject() string {
	if t.claims == nil {
		return ""
	}
	return t.claims.Subject
}

// Expiration is the zero time when the token carries no expiry.
func (t *AccessToken) Expiration() time.Time {
	if t.claims == nil || t.claims.ExpiresAt == nil {
		return time.Time{}
	}
	return t.claims.ExpiresAt.Time
}

func (t *AccessToken) Expired(now time.Time) bool {
	if t == nil {
		return true
	}
	return IsExpired(t.claims, now)
}

func (t *AccessToken) Identity() Identity {
	return IdentityFrom(t.claims)
}

func (token *AccessToken) Decode(encToken string) error {
	token.encoded = encToken
	claims, err := Decode(encToken)
	if err != nil {
		logger.Debugf("couldn't decode access token: %v", err)
		token.claims = nil
		return err
	}
	token.claims = claims
	return nil
}

// Parse always returns a token holding encToken. The error reports whether
// its claims could be decoded.
func Parse(encToken string) (*AccessToken, error) {
	token := new(AccessToken)
	err := token.Decode(encToken)
	return token, err
}

// ==============================================

// Identity is the presentation view of a token's claims. It is always
// derived from the current token and never edited on its own.
type Identity struct {
	ID    string `json:"_id,omitempty"`
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
}

func IdentityFrom(claims *Claims) Identity {
	if claims == nil {
		return Identity{}
	}
	id := claims.UserID
	if id == "" {
		id = claims.Subject
	}
	return Identity{
		ID:    id,
		Name:  claims.Name,
		Email: claims.Email,
	}
}
