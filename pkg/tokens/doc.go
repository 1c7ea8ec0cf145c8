// Package tokens decodes the access tokens handed out by the mock API
// backend and decides when they have expired.
//
// A token is three dot-separated segments. Only the middle (payload) segment
// is read: it is decoded from base64url and parsed as a JSON object. The
// signature is never checked. Everything in [Claims] is therefore advisory,
// unverified data: it is good enough to decide when to renew a token, and to
// show a name and an email address, but it is not a trust boundary. The
// backend re-validates the token on every privileged call.
//
// # Decoding
//
//	claims, err := tokens.Decode(encoded)
//	if errors.Is(err, tokens.ErrMalformedToken) {
//	    // payload missing, not base64url, or not a JSON object
//	}
//
// An [AccessToken] pairs the encoded string with its claims. A token whose
// payload could not be decoded keeps its encoded form and has nil claims,
// which [IsExpired] reports as expired:
//
//	token, _ := tokens.Parse(encoded)
//	if token.Expired(time.Now()) {
//	    // renew before sending a request
//	}
//
// # Expiry
//
// [IsExpired] applies a [Buffer] of 30 seconds so that a request is never
// dispatched with a credential expected to expire while it is in flight.
package tokens
