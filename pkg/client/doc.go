// Package client sends authorized requests to the mock API.
//
// Every request goes through the access token's renewal first, so a token
// close to expiry is replaced before it is used:
//
//	coord := refresh.New(st, renewer, refresh.Options{})
//	c := client.New(coord, client.Options{
//	    BaseURL: "https://api.example.com",
//	    Jar:     jar,
//	})
//
//	res, err := c.Get(ctx, "/project/user/"+identity.ID)
//	if err != nil {
//	    // renewal failed; the session has been torn down
//	}
//	if err := client.CheckResponse(res); err != nil {
//	    // errors.Is(err, client.ErrAuthorizationFailed) after a second 401
//	}
//
// # Rejected tokens
//
// The API can reject a token the client still believes is fresh, for
// instance after a server-side revocation. Do answers the first 401 by
// asking the [TokenSource] to replace that specific token and sending the
// request again. The second response is returned unchanged; there is no
// further retry.
//
// Request bodies are replayed through http.Request.GetBody, which
// http.NewRequest sets for in-memory bodies. Streaming bodies can't be
// replayed, and their 401 responses are returned as is.
//
// The client never navigates or prompts. Renewal failures are returned to
// the caller, and the coordinator's teardown listeners learn of them too.
package client
