// Package session signs a visitor in and out, and guards protected views.
//
// [Auth] runs login, registration and logout against the backend. [Guard]
// evaluates the stored credential on each protected entry:
//
//	no credential       -> Anonymous, redirect to /login
//	fresh credential    -> Authenticated, redirect to /dashboard
//	expired credential  -> Checking, then renewal decides
//
// The guard registers with the refresh coordinator, so a renewal that
// fails anywhere in the process logs the visitor out.
package session
