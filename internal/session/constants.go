// Package session holds the credential stores shared by the gateway, the
// auth handlers, the route guard, and the client-side interceptor.
package session

const (
	// AccessCookieName is the name of the cookie that stores the access credential.
	AccessCookieName = "accessToken"

	// RefreshCookieName is the name of the cookie that stores the refresh credential.
	RefreshCookieName = "refreshToken"

	// CookiePath ensures the cookies are sent with all requests.
	CookiePath = "/"

	// AccessCookieMaxAge matches the authority's access credential lifetime (1 hour).
	AccessCookieMaxAge = 60 * 60

	// RefreshCookieMaxAge matches the authority's refresh credential lifetime
	// (7 days = 604800 seconds).
	RefreshCookieMaxAge = 7 * 24 * 60 * 60
)
