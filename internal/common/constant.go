// Package common contains shared constants and sentinel errors used across
// the settings sync client and server.
package common

const (
	// AccessTokenHeaderName is the gRPC metadata key used to carry the
	// access token on outbound requests.
	AccessTokenHeaderName = "access_token"

	// SubscribedHeaderName is sent in the response header of an accepted
	// change subscription.
	SubscribedHeaderName = "subscribed"
)
