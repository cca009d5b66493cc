package domain

import "errors"

var (
	ErrNotAuthorized = errors.New("portal not authorized")
	ErrTokenNotFound = errors.New("token not found")
	ErrBotNotFound   = errors.New("bot identity not found")
	ErrLinkNotFound  = errors.New("chat link not found")

	// ErrPortalAPI matches any error envelope returned by the portal REST API.
	ErrPortalAPI = errors.New("portal API error")
)
