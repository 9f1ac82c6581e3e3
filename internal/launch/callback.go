package launch

import (
	"net/url"
)

// Callback is the OAuth redirect delivered after authorization
type Callback struct {
	Code  string
	State string
}

// ParseCallback reads code and state off a redirect URL. Both must be
// present and non-empty.
func ParseCallback(u *url.URL) (*Callback, error) {
	if u == nil {
		return nil, newError(KindMissingCallback)
	}

	q := u.Query()
	cb := &Callback{
		Code:  q.Get("code"),
		State: q.Get("state"),
	}
	if cb.Code == "" {
		return nil, newError(KindMissingCode)
	}
	if cb.State == "" {
		return nil, newError(KindMissingState)
	}
	return cb, nil
}

// parseAuthorizationURL requires an absolute URL with scheme and host
func parseAuthorizationURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, &FlowError{Kind: KindInvalidURL, Err: err}
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, newError(KindInvalidURL)
	}
	return u, nil
}
