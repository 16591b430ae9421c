package domain

import "fmt"

type AuthErrorKind string

const (
	AuthInvalidAccount      AuthErrorKind = "INVALID_ACCOUNT"
	AuthInvalidPassword     AuthErrorKind = "INVALID_PASSWORD"
	AuthNeedsPhoneChallenge AuthErrorKind = "NEEDS_PHONE_CHALLENGE"
	AuthQrNotConfirmed      AuthErrorKind = "QR_NOT_CONFIRMED"
	AuthTokenAuthFailed     AuthErrorKind = "TOKEN_AUTH_FAILED"
	AuthTimeout             AuthErrorKind = "TIMEOUT"
	AuthParsingError        AuthErrorKind = "PARSING_ERROR"
)

// AuthError is returned by every login and session refresh flow.
// errors.Is matches on Kind, so the Err* sentinels below can be used as targets.
type AuthError struct {
	Kind    AuthErrorKind `json:"kind"`
	Message string        `json:"message"`
	Cause   error         `json:"-"`
}

func (e *AuthError) Error() string {
	if e == nil {
		return ""
	}
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *AuthError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func (e *AuthError) Is(target error) bool {
	t, ok := target.(*AuthError)
	return ok && e != nil && t.Kind == e.Kind
}

func NewAuthError(kind AuthErrorKind, message string, cause error) *AuthError {
	return &AuthError{Kind: kind, Message: message, Cause: cause}
}

var (
	ErrInvalidAccount      = &AuthError{Kind: AuthInvalidAccount, Message: "account does not exist"}
	ErrInvalidPassword     = &AuthError{Kind: AuthInvalidPassword, Message: "password rejected"}
	ErrNeedsPhoneChallenge = &AuthError{Kind: AuthNeedsPhoneChallenge, Message: "second factor required"}
	ErrQrNotConfirmed      = &AuthError{Kind: AuthQrNotConfirmed, Message: "qr code not confirmed yet"}
	ErrTokenAuthFailed     = &AuthError{Kind: AuthTokenAuthFailed, Message: "stored token rejected"}
	ErrAuthTimeout         = &AuthError{Kind: AuthTimeout, Message: "identity service unreachable"}
	ErrAuthParsing         = &AuthError{Kind: AuthParsingError, Message: "unexpected identity service response"}
)

type RequestErrorKind string

const (
	RequestBadRequest          RequestErrorKind = "BAD_REQUEST"
	RequestUnauthorized        RequestErrorKind = "UNAUTHORIZED"
	RequestTimeout             RequestErrorKind = "TIMEOUT"
	RequestConnectionError     RequestErrorKind = "CONNECTION_ERROR"
	RequestInternalServerError RequestErrorKind = "INTERNAL_SERVER_ERROR"
	RequestUnknown             RequestErrorKind = "UNKNOWN"
)

// RequestError is returned by SessionManager.Request and everything built on it.
type RequestError struct {
	Kind       RequestErrorKind `json:"kind"`
	StatusCode int              `json:"status_code,omitempty"`
	URL        string           `json:"url,omitempty"`
	Cause      error            `json:"-"`
}

func (e *RequestError) Error() string {
	if e == nil {
		return ""
	}
	msg := string(e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (http %d)", msg, e.StatusCode)
	}
	if e.URL != "" {
		msg += " " + e.URL
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *RequestError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func (e *RequestError) Is(target error) bool {
	t, ok := target.(*RequestError)
	return ok && e != nil && t.Kind == e.Kind
}

var (
	ErrBadRequest          = &RequestError{Kind: RequestBadRequest}
	ErrUnauthorized        = &RequestError{Kind: RequestUnauthorized}
	ErrRequestTimeout      = &RequestError{Kind: RequestTimeout}
	ErrConnection          = &RequestError{Kind: RequestConnectionError}
	ErrInternalServerError = &RequestError{Kind: RequestInternalServerError}
	ErrRequestUnknown      = &RequestError{Kind: RequestUnknown}
)

type DiscoveryErrorKind string

const DiscoveryDeviceNotDiscovered DiscoveryErrorKind = "DEVICE_NOT_DISCOVERED"

type DiscoveryError struct {
	Kind     DiscoveryErrorKind `json:"kind"`
	DeviceID string             `json:"device_id,omitempty"`
}

func (e *DiscoveryError) Error() string {
	if e == nil {
		return ""
	}
	if e.DeviceID == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.DeviceID)
}

func (e *DiscoveryError) Is(target error) bool {
	t, ok := target.(*DiscoveryError)
	return ok && e != nil && t.Kind == e.Kind
}

var ErrDeviceNotDiscovered = &DiscoveryError{Kind: DiscoveryDeviceNotDiscovered}

func DeviceNotDiscovered(deviceID string) *DiscoveryError {
	return &DiscoveryError{Kind: DiscoveryDeviceNotDiscovered, DeviceID: deviceID}
}
