package proxy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

// Error represents a proxy-specific error with a code and description
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Proxy Error Codes
const (
	// Configuration and Initialization Errors (E1000-E1999)
	ErrCodeNoEnabledServers     = "E1001"
	ErrCodeInvalidCAFile        = "E1002"
	ErrCodeInvalidCAKey         = "E1003"
	ErrCodeCADecodeFailed       = "E1004"
	ErrCodeCAParseFailed        = "E1005"
	ErrCodeUnknownProxyType     = "E1006"
	ErrCodeListenerCreateFailed = "E1007"
	ErrCodeInvalidServerConfig  = "E1008"
	ErrCodeRuleCompileFailed    = "E1009"

	// Connection and Network Errors (E2000-E2999)
	ErrCodeConnectionFailed  = "E2001"
	ErrCodeConnectionTimeout = "E2002"
	ErrCodeInvalidAddress    = "E2003"
	ErrCodeInvalidPort       = "E2004"
	ErrCodeConnectionClosed  = "E2005"
	ErrCodeDialFailed        = "E2006"

	// TLS and Certificate Errors (E3000-E3999)
	ErrCodeTLSHandshakeFailed   = "E3001"
	ErrCodeCertGenerationFailed = "E3002"
	ErrCodeNoSNIHostname        = "E3003"
	ErrCodePrivateKeyGenFailed  = "E3004"
	ErrCodeX509KeyPairFailed    = "E3005"
	ErrCodeConfigProviderFailed = "E3006"

	// HTTP Processing Errors (E4000-E4999)
	ErrCodeHTTPRequestReadFailed   = "E4001"
	ErrCodeHTTPResponseWriteFailed = "E4002"
	ErrCodeHTTPForwardFailed       = "E4003"
	ErrCodeRequestBodyTooLarge     = "E4004"

	// Upgrade and Tunnel Errors (E5000-E5999)
	ErrCodeUpgradeTargetInvalid = "E5001"
	ErrCodeUpgradeAcceptFailed  = "E5002"
	ErrCodeTunnelDialFailed     = "E5003"
	ErrCodeTunnelRelayFailed    = "E5004"

	// Forwarding Errors (E6000-E6999)
	ErrCodeSOCKS5DialerFailed     = "E6001"
	ErrCodeSOCKS5ConnectFailed    = "E6002"
	ErrCodeHTTPProxyDialFailed    = "E6003"
	ErrCodeCONNECTRequestFailed   = "E6004"
	ErrCodeCONNECTResponseFailed  = "E6005"
	ErrCodeUpstreamProxyDenied    = "E6006"
	ErrCodeForwardRuleError       = "E6007"

	// Authentication Errors (E7000-E7999)
	ErrCodeAuthenticationFailed = "E7001"
	ErrCodeInvalidCredentials   = "E7002"
	ErrCodeInvalidBearerToken   = "E7003"

	// Internal and System Errors (E9900-E9999)
	ErrCodeInternalError   = "E9901"
	ErrCodeUnexpectedError = "E9902"
	ErrCodePanicRecovered  = "E9903"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeNoEnabledServers:     "No enabled proxy servers configured",
	ErrCodeInvalidCAFile:        "Invalid or unreadable CA certificate file",
	ErrCodeInvalidCAKey:         "Invalid or unreadable CA private key file",
	ErrCodeCADecodeFailed:       "Failed to decode CA certificate or key PEM",
	ErrCodeCAParseFailed:        "Failed to parse CA certificate or key",
	ErrCodeUnknownProxyType:     "Unknown or unsupported proxy type",
	ErrCodeListenerCreateFailed: "Failed to create network listener",
	ErrCodeInvalidServerConfig:  "Invalid server configuration",
	ErrCodeRuleCompileFailed:    "Failed to compile routing rule",

	ErrCodeConnectionFailed:  "Failed to establish network connection",
	ErrCodeConnectionTimeout: "Connection attempt timed out",
	ErrCodeInvalidAddress:    "Invalid network address format",
	ErrCodeInvalidPort:       "Invalid port number",
	ErrCodeConnectionClosed:  "Connection closed unexpectedly",
	ErrCodeDialFailed:        "Failed to dial target address",

	ErrCodeTLSHandshakeFailed:   "TLS handshake failed",
	ErrCodeCertGenerationFailed: "Failed to generate server certificate",
	ErrCodeNoSNIHostname:        "No SNI hostname provided in TLS handshake",
	ErrCodePrivateKeyGenFailed:  "Failed to generate private key",
	ErrCodeX509KeyPairFailed:    "Failed to create X.509 key pair",
	ErrCodeConfigProviderFailed: "TLS server config provider failed",

	ErrCodeHTTPRequestReadFailed:   "Failed to read HTTP request",
	ErrCodeHTTPResponseWriteFailed: "Failed to write HTTP response",
	ErrCodeHTTPForwardFailed:       "Failed to forward HTTP request",
	ErrCodeRequestBodyTooLarge:     "Request body exceeds configured limit",

	ErrCodeUpgradeTargetInvalid: "Invalid upgrade target authority",
	ErrCodeUpgradeAcceptFailed:  "Upgrade acceptance handler failed",
	ErrCodeTunnelDialFailed:     "Failed to dial tunnel target",
	ErrCodeTunnelRelayFailed:    "Tunnel relay failed",

	ErrCodeSOCKS5DialerFailed:    "Failed to create SOCKS5 dialer",
	ErrCodeSOCKS5ConnectFailed:   "SOCKS5 connection failed",
	ErrCodeHTTPProxyDialFailed:   "Failed to dial upstream HTTP proxy",
	ErrCodeCONNECTRequestFailed:  "Failed to send CONNECT request",
	ErrCodeCONNECTResponseFailed: "Failed to read CONNECT response",
	ErrCodeUpstreamProxyDenied:   "Upstream proxy denied the request",
	ErrCodeForwardRuleError:      "Error in forwarding rule evaluation",

	ErrCodeAuthenticationFailed: "Proxy authentication failed",
	ErrCodeInvalidCredentials:   "Invalid proxy credentials",
	ErrCodeInvalidBearerToken:   "Invalid bearer token",

	ErrCodeInternalError:   "Internal proxy error",
	ErrCodeUnexpectedError: "Unexpected error occurred",
	ErrCodePanicRecovered:  "Recovered from panic condition",
}

// NewConnectionError creates a connection-related error
func NewConnectionError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewTLSError creates a TLS-related error
func NewTLSError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewHTTPError creates an HTTP-related error
func NewHTTPError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewUpgradeError creates an upgrade/tunnel-related error
func NewUpgradeError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewForwardError creates a forwarding-related error
func NewForwardError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewAuthError creates an authentication-related error
func NewAuthError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// NewInternalError creates an internal error
func NewInternalError(code, description string, cause error) *Error {
	return NewProxyError(code, description, cause)
}

// GetErrorDescription returns the description for a given error code
func GetErrorDescription(code string) string {
	if desc, exists := ErrorDescriptions[code]; exists {
		return desc
	}
	return "Unknown error code"
}

// IsConnectionError checks if the error is connection-related
func IsConnectionError(err error) bool {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code >= "E2000" && proxyErr.Code < "E3000"
	}
	return false
}

// IsTLSError checks if the error is TLS-related
func IsTLSError(err error) bool {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code >= "E3000" && proxyErr.Code < "E4000"
	}
	return false
}

// IsHTTPError checks if the error is HTTP-related
func IsHTTPError(err error) bool {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code >= "E4000" && proxyErr.Code < "E5000"
	}
	return false
}

// IsUpgradeError checks if the error is upgrade/tunnel-related
func IsUpgradeError(err error) bool {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code >= "E5000" && proxyErr.Code < "E6000"
	}
	return false
}

// IsAuthError checks if the error is authentication-related
func IsAuthError(err error) bool {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code >= "E7000" && proxyErr.Code < "E8000"
	}
	return false
}

// IsForwardError checks if the error is forwarding-related
func IsForwardError(err error) bool {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code >= "E6000" && proxyErr.Code < "E7000"
	}
	return false
}

// IsInternalError checks if the error is an internal failure
func IsInternalError(err error) bool {
	var proxyErr *Error
	if errors.As(err, &proxyErr) {
		return proxyErr.Code >= "E9900" && proxyErr.Code < "E9999"
	}
	return false
}

// isClosedConnError reports whether err is the expected noise of a peer or
// ourselves closing one half of a relayed connection.
func isClosedConnError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "use of closed network connection") ||
		strings.Contains(msg, "connection reset by peer") ||
		strings.Contains(msg, "broken pipe")
}

// NewErrorResponse builds an HTTP error response carrying the given proxy
// error code. The body names the code and its description so clients can
// tell a proxy failure apart from an origin failure.
func NewErrorResponse(statusCode int, errorCode string) *http.Response {
	description := GetErrorDescription(errorCode)
	body := fmt.Sprintf("%d %s\r\nError Code: %s\r\nDescription: %s\r\n",
		statusCode, http.StatusText(statusCode), errorCode, description)
	bodyBytes := []byte(body)

	header := make(http.Header)
	header.Set("Content-Type", "text/plain; charset=utf-8")
	header.Set("Content-Length", fmt.Sprintf("%d", len(bodyBytes)))
	header.Set("X-Proxy-Error", errorCode)

	return &http.Response{
		Status:        fmt.Sprintf("%d %s", statusCode, http.StatusText(statusCode)),
		StatusCode:    statusCode,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(bodyBytes)),
		ContentLength: int64(len(bodyBytes)),
	}
}

// NewBadGatewayResponse creates an HTTP 502 Bad Gateway response from an
// error code.
func NewBadGatewayResponse(errorCode string) *http.Response {
	return NewErrorResponse(http.StatusBadGateway, errorCode)
}
