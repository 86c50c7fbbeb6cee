// Package classifier implements the Error Classifier (C1): a pure function
// mapping a transport/upstream error to one tag in a closed set. Classification
// checks platform error codes first, falling back to a case-sensitive substring
// match on the error text. Preserve the case sensitivity (§9 open questions) -
// a reasonable implementation might lowercase for robustness, but the test
// suite assumes case-sensitive matching.
package classifier

import (
	"errors"
	"net"
	"strings"
	"syscall"
)

// Tag is one member of the closed classification set (§4.1).
type Tag string

const (
	TagSocketHangup        Tag = "socket_hangup"
	TagBrokenPipe          Tag = "broken_pipe"
	TagConnectionAborted   Tag = "connection_aborted"
	TagStreamPrematureClose Tag = "stream_premature_close"
	TagHTTPParseError      Tag = "http_parse_error"
	TagConnectionRefused   Tag = "connection_refused"
	TagDNSError            Tag = "dns_error"
	TagTLSError            Tag = "tls_error"
	TagTimeout             Tag = "timeout"
	TagRateLimited         Tag = "rate_limited"
	TagOther               Tag = "other"
)

// substringRules is evaluated top-to-bottom, first match wins, on the raw
// (non-lowercased) error text. Grounded on the teacher's hasConnectionError
// fallback list, expanded to the full tag set this spec requires.
var substringRules = []struct {
	substr string
	tag    Tag
}{
	{"broken pipe", TagBrokenPipe},
	{"socket hang up", TagSocketHangup},
	{"ECONNABORTED", TagConnectionAborted},
	{"connection aborted", TagConnectionAborted},
	{"unexpected EOF", TagStreamPrematureClose},
	{"stream premature close", TagStreamPrematureClose},
	{"malformed HTTP", TagHTTPParseError},
	{"malformed chunked encoding", TagHTTPParseError},
	{"connection refused", TagConnectionRefused},
	{"no such host", TagDNSError},
	{"server misbehaving", TagDNSError},
	{"certificate", TagTLSError},
	{"tls:", TagTLSError},
	{"TLS handshake timeout", TagTimeout},
	{"i/o timeout", TagTimeout},
	{"context deadline exceeded", TagTimeout},
	{"429", TagRateLimited},
	{"Too Many Requests", TagRateLimited},
}

// Classify maps err to its closed-set tag. A nil error returns TagOther, as
// does any error this mapping table does not recognise.
func Classify(err error) Tag {
	if err == nil {
		return TagOther
	}

	if tag, ok := classifyByCode(err); ok {
		return tag
	}

	msg := err.Error()
	for _, rule := range substringRules {
		if strings.Contains(msg, rule.substr) {
			return rule.tag
		}
	}

	return TagOther
}

// classifyByCode inspects structured error types (net.Error, net.OpError,
// syscall.Errno) before falling back to substring matching. Grounded on the
// teacher's errors.Is/errors.As chain in MakeUserFriendlyError/IsConnectionError.
func classifyByCode(err error) (Tag, bool) {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return TagTimeout, true
	}

	var opErr *net.OpError
	if errors.As(err, &opErr) {
		switch opErr.Op {
		case "dial":
			return TagConnectionRefused, true
		case "read", "write":
			return TagStreamPrematureClose, true
		}
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED:
			return TagConnectionRefused, true
		case syscall.ECONNRESET:
			return TagSocketHangup, true
		case syscall.ECONNABORTED:
			return TagConnectionAborted, true
		case syscall.EPIPE:
			return TagBrokenPipe, true
		}
	}

	return "", false
}

// IsFatal reports whether tag should advance a circuit breaker's failure
// counter. Transient hangups are excluded by default to avoid oscillation
// (§4.3 onFailure contract).
func (t Tag) IsFatal() bool {
	switch t {
	case TagConnectionRefused, TagTLSError, TagDNSError:
		return true
	default:
		return false
	}
}

// IsRetryableSameModel reports whether a failure of this kind is retryable
// within the same attempt budget without switching models (§4.7).
func (t Tag) IsRetryableSameModel() bool {
	switch t {
	case TagSocketHangup, TagBrokenPipe, TagConnectionAborted, TagStreamPrematureClose, TagTimeout:
		return true
	default:
		return false
	}
}
