// Package classify implements the Error Classifier (C3): it maps a raw
// HTTP response or transport failure into the closed taxonomy, extracting
// the body/header metadata a human needs to act on a REQUIRES_USER_ACTION
// result. Classification is the only place that inspects raw response
// shapes — everywhere else a failure is this package's Result value.
package classify

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"

	"github.com/oliveagle/jsonpath"

	"github.com/dandantas/dispatchengine/internal/httpexec"
	"github.com/dandantas/dispatchengine/internal/model"
)

// Result is the classifier's output — one struct carrying whichever
// category-specific fields apply.
type Result struct {
	Category           model.Category
	StatusCode         int
	Message            string
	CanRetry           bool
	UserActionRequired bool
	ValidationErrors   []string
	PermissionInfo     string
	UserActionGuidance string
	RawError           error
}

var validationPaths = []string{"$.errors", "$.validationErrors", "$.details"}
var permissionPaths = []string{"$.permission", "$.requiredPermissions"}
var guidancePaths = []string{"$.userAction", "$.userGuidance"}

// Classify maps a response (success path, 4xx) or a transport error
// (*httpexec.Error) into the closed taxonomy.
func Classify(resp *httpexec.Response, err error) Result {
	if err != nil {
		return classifyError(err)
	}
	return classifyStatus(resp.Status, resp.Headers, resp.Body)
}

func classifyError(err error) Result {
	var hErr *httpexec.Error
	if errors.As(err, &hErr) {
		if hErr.Status >= 500 {
			return classifyStatus(hErr.Status, hErr.Headers, hErr.Body)
		}
		if isNetworkCondition(hErr.Err) {
			return Result{
				Category: model.CategoryNetworkError,
				Message:  hErr.Err.Error(),
				CanRetry: true,
				RawError: hErr.Err,
			}
		}
	}
	if isNetworkCondition(err) {
		return Result{
			Category: model.CategoryNetworkError,
			Message:  err.Error(),
			CanRetry: true,
			RawError: err,
		}
	}
	return Result{
		Category: model.CategoryUnknownError,
		Message:  err.Error(),
		RawError: err,
	}
}

func isNetworkCondition(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded")
}

func classifyStatus(status int, headers map[string]string, body []byte) Result {
	r := Result{StatusCode: status, Message: responseDescription(headers, status)}

	switch {
	case status == http.StatusTooManyRequests:
		r.Category = model.CategoryTemporaryFailure
		r.CanRetry = true
	case isUserActionStatus(status):
		r.Category = model.CategoryRequiresUserAction
		r.UserActionRequired = true
	case status == http.StatusUnauthorized:
		r.Category = model.CategoryAuthError
	case status >= 500:
		r.Category = model.CategorySystemError
	default:
		r.Category = model.CategoryUnknownError
	}

	if status == 400 || status == 422 {
		r.ValidationErrors = extractStringList(body, validationPaths)
	}
	if status == 403 {
		r.PermissionInfo = extractString(body, permissionPaths)
		if r.PermissionInfo == "" {
			r.PermissionInfo = headerValue(headers, "required-permission")
		}
	}
	if r.UserActionRequired {
		r.UserActionGuidance = extractString(body, guidancePaths)
		if r.UserActionGuidance == "" {
			r.UserActionGuidance = headerValue(headers, "user-action")
		}
	}

	return r
}

// isUserActionStatus resolves the 403 overlap between AUTH_ERROR and
// REQUIRES_USER_ACTION in favor of the latter.
func isUserActionStatus(status int) bool {
	switch status {
	case 400, 403, 404, 409, 422:
		return true
	default:
		return false
	}
}

func responseDescription(headers map[string]string, status int) string {
	if v := headerValue(headers, "response-description"); v != "" {
		return v
	}
	return fmt.Sprintf("request failed with status %d", status)
}

// headerValue looks a header up by the given key and then by its canonical
// form, since executor responses carry canonical header keys.
func headerValue(headers map[string]string, key string) string {
	if v, ok := headers[key]; ok {
		return v
	}
	return headers[http.CanonicalHeaderKey(key)]
}

func extractString(body []byte, paths []string) string {
	v := extractAny(body, paths)
	if v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

func extractStringList(body []byte, paths []string) []string {
	v := extractAny(body, paths)
	if v == nil {
		return nil
	}
	switch t := v.(type) {
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, item := range t {
			switch s := item.(type) {
			case string:
				out = append(out, s)
			default:
				b, _ := json.Marshal(s)
				out = append(out, string(b))
			}
		}
		return out
	case string:
		return []string{t}
	default:
		b, _ := json.Marshal(t)
		return []string{string(b)}
	}
}

func extractAny(body []byte, paths []string) interface{} {
	if len(body) == 0 {
		return nil
	}
	var data interface{}
	if err := json.Unmarshal(body, &data); err != nil {
		return nil
	}
	for _, p := range paths {
		pattern, err := jsonpath.Compile(p)
		if err != nil {
			continue
		}
		if v, err := pattern.Lookup(data); err == nil && v != nil {
			return v
		}
	}
	return nil
}
