// Package assert implements a set of basic test helpers.
//
// Lightly adapted from this blog post: https://antonz.org/do-not-testify/
package assert

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
	"reflect"
	"strings"
	"testing"
)

// Equal asserts that got is equal to want.
func Equal[T any](tb testing.TB, got T, want T, customMsg ...any) {
	tb.Helper()
	if areEqual(got, want) {
		return
	}
	msg := formatMsg("expected values to be equal", customMsg)
	tb.Errorf("%s:\ngot:  %#v\nwant: %#v", msg, got, want)
}

// True asserts that got is true.
func True(tb testing.TB, got bool, customMsg ...any) {
	tb.Helper()
	if !got {
		tb.Error(formatMsg("expected value to be true", customMsg))
	}
}

// Error asserts that got matches want, which may be an error, an error type,
// an error string, or nil. If want is a string, it is considered a match if
// it is ia substring of got's string value.
func Error(tb testing.TB, got error, want any) {
	tb.Helper()

	if want != nil && got == nil {
		tb.Errorf("errors do not match:\ngot:  <nil>\nwant: %v", want)
		return
	}

	switch w := want.(type) {
	case nil:
		NilError(tb, got)
	case error:
		if !errors.Is(got, w) {
			tb.Errorf("errors do not match:\ngot:  %T(%v)\nwant: %T(%v)", got, got, w, w)
		}
	case string:
		if !strings.Contains(got.Error(), w) {
			tb.Errorf("error string does not match:\ngot:  %q\nwant: %q", got.Error(), w)
		}
	case reflect.Type:
		target := reflect.New(w).Interface()
		if !errors.As(got, target) {
			tb.Errorf("error type does not match:\ngot:  %T\nwant: %s", got, w)
		}
	default:
		tb.Errorf("unsupported want type: %T", want)
	}
}

// ErrorAs asserts that got matches the error type T, as per errors.As, and
// returns the matching error for further inspection.
func ErrorAs[T error](tb testing.TB, got error) T {
	tb.Helper()
	var target T
	if !errors.As(got, &target) {
		tb.Fatalf("error type does not match:\ngot:  %T(%v)\nwant: %T", got, got, target)
	}
	return target
}

// BytesEqual asserts that two byte slices are equal, reporting them as hex
// dumps on failure.
func BytesEqual(tb testing.TB, got, want []byte, customMsg ...any) {
	tb.Helper()
	if bytes.Equal(got, want) {
		return
	}
	msg := formatMsg("expected bytes to be equal", customMsg)
	tb.Errorf("%s:\ngot:  % x\nwant: % x", msg, got, want)
}

// Contains asserts that s contains substr.
func Contains(tb testing.TB, s string, substr string, customMsg ...any) {
	tb.Helper()
	if !strings.Contains(s, substr) {
		msg := formatMsg("expected string to contain substring", customMsg)
		tb.Errorf("%s:\nstring:    %q\nsubstring: %q", msg, s, substr)
	}
}

// StatusCode asserts that a response has a specific status code.
func StatusCode(tb testing.TB, resp *http.Response, code int) {
	tb.Helper()
	if resp.StatusCode != code {
		tb.Errorf("expected status code %d, got %d", code, resp.StatusCode)
	}
}

// NilError asserts that got is nil.
func NilError(tb testing.TB, got error) {
	tb.Helper()
	if got != nil {
		tb.Fatalf("expected nil error, got %q (%T)", got, got)
	}
}

type equaler[T any] interface {
	Equal(T) bool
}

func areEqual[T any](a, b T) bool {
	if isNil(a) && isNil(b) {
		return true
	}
	// special case types with an Equal method
	if eq, ok := any(a).(equaler[T]); ok {
		return eq.Equal(b)
	}
	// special case byte slices
	if aBytes, ok := any(a).([]byte); ok {
		bBytes := any(b).([]byte)
		return bytes.Equal(aBytes, bBytes)
	}
	return reflect.DeepEqual(a, b)
}

func isNil(v any) bool {
	if v == nil {
		return true
	}
	// A non-nil interface can still hold a nil value, so we check the
	// underlying value.
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Chan,
		reflect.Func,
		reflect.Interface,
		reflect.Map,
		reflect.Pointer,
		reflect.Slice,
		reflect.UnsafePointer:
		return rv.IsNil()
	default:
		return false
	}
}

func formatMsg(defaultMsg string, customMsg []any) string {
	msg := defaultMsg
	if len(customMsg) > 0 {
		tmpl, ok := customMsg[0].(string)
		if !ok {
			tmpl = fmt.Sprintf("%v", customMsg[0])
		}
		msg = fmt.Sprintf(tmpl, customMsg[1:]...)
	}
	return msg
}
