package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestNewCarriesCode(t *testing.T) {
	err := New(CodeFetchFailed, "download interrupted")
	if err.Code != CodeFetchFailed {
		t.Errorf("expected code %s, got %s", CodeFetchFailed, err.Code)
	}
	if !strings.Contains(err.Error(), "E201") {
		t.Errorf("error string should contain code: %s", err.Error())
	}
}

func TestWrapNilReturnsNil(t *testing.T) {
	if err := Wrap(nil, CodeFetchFailed, "noop"); err != nil {
		t.Errorf("wrapping nil should return nil, got %v", err)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("connection reset")
	err := Wrap(cause, CodeFetchFailed, "fetch failed")

	if !stderrors.Is(err, cause) {
		t.Error("wrapped error should match cause via errors.Is")
	}
	if err.Unwrap() != cause {
		t.Error("Unwrap should return the original cause")
	}
	if !strings.Contains(err.Error(), "connection reset") {
		t.Errorf("error string should contain cause: %s", err.Error())
	}
}

func TestWithContext(t *testing.T) {
	err := New(CodeUnknownDataset, "unknown dataset").
		WithContext("dataset_id", "chembl_drugs")

	if err.Context["dataset_id"] != "chembl_drugs" {
		t.Error("context value not stored")
	}
	if !strings.Contains(err.Error(), "dataset_id=chembl_drugs") {
		t.Errorf("error string should contain context: %s", err.Error())
	}
}

func TestIsCodeThroughWrapping(t *testing.T) {
	inner := New(CodeBadResponse, "status 503")
	outer := Wrap(inner, CodeFetchFailed, "fetch failed")

	if !IsCode(outer, CodeFetchFailed) {
		t.Error("outer code should match")
	}
	if IsCode(outer, CodeMaterializeFailed) {
		t.Error("unrelated code should not match")
	}
	if GetCode(outer) != CodeFetchFailed {
		t.Errorf("GetCode should return outermost code, got %s", GetCode(outer))
	}
}

func TestGetCodeUnknownForPlainError(t *testing.T) {
	if GetCode(fmt.Errorf("plain")) != CodeUnknown {
		t.Error("plain errors should report CodeUnknown")
	}
}

func TestIsRetryable(t *testing.T) {
	if !IsRetryable(New(CodeTimeout, "deadline exceeded")) {
		t.Error("timeout should be retryable")
	}
	if IsRetryable(New(CodeUnknownDataset, "nope")) {
		t.Error("unknown dataset should not be retryable")
	}
}

func TestUnknownDatasetListsAvailable(t *testing.T) {
	err := UnknownDataset("zink", []string{"zinc_250k", "chembl_drugs"})
	if !strings.Contains(err.Error(), "zinc_250k") {
		t.Errorf("error should list available ids: %s", err.Error())
	}
}

func TestMultiError(t *testing.T) {
	var m MultiError
	if m.HasErrors() {
		t.Error("empty MultiError should have no errors")
	}
	if m.Combined() != nil {
		t.Error("empty MultiError should combine to nil")
	}

	m.Add(nil)
	if m.HasErrors() {
		t.Error("adding nil should not record an error")
	}

	first := New(CodeSourceUnreachable, "probe failed")
	m.Add(first)
	if m.Combined() != first {
		t.Error("single-error MultiError should combine to that error")
	}

	m.Add(New(CodeFetchFailed, "fetch failed"))
	combined := m.Combined()
	if combined == nil {
		t.Fatal("expected combined error")
	}
	if !strings.Contains(combined.Error(), "2 errors occurred") {
		t.Errorf("combined message should count errors: %s", combined.Error())
	}
}

func TestStackTraceCaptured(t *testing.T) {
	err := New(CodeCacheBackend, "write failed")
	if len(err.StackTrace) == 0 {
		t.Fatal("expected stack frames")
	}
	if !strings.Contains(err.FormatStack(), "errors_test.go") {
		t.Errorf("stack should reference the caller:\n%s", err.FormatStack())
	}
}
