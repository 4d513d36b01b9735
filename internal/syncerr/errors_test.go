package syncerr

import (
	"errors"
	"fmt"
	"testing"
)

func TestPermanentClassification(t *testing.T) {
	err := Permanent(CodeTargetNotFound, "document %s missing", "doc-1")
	if !IsPermanent(err) {
		t.Error("Permanent error not reported as permanent")
	}
	if IsTransient(err) {
		t.Error("Permanent error reported as transient")
	}
	if CodeOf(err) != CodeTargetNotFound {
		t.Errorf("CodeOf = %q, want %q", CodeOf(err), CodeTargetNotFound)
	}
}

func TestTransientClassification(t *testing.T) {
	err := Transient(CodeEmbedFailure, "status 503")
	if IsPermanent(err) {
		t.Error("Transient error reported as permanent")
	}
	if !IsTransient(err) {
		t.Error("Transient error not reported as transient")
	}
}

func TestUnmarkedErrorsAreTransient(t *testing.T) {
	err := fmt.Errorf("connection reset")
	if IsPermanent(err) {
		t.Error("plain error reported as permanent")
	}
	if !IsTransient(err) {
		t.Error("plain error not reported as transient")
	}
	if CodeOf(err) != "" {
		t.Errorf("CodeOf(plain error) = %q, want empty", CodeOf(err))
	}
}

func TestNilError(t *testing.T) {
	if IsPermanent(nil) || IsTransient(nil) {
		t.Error("nil error classified as permanent or transient")
	}
	if WrapPermanent(nil, CodeIndexFailure, "x") != nil {
		t.Error("WrapPermanent(nil) returned non-nil")
	}
	if WrapTransient(nil, CodeIndexFailure, "x") != nil {
		t.Error("WrapTransient(nil) returned non-nil")
	}
}

func TestWrapPreservesChain(t *testing.T) {
	inner := errors.New("disk full")
	err := WrapTransient(inner, CodeIndexFailure, "upserting points")
	if !errors.Is(err, inner) {
		t.Error("wrapped error lost the original in its chain")
	}
	if !IsTransient(err) {
		t.Error("wrapped transient error not reported as transient")
	}
	if CodeOf(err) != CodeIndexFailure {
		t.Errorf("CodeOf = %q, want %q", CodeOf(err), CodeIndexFailure)
	}
}

func TestWrapPermanentSurvivesFmtWrapping(t *testing.T) {
	err := Permanent(CodeTargetMismatch, "entity belongs to another project")
	outer := fmt.Errorf("syncing target: %w", err)
	if !IsPermanent(outer) {
		t.Error("permanent marker lost after fmt.Errorf wrapping")
	}
	if CodeOf(outer) != CodeTargetMismatch {
		t.Errorf("CodeOf = %q, want %q", CodeOf(outer), CodeTargetMismatch)
	}
}

func TestIsNotFound(t *testing.T) {
	if !IsNotFound(Permanent(CodeTargetNotFound, "gone")) {
		t.Error("IsNotFound false for target_not_found code")
	}
	if IsNotFound(Transient(CodeEmbedFailure, "busy")) {
		t.Error("IsNotFound true for embed failure")
	}
	if IsNotFound(nil) {
		t.Error("IsNotFound true for nil")
	}
}
