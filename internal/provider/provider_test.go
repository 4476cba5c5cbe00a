package provider

import (
	"bytes"
	"errors"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestStatus_Counts(t *testing.T) {
	t.Parallel()

	s := &Status{}
	if s.Success() {
		t.Error("empty status must not be a success")
	}

	s.Add(Result{Completed: true, Recipient: "a@example.com"})
	if !s.Success() {
		t.Error("single completed result should be a success")
	}

	s.Add(Result{Completed: false, Recipient: "b@example.com", Code: 550})
	if s.CompletedCount() != 1 {
		t.Errorf("CompletedCount: got %d, want 1", s.CompletedCount())
	}
	if s.FailedCount() != 1 {
		t.Errorf("FailedCount: got %d, want 1", s.FailedCount())
	}
	if s.Success() {
		t.Error("status with a failure must not be a success")
	}
}

func TestStatus_ReportClearsResults(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	s := &Status{}
	s.Add(Result{
		Completed: true,
		Timestamp: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC),
		Recipient: "me@example.com",
		Subject:   "You've got Mail!",
	})
	s.Add(Result{Recipient: "other@example.com", Code: 550, Reason: "mailbox unavailable"})

	s.Report(logger)

	if len(s.Results) != 0 {
		t.Fatalf("Results after Report: got %d, want 0", len(s.Results))
	}

	out := buf.String()
	for _, want := range []string{
		"success=1",
		"failed=1",
		"recipient=me@example.com",
		`date="January 01, 2024 12:00:00"`,
		"code=550",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}

func TestError_Format(t *testing.T) {
	t.Parallel()

	base := errors.New("boom")
	err := &Error{Stage: StageConnect, Code: 421, ErrorCode: "4.3.2", Reason: "try later", Err: base}

	if !errors.Is(err, base) {
		t.Error("Error should unwrap to the cause")
	}
	want := "connect failed (status 421, error 4.3.2): try later"
	if err.Error() != want {
		t.Errorf("Error(): got %q, want %q", err.Error(), want)
	}

	plain := &Error{Stage: StageSend, Reason: "no recipients accepted"}
	if plain.Error() != "send failed (status 0): no recipients accepted" {
		t.Errorf("Error(): got %q", plain.Error())
	}
}
