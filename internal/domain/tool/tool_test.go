package tool

import "testing"

func TestResultAccessors(t *testing.T) {
	ok := Success("page")
	if ok.ErrorCode() != "" || ok.ErrorMessage() != "" {
		t.Fatal("success should not carry an error")
	}
	failed := Failure(ErrTimeout, "deadline exceeded")
	if failed.OK || failed.ErrorCode() != ErrTimeout || failed.ErrorMessage() != "deadline exceeded" {
		t.Fatalf("unexpected failure %+v", failed)
	}
	if failed.Error.Error() != "TIMEOUT: deadline exceeded" {
		t.Fatalf("unexpected error string %q", failed.Error.Error())
	}
}

func TestInvocationStatusFinal(t *testing.T) {
	final := map[InvocationStatus]bool{
		InvocationPending:          false,
		InvocationRunning:          false,
		InvocationAwaitingApproval: false,
		InvocationSucceeded:        true,
		InvocationFailed:           true,
		InvocationCancelled:        true,
	}
	for status, want := range final {
		if status.IsFinal() != want {
			t.Errorf("%s: IsFinal = %v, want %v", status, !want, want)
		}
	}
}

func TestApprovalRequestClone(t *testing.T) {
	req := &ApprovalRequest{ID: "a1", Status: ApprovalApproved}
	cp := req.Clone()
	cp.Status = ApprovalRejected
	if !req.Approved() || cp.Approved() {
		t.Fatal("clone should be independent")
	}
	if ApprovalPending.IsResolved() || !ApprovalExpired.IsResolved() {
		t.Fatal("unexpected IsResolved")
	}
}
