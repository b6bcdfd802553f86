package errors

import (
	"fmt"
	"testing"
)

func TestExitCodeUsesTypedCode(t *testing.T) {
	err := fmt.Errorf("start environment: %w", New(CodeDeploy, "deployment failed"))
	if got := ExitCode(err); got != int(CodeDeploy) {
		t.Fatalf("expected exit code %d, got %d", CodeDeploy, got)
	}
	if got := ExitCode(fmt.Errorf("plain")); got != int(CodeInternal) {
		t.Fatalf("expected internal exit code, got %d", got)
	}
	if got := ExitCode(nil); got != 0 {
		t.Fatalf("expected zero exit code, got %d", got)
	}
}

func TestIsFindsNestedCode(t *testing.T) {
	inner := New(CodeArtifactNotFound, "broadcast file missing")
	outer := Wrap(CodeStartup, "start environment", inner)
	if !Is(outer, CodeArtifactNotFound) {
		t.Fatal("expected nested artifact code to be found")
	}
	if !Is(outer, CodeStartup) {
		t.Fatal("expected outer code to be found")
	}
	if Is(outer, CodeRevert) {
		t.Fatal("did not expect revert code")
	}
}

func TestStageNames(t *testing.T) {
	cases := map[Code]string{
		CodeStartup:          "start",
		CodeDeploy:           "deploy",
		CodeArtifactNotFound: "resolve",
		CodeRevert:           "runtime",
		CodeInternal:         "internal",
	}
	for code, want := range cases {
		if got := Stage(code); got != want {
			t.Fatalf("Stage(%d): expected %q, got %q", code, want, got)
		}
	}
}
