package main

import "testing"

func TestRun_NoArgsPrintsUsageAndFails(t *testing.T) {
	if got := run(nil); got != failure {
		t.Fatalf("run(nil) = %d, want %d", got, failure)
	}
}

func TestRun_UnknownSubcommandFails(t *testing.T) {
	if got := run([]string{"frobnicate"}); got != failure {
		t.Fatalf("run([frobnicate]) = %d, want %d", got, failure)
	}
}

func TestRun_HelpSucceeds(t *testing.T) {
	for _, flag := range []string{"-h", "--help", "help"} {
		if got := run([]string{flag}); got != success {
			t.Fatalf("run([%s]) = %d, want %d", flag, got, success)
		}
	}
}
