package main

import "testing"

func TestCmdInternalResolve_RejectsWrongArgCount(t *testing.T) {
	if got := cmdInternalResolve([]string{"only-chain-id"}); got != failure {
		t.Fatalf("cmdInternalResolve(1 arg) = %d, want %d", got, failure)
	}
	if got := cmdInternalResolve([]string{"chain", "1", "extra"}); got != failure {
		t.Fatalf("cmdInternalResolve(3 args) = %d, want %d", got, failure)
	}
}

func TestCmdInternalResolve_RejectsNonNumericRound(t *testing.T) {
	if got := cmdInternalResolve([]string{"chain-id", "not-a-number"}); got != failure {
		t.Fatalf("cmdInternalResolve(bad round) = %d, want %d", got, failure)
	}
}
