package main

import "testing"

func TestCmdStatus_RejectsMissingChainID(t *testing.T) {
	if got := cmdStatus(nil); got != failure {
		t.Fatalf("cmdStatus(nil) = %d, want %d", got, failure)
	}
}

func TestCmdStatus_RejectsInvalidWatchInterval(t *testing.T) {
	if got := cmdStatus([]string{"chain-id", "not-a-number"}); got != failure {
		t.Fatalf("cmdStatus(bad interval) = %d, want %d", got, failure)
	}
}
