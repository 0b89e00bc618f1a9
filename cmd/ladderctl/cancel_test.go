package main

import "testing"

func TestCmdCancelChain_RejectsMissingChainID(t *testing.T) {
	if got := cmdCancelChain(nil); got != failure {
		t.Fatalf("cmdCancelChain(nil) = %d, want %d", got, failure)
	}
}
