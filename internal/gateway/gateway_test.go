package gateway_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ladderctl/ladderctl/internal/gateway"
)

func TestDependencyAfterAny_JoinsKindAndIDs(t *testing.T) {
	assert.Equal(t, "afterany:100:101:102", gateway.DependencyAfterAny([]string{"100", "101", "102"}))
}

func TestDependencyAfterOK_SingleID(t *testing.T) {
	assert.Equal(t, "afterok:100", gateway.DependencyAfterOK([]string{"100"}))
}

func TestDependencyAfterNotOK_SingleID(t *testing.T) {
	assert.Equal(t, "afternotok:100", gateway.DependencyAfterNotOK([]string{"100"}))
}

func TestDependencyAfterAny_EmptyIsEmptyString(t *testing.T) {
	assert.Equal(t, "", gateway.DependencyAfterAny(nil))
}
