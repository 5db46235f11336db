package usage

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUnit_SameNameSameHandle(t *testing.T) {
	a := Unit("example.com/app#a.go")
	assert.Same(t, a, Unit("example.com/app#a.go"))
	assert.NotSame(t, a, Unit("example.com/app#b.go"))
	assert.Equal(t, "program", a.Domain().Name())
}
