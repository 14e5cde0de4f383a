package builders_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pgmanage/dbconsole/core"
	"github.com/pgmanage/dbconsole/core/builders"
)

func TestResultStream_NextNil(t *testing.T) {
	r := require.New(t)

	closed := 0
	stream := builders.NewResultStreamBuilder().
		WithNextFunc(builders.NextNil()).
		WithMeta(&core.Meta{Status: "CREATE TABLE"}).
		WithCloseFunc(func() { closed++ }).
		Build()

	r.False(stream.HasNext())
	r.Equal("CREATE TABLE", stream.Meta().Status)

	_, err := stream.Next()
	r.Error(err)
	r.Equal(1, closed)

	stream.Close()
	r.Equal(1, closed)
}
