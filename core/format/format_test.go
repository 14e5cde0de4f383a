package format_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pgmanage/dbconsole/core"
	"github.com/pgmanage/dbconsole/core/format"
)

func sampleTable(t *testing.T) *core.DataTable {
	t.Helper()
	table := core.NewDataTable("t", false, true)
	require.NoError(t, table.AddColumn("id"))
	require.NoError(t, table.AddColumn("name"))
	require.NoError(t, table.AddRow(core.Row{1, "alice"}))
	require.NoError(t, table.AddRow(core.Row{2, nil}))
	return table
}

func TestTable(t *testing.T) {
	r := require.New(t)

	out, err := format.NewTable().Format(sampleTable(t), &core.FormatterOptions{ChunkStart: 10})
	r.NoError(err)

	text := string(out)
	r.Contains(text, "id")
	r.Contains(text, "alice")
	r.Contains(text, "NULL")
	// row numbers continue from the chunk start
	r.Contains(text, "11")
	r.Contains(text, "12")
}

func TestCSV(t *testing.T) {
	r := require.New(t)

	out, err := format.NewCSV().Format(sampleTable(t), nil)
	r.NoError(err)
	r.Equal("id,name\n1,alice\n2,\n", string(out))

	out, err = format.NewCSV().Format(sampleTable(t), &core.FormatterOptions{ChunkStart: 2})
	r.NoError(err)
	r.False(strings.HasPrefix(string(out), "id,name"))
}

func TestJSON(t *testing.T) {
	r := require.New(t)

	out, err := format.NewJSON().Format(sampleTable(t), nil)
	r.NoError(err)
	r.JSONEq(`[{"id":1,"name":"alice"},{"id":2,"name":null}]`, string(out))
}

func TestByName(t *testing.T) {
	r := require.New(t)

	f, err := format.ByName("")
	r.NoError(err)
	r.IsType(&format.Table{}, f)

	_, err = format.ByName("xlsx")
	r.Error(err)
}
