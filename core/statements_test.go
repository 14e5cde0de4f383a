package core

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSplitStatements(t *testing.T) {
	testCases := []struct {
		name     string
		script   string
		expected []string
	}{
		{
			name:     "simple",
			script:   "select 1; select 2;",
			expected: []string{"select 1", "select 2"},
		},
		{
			name:     "quoted semicolons",
			script:   `select ';' as "a;b"; select 'it''s; fine'`,
			expected: []string{`select ';' as "a;b"`, `select 'it''s; fine'`},
		},
		{
			name:     "comments",
			script:   "select 1 -- a;b\n; /* x; y */ select 2",
			expected: []string{"select 1 -- a;b", "/* x; y */ select 2"},
		},
		{
			name:   "dollar quoted body",
			script: "create function f() returns int as $body$ begin return 1; end $body$ language plpgsql; select $1",
			expected: []string{
				"create function f() returns int as $body$ begin return 1; end $body$ language plpgsql",
				"select $1",
			},
		},
		{
			name:     "meta command",
			script:   "\\dt\nselect 1;",
			expected: []string{`\dt`, "select 1"},
		},
		{
			name:     "empty",
			script:   " ; ;\n",
			expected: nil,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.expected, SplitStatements(tc.script))
		})
	}
}

func TestFirstKeyword(t *testing.T) {
	r := require.New(t)

	r.Equal("select", FirstKeyword("  SELECT 1"))
	r.Equal("insert", FirstKeyword("-- note\n/* c */ insert into t values (1)"))
	r.Equal("with", FirstKeyword("(with x as (select 1) select * from x)"))
	r.Equal("", FirstKeyword("-- only a comment"))
	r.True(IsMetaCommand(` \d users`))
	r.False(IsMetaCommand("select '\\'"))
}
