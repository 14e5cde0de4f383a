package adapters

import (
	"fmt"
	nurl "net/url"
	"strconv"
	"strings"
)

// switchPath replaces the database part of a url path.
func switchPath(url, name string) (string, error) {
	u, err := nurl.Parse(url)
	if err != nil {
		return "", fmt.Errorf("could not parse db connection string: %w", err)
	}
	u.Path = "/" + name
	u.RawPath = ""
	return u.String(), nil
}

// switchQuery replaces a query parameter of a url.
func switchQuery(url, key, name string) (string, error) {
	u, err := nurl.Parse(url)
	if err != nil {
		return "", fmt.Errorf("could not parse db connection string: %w", err)
	}
	q := u.Query()
	q.Set(key, name)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// numericPID returns pid as a number, 0 for anything else. Backend ids
// end up in sql text, so nothing but digits may pass.
func numericPID(pid string) int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(pid), 10, 64)
	if err != nil || n < 0 {
		return 0
	}
	return n
}

// quoteLiteral renders s as a single quoted sql string.
func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// trimStatement strips whitespace and trailing semicolons so the statement
// can be wrapped in a subquery.
func trimStatement(query string) string {
	return strings.TrimRight(strings.TrimSpace(query), "; \t\n")
}

func subqueryNoRows(query string) string {
	return fmt.Sprintf("SELECT * FROM (%s) AS t LIMIT 0", trimStatement(query))
}

// trimScheme drops a leading "scheme://" for drivers which expect plain paths.
func trimScheme(url string, schemes ...string) string {
	for _, s := range schemes {
		if after, ok := strings.CutPrefix(url, s+"://"); ok {
			return after
		}
	}
	return url
}
