package core

import "fmt"

// ReadBlock moves up to n rows from the stream into a new table.
// A limit below 1 reads the whole stream.
func ReadBlock(stream ResultStream, n int, allTypesStr, simple bool) (*DataTable, error) {
	table := NewDataTable("", allTypesStr, simple)
	for _, col := range stream.Header() {
		// some drivers report duplicate names (select 1 a, 2 a)
		name := col
		for i := 2; ; i++ {
			if err := table.AddColumn(name); err == nil {
				break
			}
			name = fmt.Sprintf("%s_%d", col, i)
		}
	}

	for n < 1 || table.Len() < n {
		if !stream.HasNext() {
			break
		}
		row, err := stream.Next()
		if err != nil {
			return nil, err
		}
		if row == nil {
			break
		}
		if err := table.AddRow(row); err != nil {
			return nil, err
		}
	}

	return table, nil
}
