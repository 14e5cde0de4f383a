package handler

import (
	"context"
	"errors"
	"fmt"

	"github.com/pgmanage/dbconsole/core"
)

var errSearchNotSupported = errors.New("object search is not supported by this database")

func (h *Handler) search(op *operation, req *SearchRequest) {
	op.failAs = ResponseAdvancedObjectSearchResult

	op.run = func(ctx context.Context) error {
		db, err := h.database(ctx, op, true)
		if err != nil {
			return err
		}
		searcher, ok := db.(core.ObjectSearcher)
		if !ok {
			return fmt.Errorf("%s: %w", db.Type(), errSearchNotSupported)
		}

		table, err := searcher.SearchObjects(ctx, &core.SearchOptions{
			Text:          req.Text,
			CaseSensitive: req.CaseSensitive,
			Regex:         req.Regex,
			Categories:    req.Categories,
		})
		if err != nil {
			return err
		}

		op.worker.push(ResponseAdvancedObjectSearchResult, &SearchResult{
			ColNames: columnsOf(table),
			Data:     table.Data(),
		})
		return nil
	}
}
