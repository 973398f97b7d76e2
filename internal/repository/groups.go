package repository

import (
	"strings"

	"github.com/go-tick/jobstore/internal/model"
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// groupClause translates a group filter into a predicate on column.
func groupClause(column string, filter model.GroupFilter) (string, []any) {
	like := column + ` LIKE ? ESCAPE '\'`
	value := likeEscaper.Replace(filter.Value)

	switch filter.Operator {
	case model.GroupEquals:
		return column + " = ?", []any{filter.Value}
	case model.GroupStartsWith:
		return like, []any{value + "%"}
	case model.GroupEndsWith:
		return like, []any{"%" + value}
	case model.GroupContains:
		return like, []any{"%" + value + "%"}
	default:
		return "1 = 1", nil
	}
}
