package dump

import (
	"fmt"
	"strings"

	rqlitesql "github.com/rqlite/sql"
)

// ValidateStatement parses a schema statement with the SQLite grammar and
// rejects anything that is not a CREATE for a table, index, view or trigger.
func ValidateStatement(stmt string) error {
	parser := rqlitesql.NewParser(strings.NewReader(stmt))
	ast, err := parser.ParseStatement()
	if err != nil {
		return fmt.Errorf("unparseable schema statement: %w", err)
	}

	switch ast.(type) {
	case *rqlitesql.CreateTableStatement,
		*rqlitesql.CreateIndexStatement,
		*rqlitesql.CreateViewStatement,
		*rqlitesql.CreateTriggerStatement:
		return nil
	default:
		return fmt.Errorf("unexpected schema statement type %T", ast)
	}
}
