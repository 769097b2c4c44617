package wire

import (
	"strconv"

	pg_query "github.com/pganalyze/pg_query_go/v5"
)

// StatementKind classifies a parsed SQL statement into the coarse buckets
// the dispatcher routes on. It mirrors the CmdType/TransactionStmtKind
// switch a real Postgres-wire proxy performs against pg_query's parse tree
// rather than sniffing keywords by hand.
type StatementKind int

const (
	StatementUnknown StatementKind = iota
	StatementSelect
	StatementInsert
	StatementUpdate
	StatementDelete
	StatementDDL
	StatementBegin
	StatementCommit
	StatementRollback
	StatementDeallocate
)

func (k StatementKind) String() string {
	switch k {
	case StatementSelect:
		return "SELECT"
	case StatementInsert:
		return "INSERT"
	case StatementUpdate:
		return "UPDATE"
	case StatementDelete:
		return "DELETE"
	case StatementDDL:
		return "DDL"
	case StatementBegin:
		return "BEGIN"
	case StatementCommit:
		return "COMMIT"
	case StatementRollback:
		return "ROLLBACK"
	case StatementDeallocate:
		return "DEALLOCATE"
	default:
		return "UNKNOWN"
	}
}

// Classify parses sql with pg_query and returns its StatementKind. A parse
// failure is returned verbatim; the caller decides whether to surface it as
// a SqlError or retry as a stale plan.
func Classify(sql string) (StatementKind, error) {
	tree, err := pg_query.Parse(sql)
	if err != nil {
		return StatementUnknown, err
	}

	if len(tree.Stmts) == 0 {
		return StatementUnknown, nil
	}

	stmt := tree.Stmts[0].Stmt

	switch {
	case stmt.GetSelectStmt() != nil:
		return StatementSelect, nil
	case stmt.GetInsertStmt() != nil:
		return StatementInsert, nil
	case stmt.GetUpdateStmt() != nil:
		return StatementUpdate, nil
	case stmt.GetDeleteStmt() != nil:
		return StatementDelete, nil
	case stmt.GetExplainStmt() != nil:
		return StatementSelect, nil
	case stmt.GetVariableShowStmt() != nil:
		return StatementSelect, nil
	case stmt.GetTransactionStmt() != nil:
		return classifyTransaction(stmt.GetTransactionStmt().Kind)
	case stmt.GetDeallocateStmt() != nil:
		return StatementDeallocate, nil
	case stmt.GetCreateStmt() != nil,
		stmt.GetAlterTableStmt() != nil,
		stmt.GetCreateRoleStmt() != nil,
		stmt.GetAlterRoleStmt() != nil,
		stmt.GetDropStmt() != nil,
		stmt.GetIndexStmt() != nil,
		stmt.GetTruncateStmt() != nil:
		return StatementDDL, nil
	default:
		return StatementUnknown, nil
	}
}

func classifyTransaction(kind pg_query.TransactionStmtKind) (StatementKind, error) {
	switch kind {
	case pg_query.TransactionStmtKind_TRANS_STMT_BEGIN, pg_query.TransactionStmtKind_TRANS_STMT_START:
		return StatementBegin, nil
	case pg_query.TransactionStmtKind_TRANS_STMT_COMMIT:
		return StatementCommit, nil
	case pg_query.TransactionStmtKind_TRANS_STMT_ROLLBACK:
		return StatementRollback, nil
	default:
		return StatementUnknown, nil
	}
}

// CommandTag derives the COMMAND_COMPLETE tag for a classified statement,
// optionally including the affected row count for row-producing commands.
func CommandTag(kind StatementKind, rowsAffected int64) string {
	switch kind {
	case StatementSelect:
		return formatTag("SELECT", rowsAffected)
	case StatementInsert:
		return insertTag(rowsAffected)
	case StatementUpdate:
		return updateTag(rowsAffected)
	case StatementDelete:
		return deleteTag(rowsAffected)
	case StatementBegin:
		return "BEGIN"
	case StatementCommit:
		return "COMMIT"
	case StatementRollback:
		return "ROLLBACK"
	case StatementDeallocate:
		return "DEALLOCATE"
	default:
		return "OK"
	}
}

func insertTag(n int64) string {
	return formatTag("INSERT 0", n)
}

func updateTag(n int64) string {
	return formatTag("UPDATE", n)
}

func deleteTag(n int64) string {
	return formatTag("DELETE", n)
}

func formatTag(prefix string, n int64) string {
	return prefix + " " + strconv.FormatInt(n, 10)
}
