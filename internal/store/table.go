package store

import (
	"errors"
	"fmt"
	"strings"
	"unicode"
)

// ErrUnknownTable is returned for operations on a table with no descriptor.
var ErrUnknownTable = errors.New("unknown table")

// Column maps a snake_case SQL column to the camelCase record key used by
// callers and the UI boundary.
type Column struct {
	Name  string
	Field string
}

// Table describes a table's columns once, in Go. SQL is only ever built from
// these declared names, never from caller-supplied keys.
type Table struct {
	Name    string
	Columns []Column

	byField map[string]string
}

func newTable(name string, columns ...string) *Table {
	t := &Table{Name: name, byField: make(map[string]string, len(columns))}
	for _, c := range columns {
		col := Column{Name: c, Field: snakeToCamel(c)}
		t.Columns = append(t.Columns, col)
		t.byField[col.Field] = col.Name
	}
	return t
}

// Column returns the SQL column for a record field.
func (t *Table) Column(field string) (string, bool) {
	c, ok := t.byField[field]
	return c, ok
}

// ColumnList returns the comma-separated column names in declaration order.
func (t *Table) ColumnList() string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return strings.Join(names, ", ")
}

// Declared tables of the per-user database.
var (
	SessionsTable = newTable("sessions",
		"session_id", "contact_id", "contact_type", "contact_name", "contact_avatar",
		"last_msg_content", "last_msg_time", "unread_count", "is_pinned", "is_muted",
		"status", "member_count", "my_role", "updated_at")

	MessagesTable = newTable("messages",
		"id", "session_id", "sequence_id", "msg_id", "sender_id", "sender_name",
		"msg_type", "text", "ext_data", "send_time", "is_read", "is_recalled", "created_at")

	ApplicationsTable = newTable("contact_applications",
		"apply_id", "apply_user_id", "target_id", "contact_type", "status",
		"apply_info", "last_apply_time")

	ProfilesTable = newTable("profiles",
		"target_id", "contact_type", "nickname", "nick_version", "avatar_version",
		"avatar_original_path", "avatar_thumb_path", "last_nick_update", "last_avatar_update")

	OutboxTable = newTable("outbox",
		"id", "client_msg_id", "session_id", "target_id", "contact_type", "body",
		"status", "error_message", "created_at", "updated_at")

	SyncStateTable = newTable("sync_state", "key", "value", "updated_at")
)

var tables = map[string]*Table{}

// columnFields maps every declared column to its record key; used to translate
// result sets whatever query produced them.
var columnFields = map[string]string{}

func init() {
	for _, t := range []*Table{SessionsTable, MessagesTable, ApplicationsTable, ProfilesTable, OutboxTable, SyncStateTable} {
		tables[t.Name] = t
		for _, c := range t.Columns {
			columnFields[c.Name] = c.Field
		}
	}
}

// LookupTable returns the descriptor for name.
func LookupTable(name string) (*Table, error) {
	t, ok := tables[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTable, name)
	}
	return t, nil
}

func fieldFor(column string) string {
	if f, ok := columnFields[column]; ok {
		return f
	}
	return snakeToCamel(column)
}

func snakeToCamel(s string) string {
	var b strings.Builder
	upper := false
	for _, r := range s {
		if r == '_' {
			upper = b.Len() > 0
			continue
		}
		if upper {
			b.WriteRune(unicode.ToUpper(r))
			upper = false
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
