package authz

const (
	RoleAdmin     = "admin"
	RoleChairman  = "chairman"
	RoleBoard     = "board"
	RoleTreasurer = "treasurer"
	RoleMember    = "member"
	RoleAnonymous = "anonymous"
)

const (
	ActionSelect = "select"
	ActionInsert = "insert"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionCount  = "count"
	ActionExists = "exists"
	ActionRaw    = "raw"
)

// Grant aliases accepted in the matrix file.
const (
	aliasRead  = "read"
	aliasWrite = "write"
)

const (
	TableMembers       = "members"
	TableApartments    = "apartments"
	TableInvoices      = "invoices"
	TableMonthlyFees   = "monthly_fees"
	TableCases         = "cases"
	TableDocuments     = "documents"
	TableBoardMeetings = "board_meetings"
	TableBookings      = "bookings"
	TableAuditEntries  = "audit_entries"
	TableRaw           = "raw"
)

const (
	ColumnTenantID = "tenant_id"
	ColumnID       = "id"
	ColumnRole     = "role"
)

var allActions = []string{ActionSelect, ActionInsert, ActionUpdate, ActionDelete, ActionCount, ActionExists, ActionRaw}

func IsAction(action string) bool {
	for _, a := range allActions {
		if a == action {
			return true
		}
	}
	return false
}

func IsWriteAction(action string) bool {
	switch action {
	case ActionInsert, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

func expandAlias(action string) []string {
	switch action {
	case aliasRead:
		return []string{ActionSelect, ActionCount, ActionExists}
	case aliasWrite:
		return []string{ActionInsert, ActionUpdate, ActionDelete}
	default:
		return []string{action}
	}
}
