package audit

import "time"

// audited actions
const (
	ActionCreate   = "create"
	ActionUpdate   = "update"
	ActionDelete   = "delete"
	ActionRecord   = "record"
	ActionGenerate = "generate"
	ActionVoid     = "void"
	ActionApply    = "apply"
	ActionRefund   = "refund"
	ActionTransfer = "transfer"
	ActionSubmit   = "submit"
	ActionDecide   = "decide"
	ActionImport   = "import"
	ActionRun      = "run"
)

type Entry struct {
	ID        int       `json:"id"`
	SchoolID  int       `json:"-"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Entity    string    `json:"entity"`
	EntityID  string    `json:"entity_id"`
	Detail    string    `json:"detail"`
	IP        string    `json:"ip"`
	CreatedAt time.Time `json:"created_at"`
}

type QueryFilter struct {
	SchoolID int       `query:"-"`
	Entity   string    `query:"entity"`
	Actor    string    `query:"actor"`
	From     time.Time `query:"from"`
	To       time.Time `query:"to"`
	Limit    int       `query:"limit"`
}
