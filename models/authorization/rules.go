package authorization

// Action is a state-changing operation that requires an authenticated caller.
type Action string

const (
	ToggleMinting      Action = "toggleMinting"
	ModifyWhitelist    Action = "modifyWhitelist"
	SetAssertionMethod Action = "setAssertionMethod"
	Revoke             Action = "revoke"
)

type Role int

const (
	// Any authenticated caller, acting for itself.
	Anyone Role = iota
	Admin
)

// Rule binds an Action to the Role allowed to perform it.
type Rule struct {
	Action Action
	Role   Role
}

var rules = []Rule{
	{ToggleMinting, Admin},
	{ModifyWhitelist, Admin},
	{SetAssertionMethod, Anyone},
	{Revoke, Anyone},
}

// RoleFor returns the role required for an action. Unknown actions are
// reported with ok == false.
func RoleFor(a Action) (role Role, ok bool) {
	for _, r := range rules {
		if r.Action == a {
			return r.Role, true
		}
	}
	return Anyone, false
}
