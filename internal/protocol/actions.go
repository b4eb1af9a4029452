package protocol

// Action is the closed set of request actions.
type Action int

const (
	ActionUnknown Action = iota
	ActionRegister
	ActionUpdate
	ActionQuery
	ActionDate
)

var actionNames = map[string]Action{
	"register": ActionRegister,
	"update":   ActionUpdate,
	"query":    ActionQuery,
	"date":     ActionDate,
}

// ParseAction resolves a wire action name.
func ParseAction(name string) (Action, bool) {
	a, ok := actionNames[name]
	return a, ok
}

func (a Action) String() string {
	switch a {
	case ActionRegister:
		return "register"
	case ActionUpdate:
		return "update"
	case ActionQuery:
		return "query"
	case ActionDate:
		return "date"
	default:
		return "unknown"
	}
}
