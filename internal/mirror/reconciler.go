package mirror

// Action is the reconciliation decision for one incoming entity.
type Action int

const (
	// ActionSkip discards the incoming payload as stale or duplicate.
	ActionSkip Action = iota
	// ActionInsert stores the incoming payload as a new row.
	ActionInsert
	// ActionUpdate overwrites the stored row with the incoming payload.
	ActionUpdate
)

// String renders the action for logs and summaries.
func (a Action) String() string {
	switch a {
	case ActionInsert:
		return "insert"
	case ActionUpdate:
		return "update"
	default:
		return "skip"
	}
}

// Mutated reports whether the action writes to the store.
func (a Action) Mutated() bool {
	return a == ActionInsert || a == ActionUpdate
}

// Reconcile decides what to do with an incoming entity version given the
// stored one. The gate is strict: an incoming version equal to the stored
// version is a duplicate and is skipped, which is what makes replaying a
// delta or an out-of-order webhook delivery safe.
func Reconcile(exists bool, storedVersion, incomingVersion int64) Action {
	switch {
	case !exists:
		return ActionInsert
	case incomingVersion > storedVersion:
		return ActionUpdate
	default:
		return ActionSkip
	}
}
