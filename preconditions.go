package keycard

import "fmt"

// Condition is a prerequisite a command places on the session state.
// Conditions are checked before anything is serialized or transmitted, so a
// command invoked too early never reaches the card.
type Condition int

const (
	// ConditionApplicationSelected requires a successful Select.
	ConditionApplicationSelected Condition = iota

	// ConditionApplicationInitialized requires the selected application to
	// have credentials, i.e. Init has run at some point.
	ConditionApplicationInitialized

	// ConditionSecureChannel requires an open, mutually authenticated secure
	// channel.
	ConditionSecureChannel

	// ConditionPINVerified requires a successful VerifyPIN on the current
	// secure channel.
	ConditionPINVerified
)

func (condition Condition) String() string {

	switch condition {
	case ConditionApplicationSelected:
		return "application selected"
	case ConditionApplicationInitialized:
		return "application initialized"
	case ConditionSecureChannel:
		return "secure channel open"
	case ConditionPINVerified:
		return "pin verified"
	default:
		return fmt.Sprintf("condition %d", int(condition))
	}

}

// PreconditionError reports a command invoked before the session state it
// depends on was established. Nothing was sent to the card.
type PreconditionError struct {

	// Condition is the first prerequisite the session did not satisfy.
	Condition Condition
}

func (preconditionError *PreconditionError) Error() string {
	return fmt.Sprintf("precondition not met: %s", preconditionError.Condition)
}

// require checks the given conditions in order and returns a
// PreconditionError naming the first one the session does not satisfy.
func (session *Session) require(conditions ...Condition) error {

	for _, condition := range conditions {
		if !session.satisfies(condition) {
			return &PreconditionError{Condition: condition}
		}
	}

	return nil

}

func (session *Session) satisfies(condition Condition) bool {

	switch condition {
	case ConditionApplicationSelected:
		return session.applicationInfo != nil
	case ConditionApplicationInitialized:
		return session.applicationInfo != nil && session.applicationInfo.Initialized
	case ConditionSecureChannel:
		return session.secureChannel.Authenticated()
	case ConditionPINVerified:
		return session.pinVerified
	default:
		return false
	}

}
