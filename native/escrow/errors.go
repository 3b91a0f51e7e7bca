package escrow

import "errors"

// ErrorKind groups engine failures by how a caller should react to them.
type ErrorKind uint8

const (
	KindUnknown ErrorKind = iota
	// KindValidation marks malformed input rejected before any mutation.
	KindValidation
	// KindAuthorization marks a caller that is not permitted to act.
	KindAuthorization
	// KindConflict marks a request that clashes with current agreement state.
	KindConflict
	// KindTransfer marks a value transfer that could not complete.
	KindTransfer
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthorization:
		return "authorization"
	case KindConflict:
		return "conflict"
	case KindTransfer:
		return "transfer"
	default:
		return "unknown"
	}
}

// Error is a machine-checkable engine failure. Code is stable across releases
// and Message mirrors the revert strings clients already display.
type Error struct {
	Code    string
	Kind    ErrorKind
	Message string
}

func (e *Error) Error() string {
	return "escrow: " + e.Message
}

func newError(code string, kind ErrorKind, message string) *Error {
	return &Error{Code: code, Kind: kind, Message: message}
}

var (
	ErrInvalidFreelancer  = newError("InvalidFreelancer", KindValidation, "Invalid freelancer address")
	ErrInvalidClient      = newError("InvalidClient", KindValidation, "Custody vault cannot act as client")
	ErrSameParty          = newError("SameParty", KindValidation, "Client and freelancer cannot be the same")
	ErrAmountMismatch     = newError("AmountMismatch", KindValidation, "Sent value must equal total milestone amounts")
	ErrEmptyMilestoneList = newError("EmptyMilestoneList", KindValidation, "At least one milestone is required")
	ErrLengthMismatch     = newError("LengthMismatch", KindValidation, "Amounts and descriptions length mismatch")
	ErrInvalidAmount      = newError("InvalidAmount", KindValidation, "Milestone amount must be positive and fit in 256 bits")
	ErrTooManyMilestones  = newError("TooManyMilestones", KindValidation, "Too many milestones")
	ErrDescriptionTooLong = newError("DescriptionTooLong", KindValidation, "Milestone description too long")
	ErrIndexOutOfRange    = newError("IndexOutOfRange", KindValidation, "Invalid milestone index")
	ErrNotFound           = newError("NotFound", KindValidation, "Contract does not exist")

	ErrNotClient  = newError("NotClient", KindAuthorization, "Only client can call this function")
	ErrNotAParty  = newError("NotAParty", KindAuthorization, "Only contract parties can call this function")
	ErrNotArbiter = newError("NotArbiter", KindAuthorization, "Only the arbiter can call this function")

	ErrAlreadyReleased   = newError("AlreadyReleased", KindConflict, "Milestone already released")
	ErrDisputed          = newError("Disputed", KindConflict, "Milestone is disputed")
	ErrAgreementInactive = newError("AgreementInactive", KindConflict, "Contract is not active")
	ErrNotDisputed       = newError("NotDisputed", KindConflict, "Milestone is not disputed")

	ErrTransferFailed    = newError("TransferFailed", KindTransfer, "Transfer failed")
	ErrInsufficientFunds = newError("InsufficientFunds", KindTransfer, "Insufficient balance")
)

// KindOf returns the kind of the first engine error in err's chain.
func KindOf(err error) ErrorKind {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Kind
	}
	return KindUnknown
}

// CodeOf returns the stable code of the first engine error in err's chain, or
// an empty string for infrastructure failures.
func CodeOf(err error) string {
	var engineErr *Error
	if errors.As(err, &engineErr) {
		return engineErr.Code
	}
	return ""
}
