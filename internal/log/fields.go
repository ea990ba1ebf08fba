package log

// Common field names for structured logging
const (
	FieldComponent    = "component"
	FieldRequestID    = "request_id"
	FieldMethod       = "method"
	FieldPath         = "path"
	FieldStatusCode   = "status_code"
	FieldDuration     = "duration_ms"
	FieldError        = "error"
	FieldActor        = "actor"
	FieldAttendanceID = "attendance_id"
	FieldStudentID    = "student_id"
	FieldClassID      = "class_id"
	FieldStatus       = "status"
	FieldExcused      = "is_excused"
	FieldCategory     = "category"
	FieldPolicyID     = "policy_id"
	FieldDeductionID  = "deduction_id"
	FieldDeductions   = "deductions_count"
	FieldAmount       = "amount"
	FieldBalance      = "balance_after"
	FieldStreak       = "consecutive_count"
	FieldThreshold    = "threshold"
	FieldProposalID   = "proposal_id"
	FieldProposalCode = "proposal_code"
)

// Components defines standard component names
const (
	ComponentApp       = "app"
	ComponentHTTP      = "http"
	ComponentFee       = "fee"
	ComponentStorage   = "storage"
	ComponentAMQP      = "amqp"
	ComponentScheduler = "scheduler"
)
