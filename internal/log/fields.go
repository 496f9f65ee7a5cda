package log

// Common field names for structured logging
const (
	FieldComponent   = "component"
	FieldRequestID   = "request_id"
	FieldClientIP    = "client_ip"
	FieldMethod      = "method"
	FieldPath        = "path"
	FieldStatusCode  = "status_code"
	FieldDuration    = "duration_ms"
	FieldError       = "error"
	FieldOperation   = "operation"
	FieldUserID      = "user_id"
	FieldUsername    = "username"
	FieldExpenseID   = "expense_id"
	FieldYear        = "year"
	FieldMonth       = "month"
	FieldAmountCents = "amount_cents"
	FieldCategory    = "category"
	FieldCount       = "count"
	FieldOrigin      = "origin"
	FieldAttempt     = "attempt"
	FieldBackend     = "backend"
	FieldRequests    = "requests"
	FieldRateLimited = "rate_limited"
	FieldSuspicious  = "suspicious_requests"
)

// Components defines standard component names
const (
	ComponentApp        = "app"
	ComponentHTTP       = "http"
	ComponentExpenses   = "expenses"
	ComponentAggregator = "aggregator"
	ComponentViewModel  = "viewmodel"
	ComponentSession    = "session"
	ComponentAuth       = "auth"
	ComponentStorage    = "storage"
	ComponentAMQP       = "amqp"
	ComponentBackend    = "backend"
)

// Operations defines standard operation names
const (
	OpCreate      = "create"
	OpRead        = "read"
	OpUpdate      = "update"
	OpDelete      = "delete"
	OpSubscribe   = "subscribe"
	OpUnsubscribe = "unsubscribe"
	OpAggregate   = "aggregate"
	OpSignIn      = "sign_in"
	OpSignOut     = "sign_out"
	OpRegister    = "register"
)
