package domain

const (
	RoleTenant = "TENANT"
	RoleAdmin  = "ADMIN"
	RoleStaff  = "STAFF"
)

const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusFailed    = "failed"
	PaymentStatusRefunded  = "refunded"
)

const (
	PaymentMethodMobileMoney = "mobile_money"
	PaymentMethodCard        = "card"
	PaymentMethodBank        = "bank"
	PaymentMethodCash        = "cash"
)

const (
	PaymentTypeRent    = "rent"
	PaymentTypeDeposit = "deposit"
	PaymentTypeFee     = "fee"
	PaymentTypeOther   = "other"
)

// Provider transaction lifecycle: initiated -> pending -> {success, failed}.
const (
	TxnStatusInitiated = "initiated"
	TxnStatusPending   = "pending"
	TxnStatusSuccess   = "success"
	TxnStatusFailed    = "failed"
)

const (
	CallbackStatusReceived  = "received"
	CallbackStatusApplied   = "applied"
	CallbackStatusDuplicate = "duplicate"
	CallbackStatusUnmatched = "unmatched"
	CallbackStatusInvalid   = "invalid"
	CallbackStatusFailed    = "failed"
)

const (
	TenantStatusActive   = "active"
	TenantStatusInactive = "inactive"
)

const (
	SettingsScopeProperty     = "property"
	SettingsScopeOrganization = "organization"
	SettingsScopeGlobal       = "global"
	// SettingsScopeDefault is the scope key of the config-file settings.
	SettingsScopeDefault = "default"
)

const (
	LedgerKindPayment = "payment"
)

const (
	NotifyPaymentReceived  = "PAYMENT_RECEIVED"
	NotifyPaymentConfirmed = "PAYMENT_CONFIRMED"
	NotifyPaymentFailed    = "PAYMENT_FAILED"
)

const (
	AmountPolicyRequested = "requested"
	AmountPolicyConfirmed = "confirmed"
)

const ProviderMpesa = "mpesa"

// IsTerminalTxnStatus reports whether a provider transaction may no longer change.
func IsTerminalTxnStatus(status string) bool {
	return status == TxnStatusSuccess || status == TxnStatusFailed
}

func IsValidPaymentType(t string) bool {
	switch t {
	case PaymentTypeRent, PaymentTypeDeposit, PaymentTypeFee, PaymentTypeOther:
		return true
	}
	return false
}
