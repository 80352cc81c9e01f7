package payment

import "strings"

var resultReasons = map[int]string{
	1:    "Insufficient M-Pesa balance",
	17:   "Transaction limit reached, try again later",
	26:   "System busy, try again",
	1001: "Another transaction is in progress for this number",
	1019: "Transaction expired before completion",
	1025: "Unable to send payment prompt",
	1032: "Payment cancelled by user",
	1037: "Phone unreachable, payment prompt timed out",
	2001: "Wrong M-Pesa PIN entered",
	9999: "Unable to send payment prompt",
}

// ReasonForCode maps a Daraja result code to a message fit for a tenant. The
// provider description is used for codes we do not know.
func ReasonForCode(code int, providerDesc string) string {
	if r, ok := resultReasons[code]; ok {
		return r
	}
	if d := strings.TrimSpace(providerDesc); d != "" {
		return d
	}
	return "Payment failed"
}
