package uds

// Negative Response Codes (ISO 14229-1 Table A.1), the subset this client
// classifies by name; any other byte still round-trips through
// NegativeError with a generic description.
const (
	NRCGeneralReject                    byte = 0x10
	NRCServiceNotSupported              byte = 0x11
	NRCSubFunctionNotSupported          byte = 0x12
	NRCIncorrectMessageLength           byte = 0x13
	NRCResponseTooLong                  byte = 0x14
	NRCBusyRepeatRequest                byte = 0x21
	NRCConditionsNotCorrect             byte = 0x22
	NRCRequestSequenceError             byte = 0x24
	NRCRequestOutOfRange                byte = 0x31
	NRCSecurityAccessDenied             byte = 0x33
	NRCInvalidKey                       byte = 0x35
	NRCExceededNumberOfAttempts         byte = 0x36
	NRCRequiredTimeDelayNotExpired      byte = 0x37
	NRCUploadDownloadNotAccepted        byte = 0x70
	NRCTransferDataSuspended            byte = 0x71
	NRCGeneralProgrammingFailure        byte = 0x72
	NRCWrongBlockSequenceCounter        byte = 0x73
	NRCResponsePending                  byte = 0x78
	NRCSubFunctionNotSupportedInSession byte = 0x7E
	NRCServiceNotSupportedInSession     byte = 0x7F
)

var nrcNames = map[byte]string{
	NRCGeneralReject:                    "generalReject",
	NRCServiceNotSupported:              "serviceNotSupported",
	NRCSubFunctionNotSupported:          "subFunctionNotSupported",
	NRCIncorrectMessageLength:           "incorrectMessageLengthOrInvalidFormat",
	NRCResponseTooLong:                  "responseTooLong",
	NRCBusyRepeatRequest:                "busyRepeatRequest",
	NRCConditionsNotCorrect:             "conditionsNotCorrect",
	NRCRequestSequenceError:             "requestSequenceError",
	NRCRequestOutOfRange:                "requestOutOfRange",
	NRCSecurityAccessDenied:             "securityAccessDenied",
	NRCInvalidKey:                       "invalidKey",
	NRCExceededNumberOfAttempts:         "exceededNumberOfAttempts",
	NRCRequiredTimeDelayNotExpired:      "requiredTimeDelayNotExpired",
	NRCUploadDownloadNotAccepted:        "uploadDownloadNotAccepted",
	NRCTransferDataSuspended:            "transferDataSuspended",
	NRCGeneralProgrammingFailure:        "generalProgrammingFailure",
	NRCWrongBlockSequenceCounter:        "wrongBlockSequenceCounter",
	NRCResponsePending:                  "requestCorrectlyReceived-ResponsePending",
	NRCSubFunctionNotSupportedInSession: "subFunctionNotSupportedInActiveSession",
	NRCServiceNotSupportedInSession:     "serviceNotSupportedInActiveSession",
}

// NRCName returns a human-readable name for nrc, or "unknown" if this
// client doesn't recognize it.
func NRCName(nrc byte) string {
	if name, ok := nrcNames[nrc]; ok {
		return name
	}
	return "unknown"
}
