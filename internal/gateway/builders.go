package gateway

import "strconv"

const (
	InitiatorMerchant          = "merchant"
	CommerceIndicatorRecurring = "recurring"
)

func boolPtr(b bool) *bool { return &b }

// NewRecurringProcessingInformation builds processing options for a
// merchant-initiated charge that references previousID as the authorization
// basis.
func NewRecurringProcessingInformation(previousID string) *ProcessingInformation {
	return &ProcessingInformation{
		CommerceIndicator: CommerceIndicatorRecurring,
		AuthorizationOptions: &AuthorizationOptions{
			Initiator: &Initiator{
				Type:                 InitiatorMerchant,
				StoredCredentialUsed: boolPtr(true),
				MerchantInitiatedTransaction: &MerchantInitiatedTransaction{
					PreviousTransactionID: previousID,
				},
			},
		},
	}
}

// WithCapture forces single-step authorization and capture.
func (p *ProcessingInformation) WithCapture(capture bool) *ProcessingInformation {
	p.Capture = boolPtr(capture)
	return p
}

// NewMerchantDefinedInformation numbers values from 1 as the gateway expects.
func NewMerchantDefinedInformation(values ...string) []MerchantDefinedInformation {
	out := make([]MerchantDefinedInformation, 0, len(values))
	for i, v := range values {
		out = append(out, MerchantDefinedInformation{Key: strconv.Itoa(i + 1), Value: v})
	}
	return out
}

// NewReferenceSearch builds the newest-first single-result lookup by merchant
// reference code.
func NewReferenceSearch(code string) *SearchRequest {
	return &SearchRequest{
		Save:   false,
		Query:  "clientReferenceInformation.code:" + code,
		Sort:   "submitTimeUtc:desc",
		Offset: 0,
		Limit:  1,
	}
}
