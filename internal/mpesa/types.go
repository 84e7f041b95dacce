package mpesa

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// STKPushRequest is the outbound push request in provider terms. Amount is
// truncated to integer currency units on the wire.
type STKPushRequest struct {
	Amount           decimal.Decimal
	Phone            string // 2547XXXXXXXX
	AccountReference string
	Description      string
}

type stkPushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// STKPushResponse carries both the success and the error shape of the
// provider's push acknowledgment. Raw retains the undecoded body for audit.
type STKPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        string `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
	ErrorCode           string `json:"errorCode"`
	ErrorMessage        string `json:"errorMessage"`
	Raw                 []byte `json:"-"`
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   string `json:"expires_in"` // seconds, as a string
}

// STKCallbackEnvelope is the asynchronous result posted to our callback URL.
type STKCallbackEnvelope struct {
	Body struct {
		StkCallback STKCallback `json:"stkCallback"`
	} `json:"Body"`
}

type STKCallback struct {
	MerchantRequestID string           `json:"MerchantRequestID"`
	CheckoutRequestID string           `json:"CheckoutRequestID"`
	ResultCode        int              `json:"ResultCode"`
	ResultDesc        string           `json:"ResultDesc"`
	CallbackMetadata  CallbackMetadata `json:"CallbackMetadata"`
}

type CallbackMetadata struct {
	Item []MetadataItem `json:"Item"`
}

type MetadataItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value,omitempty"`
}

// Succeeded reports whether the provider confirmed the payment. Result code
// zero means success; everything else is a failure.
func (c STKCallback) Succeeded() bool {
	return c.ResultCode == 0
}

// Receipt extracts the provider transaction identifier from the metadata.
func (c STKCallback) Receipt() string {
	for _, item := range c.CallbackMetadata.Item {
		if item.Name == "MpesaReceiptNumber" {
			var receipt string
			if err := json.Unmarshal(item.Value, &receipt); err == nil {
				return receipt
			}
		}
	}
	return ""
}

// Amount extracts the confirmed amount from the metadata.
func (c STKCallback) Amount() (decimal.Decimal, bool) {
	for _, item := range c.CallbackMetadata.Item {
		if item.Name == "Amount" {
			var amount decimal.Decimal
			if err := json.Unmarshal(item.Value, &amount); err == nil {
				return amount, true
			}
		}
	}
	return decimal.Zero, false
}

// C2BNotification is an unsolicited paybill payment notification, delivered
// to both the validation and the confirmation endpoint.
type C2BNotification struct {
	TransactionType   string `json:"TransactionType"`
	TransID           string `json:"TransID"`
	TransTime         string `json:"TransTime"`
	TransAmount       string `json:"TransAmount"`
	BusinessShortCode string `json:"BusinessShortCode"`
	BillRefNumber     string `json:"BillRefNumber"`
	MSISDN            string `json:"MSISDN"`
	FirstName         string `json:"FirstName"`
}

// Amount parses the free-text transaction amount.
func (n C2BNotification) Amount() (decimal.Decimal, error) {
	amount, err := decimal.NewFromString(n.TransAmount)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid transaction amount %q: %w", n.TransAmount, err)
	}
	return amount, nil
}

// C2BResponse is what the provider expects back from validation and
// confirmation endpoints.
type C2BResponse struct {
	ResultCode string `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

// Provider validation result codes
const (
	C2BResultAccepted = "0"
	C2BResultRejected = "C2B00012"
)

func Accepted() C2BResponse {
	return C2BResponse{ResultCode: C2BResultAccepted, ResultDesc: "Accepted"}
}

func Rejected() C2BResponse {
	return C2BResponse{ResultCode: C2BResultRejected, ResultDesc: "Rejected"}
}
