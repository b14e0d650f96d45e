package billing

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/d9705996/logexpert/internal/errs"
	"github.com/d9705996/logexpert/internal/model"
	"github.com/stripe/stripe-go/v82"
)

// Provider event type names. The short subscription.* names are accepted as
// aliases of the customer.subscription.* names.
const (
	TypeSubscriptionCreated     = "customer.subscription.created"
	TypeSubscriptionUpdated     = "customer.subscription.updated"
	TypeSubscriptionDeleted     = "customer.subscription.deleted"
	TypeInvoicePaymentSucceeded = "invoice.payment_succeeded"
	TypeInvoicePaymentFailed    = "invoice.payment_failed"

	aliasSubscriptionCreated = "subscription.created"
	aliasSubscriptionUpdated = "subscription.updated"
	aliasSubscriptionDeleted = "subscription.deleted"
)

// Event is a decoded provider event. The set of implementations is closed:
// SubscriptionChanged, SubscriptionDeleted, PaymentSucceeded, PaymentFailed
// and Unhandled.
type Event interface {
	Info() EventInfo
	isEvent()
}

// EventInfo is the envelope shared by every event variant.
type EventInfo struct {
	ID      string
	Type    string
	Created time.Time
}

func (i EventInfo) Info() EventInfo { return i }
func (EventInfo) isEvent()          {}

// SubscriptionChanged carries the full subscription state from a created or
// updated event.
type SubscriptionChanged struct {
	EventInfo
	CustomerID         string
	SubscriptionID     string
	Status             model.SubscriptionStatus
	PriceID            string
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
}

// SubscriptionDeleted reports a cancelled subscription.
type SubscriptionDeleted struct {
	EventInfo
	CustomerID     string
	SubscriptionID string
}

// PaymentSucceeded reports a paid invoice.
type PaymentSucceeded struct {
	EventInfo
	InvoiceID      string
	CustomerID     string
	SubscriptionID string // empty for invoices outside a subscription
}

// PaymentFailed reports a failed invoice payment.
type PaymentFailed struct {
	EventInfo
	InvoiceID      string
	CustomerID     string
	SubscriptionID string
}

// Unhandled is any verified event of a type the reconciler ignores.
type Unhandled struct {
	EventInfo
}

// Only the fields the reconciler reads are decoded, so changes elsewhere in
// the provider's object schema do not affect decoding.
type subscriptionObject struct {
	ID                 string `json:"id"`
	Customer           string `json:"customer"`
	Status             string `json:"status"`
	CurrentPeriodStart int64  `json:"current_period_start"`
	CurrentPeriodEnd   int64  `json:"current_period_end"`
	Items              struct {
		Data []struct {
			Price struct {
				ID string `json:"id"`
			} `json:"price"`
			CurrentPeriodStart int64 `json:"current_period_start"`
			CurrentPeriodEnd   int64 `json:"current_period_end"`
		} `json:"data"`
	} `json:"items"`
}

type invoiceObject struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Subscription string `json:"subscription"`
	Parent       *struct {
		SubscriptionDetails *struct {
			Subscription string `json:"subscription"`
		} `json:"subscription_details"`
	} `json:"parent"`
}

func (o invoiceObject) subscriptionID() string {
	if o.Subscription != "" {
		return o.Subscription
	}
	if o.Parent != nil && o.Parent.SubscriptionDetails != nil {
		return o.Parent.SubscriptionDetails.Subscription
	}
	return ""
}

// Decode turns a verified provider event into one of the Event variants.
func Decode(ev stripe.Event) (Event, error) {
	info := EventInfo{ID: ev.ID, Type: string(ev.Type), Created: time.Unix(ev.Created, 0).UTC()}
	if info.ID == "" {
		return nil, errs.Invalid("id", "event id is required")
	}
	var raw json.RawMessage
	if ev.Data != nil {
		raw = ev.Data.Raw
	}

	switch info.Type {
	case TypeSubscriptionCreated, TypeSubscriptionUpdated, aliasSubscriptionCreated, aliasSubscriptionUpdated:
		var obj subscriptionObject
		if err := decodeObject(raw, &obj); err != nil {
			return nil, err
		}
		if err := requireIDs(obj.ID, obj.Customer); err != nil {
			return nil, err
		}
		out := SubscriptionChanged{
			EventInfo:      info,
			CustomerID:     obj.Customer,
			SubscriptionID: obj.ID,
			Status:         subscriptionStatus(obj.Status),
		}
		start, end := obj.CurrentPeriodStart, obj.CurrentPeriodEnd
		if len(obj.Items.Data) > 0 {
			item := obj.Items.Data[0]
			out.PriceID = item.Price.ID
			if start == 0 {
				start, end = item.CurrentPeriodStart, item.CurrentPeriodEnd
			}
		}
		out.CurrentPeriodStart = unixPtr(start)
		out.CurrentPeriodEnd = unixPtr(end)
		return out, nil

	case TypeSubscriptionDeleted, aliasSubscriptionDeleted:
		var obj subscriptionObject
		if err := decodeObject(raw, &obj); err != nil {
			return nil, err
		}
		if err := requireIDs(obj.ID, obj.Customer); err != nil {
			return nil, err
		}
		return SubscriptionDeleted{EventInfo: info, CustomerID: obj.Customer, SubscriptionID: obj.ID}, nil

	case TypeInvoicePaymentSucceeded, TypeInvoicePaymentFailed:
		var obj invoiceObject
		if err := decodeObject(raw, &obj); err != nil {
			return nil, err
		}
		if info.Type == TypeInvoicePaymentSucceeded {
			return PaymentSucceeded{EventInfo: info, InvoiceID: obj.ID, CustomerID: obj.Customer, SubscriptionID: obj.subscriptionID()}, nil
		}
		return PaymentFailed{EventInfo: info, InvoiceID: obj.ID, CustomerID: obj.Customer, SubscriptionID: obj.subscriptionID()}, nil
	}
	return Unhandled{EventInfo: info}, nil
}

func decodeObject(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return errs.Invalid("data.object", "is required")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return errs.Invalid("data.object", fmt.Sprintf("malformed: %v", err))
	}
	return nil
}

func requireIDs(subscriptionID, customerID string) error {
	if subscriptionID == "" {
		return errs.Invalid("data.object.id", "is required")
	}
	if customerID == "" {
		return errs.Invalid("data.object.customer", "is required")
	}
	return nil
}

// subscriptionStatus maps provider spellings onto ours.
func subscriptionStatus(s string) model.SubscriptionStatus {
	if s == "canceled" {
		return model.SubscriptionCancelled
	}
	return model.SubscriptionStatus(s)
}

func unixPtr(sec int64) *time.Time {
	if sec == 0 {
		return nil
	}
	t := time.Unix(sec, 0).UTC()
	return &t
}
