package frame

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/congo-pay/swiftpay/internal/money"
)

// attemptNamespace scopes attempt keys derived from offers.
var attemptNamespace = uuid.MustParse("1d4f6c2e-8a0b-5b7e-9c3d-6f2a1e0b4c7d")

// Offer is presented by the sender: who pays, how much, and when the
// offer was made.
type Offer struct {
	UserID   string
	Amount   decimal.Decimal
	Currency string
	TS       int64
}

// Ack is presented by the receiver once it accepts an offer. The echoed
// fields are optional on the wire; zero values mean "not echoed".
type Ack struct {
	UserID   string
	Amount   decimal.Decimal
	Currency string
	TS       int64
}

// Fields renders the offer wire shape.
func (o Offer) Fields() Fields {
	f := Fields{
		KeyAmount: money.Format(o.Amount),
		KeyTS:     json.Number(strconv.FormatInt(o.TS, 10)),
	}
	if o.UserID != "" {
		f[KeyUserID] = o.UserID
	}
	if o.Currency != "" {
		f[KeyCurrency] = o.Currency
	}
	return f
}

// Fields renders the ack wire shape.
func (a Ack) Fields() Fields {
	f := Fields{KeyAck: true}
	if a.UserID != "" {
		f[KeyUserID] = a.UserID
	}
	if !a.Amount.IsZero() {
		f[KeyAmount] = money.Format(a.Amount)
	}
	if a.Currency != "" {
		f[KeyCurrency] = a.Currency
	}
	if a.TS != 0 {
		f[KeyTS] = json.Number(strconv.FormatInt(a.TS, 10))
	}
	return f
}

// AckFor builds the acknowledgement a receiver presents for offer.
func AckFor(offer Offer, receiverID string) Ack {
	return Ack{UserID: receiverID, Amount: offer.Amount, Currency: offer.Currency, TS: offer.TS}
}

// ParseOffer extracts an offer. A frame without a valid amount is not an
// offer.
func ParseOffer(f Fields) (Offer, error) {
	raw, ok := f[KeyAmount]
	if !ok {
		return Offer{}, fmt.Errorf("%w: offer without amount", ErrInvalidFrame)
	}
	amount, err := money.Parse(raw)
	if err != nil {
		return Offer{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
	}
	if ack, _ := f.Bool(KeyAck); ack {
		return Offer{}, fmt.Errorf("%w: ack presented as offer", ErrInvalidFrame)
	}
	o := Offer{Amount: amount}
	o.UserID, _ = f.String(KeyUserID)
	o.Currency, _ = f.String(KeyCurrency)
	if f.Has(KeyTS) {
		ts, ok := f.Int(KeyTS)
		if !ok {
			return Offer{}, fmt.Errorf("%w: ts is not an integer", ErrInvalidFrame)
		}
		o.TS = ts
	}
	return o, nil
}

// ParseAck extracts an acknowledgement. Only a literal boolean true counts.
func ParseAck(f Fields) (Ack, error) {
	ack, ok := f.Bool(KeyAck)
	if !ok || !ack {
		return Ack{}, fmt.Errorf("%w: missing ack", ErrInvalidFrame)
	}
	a := Ack{}
	a.UserID, _ = f.String(KeyUserID)
	a.Currency, _ = f.String(KeyCurrency)
	if raw, ok := f[KeyAmount]; ok {
		amount, err := money.Parse(raw)
		if err != nil {
			return Ack{}, fmt.Errorf("%w: %v", ErrInvalidFrame, err)
		}
		a.Amount = amount
	}
	if f.Has(KeyTS) {
		ts, ok := f.Int(KeyTS)
		if !ok {
			return Ack{}, fmt.Errorf("%w: ts is not an integer", ErrInvalidFrame)
		}
		a.TS = ts
	}
	return a, nil
}

// Matches reports whether the ack acknowledges offer. Fields the receiver
// did not echo are not compared.
func (a Ack) Matches(offer Offer) bool {
	if a.TS != 0 && a.TS != offer.TS {
		return false
	}
	if !a.Amount.IsZero() && !a.Amount.Equal(offer.Amount) {
		return false
	}
	if a.Currency != "" && offer.Currency != "" && a.Currency != offer.Currency {
		return false
	}
	return true
}

// AttemptKey derives the transfer attempt id both peers agree on from the
// accepted offer.
func AttemptKey(o Offer) string {
	name := o.UserID + "|" + strconv.FormatInt(o.TS, 10) + "|" + money.Format(o.Amount) + "|" + o.Currency
	return uuid.NewSHA1(attemptNamespace, []byte(name)).String()
}
