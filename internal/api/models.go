package api

import (
	"fmt"
	"time"

	"github.com/tidwall/gjson"
)

// The upstream APIs are undocumented and inconsistent: field names vary
// between camelCase and snake_case, money objects are sometimes null or
// replaced by a bare scalar, and numeric ids arrive as either numbers or
// strings. Parsing is therefore deliberately lenient: optional fields default
// instead of failing, and only missing identifying fields abort a parse.

// MoneyAmount is a monetary value with its currency. Malformed or missing
// source fragments always parse to the zero value, never an error.
type MoneyAmount struct {
	Value    float64
	Currency string
}

// moneyFrom parses a money object, accepting both the currency and
// currencyCode field name variants. Anything that is not a JSON object
// (null, scalar, absent) yields the zero amount.
func moneyFrom(v gjson.Result) MoneyAmount {
	if !v.IsObject() {
		return MoneyAmount{}
	}
	cur := v.Get("currency")
	if !cur.Exists() {
		cur = v.Get("currencyCode")
	}
	return MoneyAmount{Value: v.Get("value").Float(), Currency: cur.String()}
}

// moneyPtrFrom keeps null/absent as nil but coerces malformed scalars to the
// zero amount, matching how optional money fields behave upstream.
func moneyPtrFrom(v gjson.Result) *MoneyAmount {
	if !v.Exists() || v.Type == gjson.Null {
		return nil
	}
	m := moneyFrom(v)
	return &m
}

// parseDate parses the API's date-only fields; zero time when absent or
// malformed.
func parseDate(v gjson.Result) time.Time {
	t, err := time.Parse("2006-01-02", v.String())
	if err != nil {
		return time.Time{}
	}
	return t
}

// parseTime parses timestamp fields that arrive with or without a zone.
func parseTime(v gjson.Result) time.Time {
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, v.String()); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Instrument is a financial instrument (stock, ETF, fund, ...).
type Instrument struct {
	InstrumentID int64
	Name         string
	Symbol       string
	ISIN         string
}

func instrumentFrom(v gjson.Result) Instrument {
	isin := v.Get("isin")
	if !isin.Exists() {
		isin = v.Get("isin_code")
	}
	return Instrument{
		InstrumentID: v.Get("instrumentId").Int(),
		Name:         v.Get("name").String(),
		Symbol:       v.Get("symbol").String(),
		ISIN:         isin.String(),
	}
}

// Account is one investment account of the authenticated user.
type Account struct {
	ID     int64
	Number string
	Type   string
	Alias  string
}

// DisplayName is the user-facing account name: the alias when set, otherwise
// the account type.
func (a Account) DisplayName() string {
	if a.Alias != "" {
		return a.Alias
	}
	return a.Type
}

func accountFrom(v gjson.Result) (Account, error) {
	accid := v.Get("accid")
	if !accid.Exists() {
		return Account{}, fmt.Errorf("account missing accid: %s", v.Raw)
	}
	return Account{
		ID:     accid.Int(),
		Number: v.Get("accno").String(),
		Type:   v.Get("type").String(),
		Alias:  v.Get("alias").String(),
	}, nil
}

// AccountBalance is the plain balance of one account.
type AccountBalance struct {
	AccountID int64
	Balance   MoneyAmount
}

// balanceFromInfo parses the account info response, which is sometimes
// wrapped in a one-element list.
func balanceFromInfo(accid int64, body []byte) AccountBalance {
	return AccountBalance{AccountID: accid, Balance: moneyFrom(unwrapInfo(body).Get("account_sum"))}
}

// AccountInfo is the extended balance breakdown of one account.
type AccountInfo struct {
	AccountID    int64
	AccountSum   MoneyAmount
	OwnCapital   *MoneyAmount
	BuyingPower  *MoneyAmount
	LoanLimit    *MoneyAmount
	TradingPower *MoneyAmount
	Collateral   *MoneyAmount
}

func accountInfoFrom(accid int64, body []byte) AccountInfo {
	v := unwrapInfo(body)
	return AccountInfo{
		AccountID:    accid,
		AccountSum:   moneyFrom(v.Get("account_sum")),
		OwnCapital:   moneyPtrFrom(v.Get("own_capital")),
		BuyingPower:  moneyPtrFrom(v.Get("buying_power")),
		LoanLimit:    moneyPtrFrom(v.Get("loan_limit")),
		TradingPower: moneyPtrFrom(v.Get("trading_power")),
		Collateral:   moneyPtrFrom(v.Get("collateral")),
	}
}

func unwrapInfo(body []byte) gjson.Result {
	v := gjson.ParseBytes(body)
	if v.IsArray() {
		arr := v.Array()
		if len(arr) == 0 {
			return gjson.Parse("{}")
		}
		return arr[0]
	}
	return v
}

// Holding is a position in an account.
type Holding struct {
	Instrument  Instrument
	Quantity    float64
	AcqPrice    MoneyAmount
	MarketValue MoneyAmount
}

// GainLoss is the unrealized result of the position.
func (h Holding) GainLoss() float64 {
	return h.MarketValue.Value - h.AcqPrice.Value*h.Quantity
}

// GainLossPct is the unrealized result relative to cost, 0 for zero cost.
func (h Holding) GainLossPct() float64 {
	cost := h.AcqPrice.Value * h.Quantity
	if cost == 0 {
		return 0
	}
	return h.GainLoss() / cost * 100
}

func holdingFrom(v gjson.Result) Holding {
	qty := v.Get("qty")
	if !qty.Exists() {
		qty = v.Get("quantity")
	}
	return Holding{
		Instrument:  instrumentFrom(v.Get("instrument")),
		Quantity:    qty.Float(),
		AcqPrice:    moneyFrom(v.Get("acq_price")),
		MarketValue: moneyFrom(v.Get("market_value")),
	}
}

// NoteInfo is the fee breakdown of a transaction. Each fee may arrive either
// as a bare number or wrapped in a {value: ...} object.
type NoteInfo struct {
	Commission    float64
	Charge        float64
	ForeignCharge float64
	HandlingFee   float64
	StampTax      float64
}

func noteValue(v gjson.Result) float64 {
	if v.IsObject() {
		v = v.Get("value")
	}
	return v.Float()
}

func noteInfoFrom(v gjson.Result) *NoteInfo {
	if !v.IsObject() {
		return nil
	}
	return &NoteInfo{
		Commission:    noteValue(v.Get("commission")),
		Charge:        noteValue(v.Get("charge")),
		ForeignCharge: noteValue(v.Get("foreignCharge")),
		HandlingFee:   noteValue(v.Get("handlingFee")),
		StampTax:      noteValue(v.Get("stampTax")),
	}
}

// Transaction is a historical financial event on an account.
type Transaction struct {
	TransactionID       string
	AccountingDate      time.Time
	SettlementDate      time.Time
	BusinessDate        time.Time
	TypeName            string
	TypeCode            string
	InstrumentName      string
	InstrumentShortName string
	ISIN                string
	Quantity            float64
	Price               *MoneyAmount
	Amount              MoneyAmount
	Balance             *MoneyAmount
	TotalCharges        *MoneyAmount
	NoteInfo            *NoteInfo
	ContractNoteNumber  string
}

func transactionFrom(v gjson.Result) (Transaction, error) {
	id := v.Get("transactionId")
	if !id.Exists() || id.String() == "" {
		return Transaction{}, fmt.Errorf("transaction missing transactionId: %s", v.Raw)
	}
	return Transaction{
		TransactionID:       id.String(),
		AccountingDate:      parseDate(v.Get("accountingDate")),
		SettlementDate:      parseDate(v.Get("settlementDate")),
		BusinessDate:        parseDate(v.Get("businessDate")),
		TypeName:            v.Get("transactionTypeName").String(),
		TypeCode:            v.Get("transactionTypeCode").String(),
		InstrumentName:      v.Get("instrumentName").String(),
		InstrumentShortName: v.Get("instrumentShortName").String(),
		ISIN:                v.Get("isinCode").String(),
		Quantity:            v.Get("quantity").Float(),
		Price:               moneyPtrFrom(v.Get("price")),
		Amount:              moneyFrom(v.Get("amount")),
		Balance:             moneyPtrFrom(v.Get("balance")),
		TotalCharges:        moneyPtrFrom(v.Get("totalCharges")),
		NoteInfo:            noteInfoFrom(v.Get("noteInfo")),
		ContractNoteNumber:  v.Get("contractNoteNumber").String(),
	}, nil
}

// Trade is an executed trade on an account.
type Trade struct {
	TradeTime  time.Time
	Side       string
	Instrument Instrument
	Volume     float64
	Price      MoneyAmount
}

func tradeFrom(v gjson.Result) Trade {
	return Trade{
		TradeTime:  parseTime(v.Get("trade_time")),
		Side:       v.Get("side").String(),
		Instrument: instrumentFrom(v.Get("instrument")),
		Volume:     v.Get("volume").Float(),
		Price:      moneyFrom(v.Get("price")),
	}
}

// Order is a pending or historical order on an account.
type Order struct {
	OrderDate  time.Time
	Side       string
	Instrument Instrument
	Volume     float64
	Price      MoneyAmount
	State      string
}

func orderFrom(v gjson.Result) Order {
	return Order{
		OrderDate:  parseDate(v.Get("order_date")),
		Side:       v.Get("side").String(),
		Instrument: instrumentFrom(v.Get("instrument")),
		Volume:     v.Get("volume").Float(),
		Price:      moneyFrom(v.Get("price")),
		State:      v.Get("order_state").String(),
	}
}

// CurrencyLedger is a per-currency cash balance of an account.
type CurrencyLedger struct {
	Currency         string
	TotalBalance     MoneyAmount
	AvailableBalance MoneyAmount
	ReservedBalance  MoneyAmount
}

func ledgerFrom(v gjson.Result) CurrencyLedger {
	return CurrencyLedger{
		Currency:         v.Get("currency").String(),
		TotalBalance:     moneyFrom(v.Get("totalBalance")),
		AvailableBalance: moneyFrom(v.Get("availableBalance")),
		ReservedBalance:  moneyFrom(v.Get("reservedBalance")),
	}
}
