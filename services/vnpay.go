package services

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// VNPayConfig carries the merchant credentials and endpoints. It is
// injected at construction time and sourced from the environment; the
// hash secret must never appear in code.
type VNPayConfig struct {
	TmnCode    string
	HashSecret string
	BaseURL    string
	ReturnURL  string
}

const (
	vnpVersion    = "2.1.0"
	vnpCommandPay = "pay"
	vnpCurrency   = "VND"
	vnpLocale     = "vn"
	vnpOrderType  = "billpayment"
	vnpDateFormat = "20060102150405"
	secureHashKey = "vnp_SecureHash"
	hashTypeKey   = "vnp_SecureHashType"

	// ResponseCodeSuccess is the vnp_ResponseCode the gateway sends for
	// a successful transaction.
	ResponseCodeSuccess = "00"
)

// VNPayClient builds signed payment URLs and verifies callback
// signatures for the VNPay 2.1.0 protocol.
type VNPayClient struct {
	cfg VNPayConfig
}

func NewVNPayClient(cfg VNPayConfig) *VNPayClient {
	return &VNPayClient{cfg: cfg}
}

// CallbackData is the typed view of a gateway callback. Both channels
// (browser return and IPN) carry the same query-parameter shape.
type CallbackData struct {
	TxnRef        string
	ResponseCode  string
	Amount        int64 // raw gateway amount, i.e. VND × 100
	BankCode      string
	PayDate       string
	TransactionNo string
	OrderInfo     string
}

// ParseCallback validates and coerces the raw query into CallbackData.
// Missing or malformed required fields fail closed: the caller must
// treat the error the same as an invalid signature.
func ParseCallback(query url.Values) (*CallbackData, error) {
	txnRef := query.Get("vnp_TxnRef")
	if txnRef == "" {
		return nil, fmt.Errorf("missing vnp_TxnRef")
	}
	code := query.Get("vnp_ResponseCode")
	if code == "" {
		return nil, fmt.Errorf("missing vnp_ResponseCode")
	}
	amount, err := strconv.ParseInt(query.Get("vnp_Amount"), 10, 64)
	if err != nil || amount < 0 {
		return nil, fmt.Errorf("invalid vnp_Amount %q", query.Get("vnp_Amount"))
	}

	return &CallbackData{
		TxnRef:        txnRef,
		ResponseCode:  code,
		Amount:        amount,
		BankCode:      query.Get("vnp_BankCode"),
		PayDate:       query.Get("vnp_PayDate"),
		TransactionNo: query.Get("vnp_TransactionNo"),
		OrderInfo:     query.Get("vnp_OrderInfo"),
	}, nil
}

// Succeeded reports whether the gateway settled the transaction.
func (d *CallbackData) Succeeded() bool {
	return d.ResponseCode == ResponseCodeSuccess
}

// AmountVND converts the gateway amount (×100) back to VND.
func (d *CallbackData) AmountVND() int64 {
	return d.Amount / 100
}

// hashData builds the canonical signing string: keys sorted by byte
// value, values query-escaped with space as "+", keys left unescaped.
// This deliberately differs from the outbound URL query, where keys are
// escaped too. VNPay signs the former shape, not the latter.
func hashData(params map[string]string) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for i, k := range keys {
		if i > 0 {
			b.WriteByte('&')
		}
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(params[k]))
	}
	return b.String()
}

// sign computes the lowercase hex HMAC-SHA512 of data under the shared
// secret.
func (c *VNPayClient) sign(data string) string {
	mac := hmac.New(sha512.New, []byte(c.cfg.HashSecret))
	mac.Write([]byte(data))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature recomputes the signature over every received
// parameter except the signature fields themselves and compares in
// constant time. Any mismatch or missing hash is a rejection.
func (c *VNPayClient) VerifySignature(query url.Values) bool {
	received := query.Get(secureHashKey)
	if received == "" {
		return false
	}

	params := make(map[string]string, len(query))
	for k := range query {
		if k == secureHashKey || k == hashTypeKey {
			continue
		}
		params[k] = query.Get(k)
	}

	expected := c.sign(hashData(params))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(received)))
}

// PaymentURLRequest is the input for building a redirect URL.
type PaymentURLRequest struct {
	TxnRef    string
	Amount    int64 // VND; multiplied by 100 on the wire
	OrderInfo string
	IPAddr    string
	BankCode  string
	CreatedAt time.Time
}

// BuildPaymentURL assembles the signed gateway redirect URL. The query
// string is fully escaped (keys and values) while the signature is
// computed over the canonical signing string; the two encodings are
// intentionally different.
func (c *VNPayClient) BuildPaymentURL(req PaymentURLRequest) string {
	params := map[string]string{
		"vnp_Version":    vnpVersion,
		"vnp_Command":    vnpCommandPay,
		"vnp_TmnCode":    c.cfg.TmnCode,
		"vnp_Locale":     vnpLocale,
		"vnp_CurrCode":   vnpCurrency,
		"vnp_TxnRef":     req.TxnRef,
		"vnp_OrderInfo":  req.OrderInfo,
		"vnp_OrderType":  vnpOrderType,
		"vnp_Amount":     strconv.FormatInt(req.Amount*100, 10),
		"vnp_ReturnUrl":  c.cfg.ReturnURL,
		"vnp_IpAddr":     req.IPAddr,
		"vnp_CreateDate": req.CreatedAt.Format(vnpDateFormat),
	}
	if req.BankCode != "" {
		params["vnp_BankCode"] = req.BankCode
	}

	signature := c.sign(hashData(params))

	query := url.Values{}
	for k, v := range params {
		query.Set(k, v)
	}
	return c.cfg.BaseURL + "?" + query.Encode() + "&" + secureHashKey + "=" + signature
}
