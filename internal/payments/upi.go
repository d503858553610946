// Package payments builds UPI deep links and QR codes for meetup payments.
// Payments are never verified here; the buyer's claim is recorded as is.
package payments

import (
	"errors"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"
	qrcode "github.com/skip2/go-qrcode"
)

var (
	ErrNoUPIID        = errors.New("seller has not set a UPI id")
	ErrInvalidAmount  = errors.New("payment amount must be positive")
	ErrInvalidQRCSize = errors.New("qr size out of range")
)

const (
	Currency      = "INR"
	DefaultQRSize = 256
	maxQRSize     = 1024
)

// Link returns upi://pay?pa=..&pn=..&am=..&cu=INR. Parameters keep that
// order since some UPI apps are picky about it.
func Link(upiID, payee string, amount decimal.Decimal) (string, error) {
	upiID = strings.TrimSpace(upiID)
	if upiID == "" {
		return "", ErrNoUPIID
	}
	if !amount.IsPositive() {
		return "", ErrInvalidAmount
	}

	var b strings.Builder
	b.WriteString("upi://pay?pa=")
	b.WriteString(escape(upiID))
	b.WriteString("&pn=")
	b.WriteString(escape(payee))
	b.WriteString("&am=")
	b.WriteString(amount.StringFixed(2))
	b.WriteString("&cu=")
	b.WriteString(Currency)
	return b.String(), nil
}

// QRCode renders link as a PNG of size x size pixels.
func QRCode(link string, size int) ([]byte, error) {
	if size == 0 {
		size = DefaultQRSize
	}
	if size < 64 || size > maxQRSize {
		return nil, ErrInvalidQRCSize
	}
	return qrcode.Encode(link, qrcode.Medium, size)
}

func escape(s string) string {
	e := url.QueryEscape(s)
	e = strings.ReplaceAll(e, "+", "%20")
	return strings.ReplaceAll(e, "%40", "@")
}
