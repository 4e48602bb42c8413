package payment

import (
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
)

// ErrNoProof is returned for an empty header.
var ErrNoProof = errors.New("payment: no proof supplied")

// ErrMalformed is returned when a header cannot be understood.
var ErrMalformed = errors.New("payment: malformed proof")

// Proof is a parsed X-PAYMENT header.
type Proof struct {
	Scheme  string
	Network string
	Tx      string
	Amount  decimal.Decimal
	Nonce   string
	Memo    string

	// Prepaid proofs carry the model and remaining call counter instead of a tx.
	Prepaid   bool
	Model     string
	Remaining int64
}

// Parse decodes a payment header. Segments are separated by ';'. The first
// segment starts with the scheme and may carry a network label and the first
// key=value pair, e.g. "aleo testnet; tx=..." or "aleo tx=...".
func Parse(header string) (Proof, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return Proof{}, ErrNoProof
	}
	var p Proof
	fields := map[string]string{}
	for i, segment := range strings.Split(header, ";") {
		segment = strings.TrimSpace(segment)
		if segment == "" {
			continue
		}
		for j, word := range strings.Fields(segment) {
			if i == 0 && j == 0 && !strings.Contains(word, "=") {
				p.Scheme = strings.ToLower(word)
				continue
			}
			key, value, ok := strings.Cut(word, "=")
			if !ok {
				if p.Network == "" {
					p.Network = word
				}
				continue
			}
			fields[strings.ToLower(strings.TrimSpace(key))] = strings.TrimSpace(value)
		}
	}
	p.Nonce = fields["nonce"]
	p.Memo = fields["memo"]
	if p.Scheme == PrepaidScheme {
		p.Prepaid = true
		p.Model = fields["model"]
		if raw := fields["remaining"]; raw != "" {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return Proof{}, fmt.Errorf("%w: remaining %q", ErrMalformed, raw)
			}
			p.Remaining = n
		}
		if p.Nonce == "" {
			return Proof{}, fmt.Errorf("%w: nonce required", ErrMalformed)
		}
		return p, nil
	}
	p.Tx = fields["tx"]
	if p.Tx == "" {
		return Proof{}, fmt.Errorf("%w: tx required", ErrMalformed)
	}
	if raw := fields["amount"]; raw != "" {
		amount, err := decimal.NewFromString(raw)
		if err != nil {
			return Proof{}, fmt.Errorf("%w: amount %q", ErrMalformed, raw)
		}
		p.Amount = amount
	}
	return p, nil
}

// String renders p in header form.
func (p Proof) String() string {
	if p.Prepaid {
		return fmt.Sprintf("%s model=%s; remaining=%d; nonce=%s", PrepaidScheme, p.Model, p.Remaining, p.Nonce)
	}
	scheme := p.Scheme
	if scheme == "" {
		scheme = "aleo"
	}
	var b strings.Builder
	b.WriteString(scheme)
	if p.Network != "" {
		b.WriteString(" " + p.Network)
	}
	fmt.Fprintf(&b, "; tx=%s; amount=%s; nonce=%s", p.Tx, p.Amount.String(), p.Nonce)
	if p.Memo != "" {
		b.WriteString("; memo=" + p.Memo)
	}
	return b.String()
}

var (
	txPattern    = regexp.MustCompile(`(?i)tx=([^;,\s]+)`)
	noncePattern = regexp.MustCompile(`(?i)nonce=([^;,\s]+)`)
	memoPattern  = regexp.MustCompile(`(?i)memo=([^;,\s]+)`)
)

// RedactHeader masks identifiers in a payment header for logging.
func RedactHeader(header string) string {
	if header == "" {
		return header
	}
	out := txPattern.ReplaceAllStringFunc(header, func(m string) string {
		return "tx=" + RedactTx(m[3:])
	})
	out = noncePattern.ReplaceAllString(out, "nonce=[redacted]")
	return memoPattern.ReplaceAllString(out, "memo=[redacted]")
}

// RedactTx keeps the first 8 and last 6 characters of a transaction id.
func RedactTx(tx string) string {
	if len(tx) <= 14 {
		return tx
	}
	return tx[:8] + "…" + tx[len(tx)-6:]
}

// RedactToken masks an anonymous secret.
func RedactToken(token string) string {
	if token == "" {
		return token
	}
	if len(token) <= 12 {
		if len(token) < 4 {
			return "…"
		}
		return token[:2] + "…" + token[len(token)-2:]
	}
	return token[:6] + "…" + token[len(token)-4:]
}
