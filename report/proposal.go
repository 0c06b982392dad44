package report

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"time"

	"github.com/odyssey-erp/odyssey-msp/internal/platform/money"
	"github.com/odyssey-erp/odyssey-msp/internal/proposals"
)

// HTMLRenderer turns an HTML document into PDF bytes.
type HTMLRenderer interface {
	RenderHTML(ctx context.Context, html string) ([]byte, error)
}

// ProposalDocument lays out a proposal as HTML and prints it to PDF.
type ProposalDocument struct {
	renderer HTMLRenderer
	tmpl     *template.Template
}

// NewProposalDocument binds the document layout to a renderer.
func NewProposalDocument(renderer HTMLRenderer) *ProposalDocument {
	tmpl := template.Must(template.New("proposal").Funcs(template.FuncMap{
		"money": func(currency string, amount float64) string {
			return money.Format(currency, amount)
		},
		"percent": money.Percent,
		"date": func(t *time.Time) string {
			if t == nil {
				return "-"
			}
			return t.Format("2 January 2006")
		},
	}).Parse(proposalLayout))
	return &ProposalDocument{renderer: renderer, tmpl: tmpl}
}

// HTML renders the proposal document markup.
func (d *ProposalDocument) HTML(p proposals.Proposal) (string, error) {
	var buf bytes.Buffer
	if err := d.tmpl.Execute(&buf, p); err != nil {
		return "", fmt.Errorf("report: render proposal %s: %w", p.Number, err)
	}
	return buf.String(), nil
}

// RenderProposal produces the PDF for a proposal.
func (d *ProposalDocument) RenderProposal(ctx context.Context, p proposals.Proposal) ([]byte, error) {
	html, err := d.HTML(p)
	if err != nil {
		return nil, err
	}
	pdf, err := d.renderer.RenderHTML(ctx, html)
	if err != nil {
		return nil, fmt.Errorf("report: print proposal %s: %w", p.Number, err)
	}
	return pdf, nil
}

const proposalLayout = `<!DOCTYPE html>
<html><head><meta charset="utf-8"><title>{{.Number}} {{.Title}}</title>
<style>
body { font-family: "Helvetica Neue", Arial, sans-serif; color: #1f2933; font-size: 11pt; }
h1 { font-size: 20pt; margin-bottom: 0; }
.meta { color: #52606d; margin-bottom: 18pt; }
table { width: 100%; border-collapse: collapse; margin-top: 12pt; }
th, td { border-bottom: 1px solid #d9e2ec; padding: 4pt 6pt; text-align: left; }
td.num, th.num { text-align: right; }
.totals td { border: none; }
.total td { font-weight: bold; }
</style></head>
<body>
<h1>{{.Title}}</h1>
<div class="meta">Proposal {{.Number}} &middot; valid until {{date .ValidUntil}}</div>
{{with .Content.Overview}}<h2>Overview</h2><p>{{.}}</p>{{end}}
{{with .Content.Scope}}<h2>Scope</h2><ul>{{range .}}<li>{{.}}</li>{{end}}</ul>{{end}}
{{range .Content.Sections}}<h2>{{.Title}}</h2><p>{{.Body}}</p>{{end}}
<h2>Pricing</h2>
<table>
<thead><tr><th>Item</th><th class="num">Qty</th><th class="num">Unit price</th><th class="num">Discount</th><th class="num">Total</th></tr></thead>
<tbody>
{{$cur := .Currency}}{{range .Items}}<tr><td>{{.Name}}{{with .Description}}<br><small>{{.}}</small>{{end}}</td><td class="num">{{.Quantity}}</td><td class="num">{{money $cur .UnitPrice}}</td><td class="num">{{percent .DiscountPercent}}</td><td class="num">{{money $cur .TotalPrice}}</td></tr>
{{end}}</tbody>
</table>
<table class="totals">
<tr><td>Subtotal</td><td class="num">{{money .Currency .TotalAmount}}</td></tr>
{{if .DiscountAmount}}<tr><td>Discount ({{percent .GlobalDiscountPercent}})</td><td class="num">-{{money .Currency .DiscountAmount}}</td></tr>{{end}}
<tr><td>Tax ({{percent .TaxRatePercent}})</td><td class="num">{{money .Currency .TaxAmount}}</td></tr>
<tr class="total"><td>Total</td><td class="num">{{money .Currency .FinalAmount}}</td></tr>
</table>
{{with .Content.Pricing}}{{with .Notes}}<p>{{.}}</p>{{end}}{{end}}
{{with .PaymentTerms}}<h2>Payment terms</h2><p>{{.}}</p>{{end}}
{{with .DeliveryTerms}}<h2>Delivery terms</h2><p>{{.}}</p>{{end}}
{{with .TermsAndConditions}}<h2>Terms and conditions</h2><p>{{.}}</p>{{end}}
</body></html>
`
