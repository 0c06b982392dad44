package report

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-msp/internal/proposals"
)

func TestClientRenderHTMLPostsForm(t *testing.T) {
	var (
		gotHTML string
		form    map[string]string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/forms/chromium/convert/html", r.URL.Path)
		if !assert.NoError(t, r.ParseMultipartForm(1<<20)) {
			return
		}
		file, header, err := r.FormFile("files")
		if !assert.NoError(t, err) {
			return
		}
		assert.Equal(t, "index.html", header.Filename)
		body, _ := io.ReadAll(file)
		gotHTML = string(body)
		form = map[string]string{}
		for k, v := range r.MultipartForm.Value {
			form[k] = v[0]
		}
		_, _ = w.Write([]byte("%PDF-1.7"))
	}))
	defer srv.Close()

	pdf, err := NewClient(srv.URL+"/").RenderHTML(context.Background(), "<p>hi</p>")
	require.NoError(t, err)
	assert.Equal(t, "%PDF-1.7", string(pdf))
	assert.Equal(t, "<p>hi</p>", gotHTML)
	assert.Equal(t, "8.27", form["paperWidth"])
	assert.Equal(t, "0.6", form["marginLeft"])
	assert.Equal(t, "true", form["printBackground"])
}

func TestClientSurfacesFailures(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "chromium crashed", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.RenderHTML(context.Background(), "<p>x</p>")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Contains(t, err.Error(), "chromium crashed")
	assert.Error(t, c.Ping(context.Background()))
}

type captureRenderer struct {
	html string
	err  error
}

func (c *captureRenderer) RenderHTML(_ context.Context, html string) ([]byte, error) {
	c.html = html
	return []byte("%PDF"), c.err
}

func proposalFixture() proposals.Proposal {
	until := time.Date(2025, 2, 15, 0, 0, 0, 0, time.UTC)
	return proposals.Proposal{
		Number:                "PRP-2501-0001",
		Title:                 "Managed <Network> Refresh",
		Currency:              "USD",
		TaxRatePercent:        10,
		GlobalDiscountPercent: 5,
		TotalAmount:           1200,
		DiscountAmount:        60,
		TaxAmount:             114,
		FinalAmount:           1254,
		ValidUntil:            &until,
		PaymentTerms:          "Net 30",
		Content: proposals.Content{
			Overview: "Branch refresh",
			Scope:    proposals.Scope{"Core switches", "Monitoring"},
		},
		Items: []proposals.Item{{Name: "Switch", Quantity: 2, UnitPrice: 600, TotalPrice: 1200}},
	}
}

func TestProposalDocumentLayout(t *testing.T) {
	r := &captureRenderer{}
	doc := NewProposalDocument(r)

	pdf, err := doc.RenderProposal(context.Background(), proposalFixture())
	require.NoError(t, err)
	assert.Equal(t, "%PDF", string(pdf))

	html := r.html
	assert.Contains(t, html, "Managed &lt;Network&gt; Refresh")
	assert.Contains(t, html, "PRP-2501-0001")
	assert.Contains(t, html, "15 February 2025")
	assert.Contains(t, html, "<li>Monitoring</li>")
	assert.Contains(t, html, "1,254")
	assert.Contains(t, html, "Discount (5%)")
	assert.Contains(t, html, "Net 30")
	assert.NotContains(t, html, "Delivery terms")
}

func TestProposalDocumentRendererError(t *testing.T) {
	doc := NewProposalDocument(&captureRenderer{err: errors.New("down")})
	_, err := doc.RenderProposal(context.Background(), proposalFixture())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "PRP-2501-0001")
}

func TestPingRoute(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	r := chi.NewRouter()
	r.Route("/report", NewHandler(NewClient(srv.URL), nil).MountRoutes)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/report/ping", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}
