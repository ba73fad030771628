// Package pdf renders completion certificates for fully signed envelopes.
package pdf

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
)

// Certificate is the data printed on a completion certificate.
type Certificate struct {
	Title        string
	DocumentName string
	DocumentHash string
	Owner        string
	RegisteredAt time.Time
	Signers      []CertificateSigner
}

// CertificateSigner is one completed signature.
type CertificateSigner struct {
	Address   string
	Name      string
	Email     string
	SignedAt  time.Time
	Signature string
}

// Options configures page layout.
type Options struct {
	PageSize      string
	FontFamily    string
	FontSize      float64
	TitleFontSize float64
	DateFormat    string
	HeaderColor   Color
	Margin        float64
}

// Color represents an RGB color
type Color struct {
	R, G, B int
}

// DefaultOptions returns A4 portrait defaults.
func DefaultOptions() Options {
	return Options{
		PageSize:      "A4",
		FontFamily:    "Arial",
		FontSize:      10,
		TitleFontSize: 16,
		DateFormat:    time.RFC3339,
		HeaderColor:   Color{R: 68, G: 114, B: 196},
		Margin:        15,
	}
}

// Generator renders certificates.
type Generator interface {
	Certificate(cert Certificate) ([]byte, error)
}

type gofpdfGenerator struct {
	options Options
}

// NewGenerator returns a gofpdf backed Generator.
func NewGenerator(options Options) Generator {
	return &gofpdfGenerator{options: options}
}

func (g *gofpdfGenerator) Certificate(cert Certificate) ([]byte, error) {
	o := g.options
	pdf := gofpdf.New("P", "mm", o.PageSize, "")
	pdf.SetMargins(o.Margin, o.Margin, o.Margin)
	pdf.SetAutoPageBreak(true, o.Margin)
	pdf.SetFooterFunc(func() {
		pdf.SetY(-15)
		pdf.SetFont(o.FontFamily, "", 8)
		pdf.SetTextColor(128, 128, 128)
		pdf.CellFormat(0, 10, fmt.Sprintf("Page %d", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	title := cert.Title
	if title == "" {
		title = "Certificate of Completion"
	}
	pdf.SetFont(o.FontFamily, "B", o.TitleFontSize)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 10, title, "", 1, "C", false, 0, "")
	pdf.SetFont(o.FontFamily, "", o.FontSize-1)
	pdf.SetTextColor(128, 128, 128)
	pdf.CellFormat(0, 6, "Generated: "+time.Now().UTC().Format(o.DateFormat), "", 1, "R", false, 0, "")
	pdf.Ln(6)

	pdf.SetTextColor(0, 0, 0)
	g.field(pdf, "Document", cert.DocumentName)
	g.field(pdf, "Content hash", cert.DocumentHash)
	g.field(pdf, "Owner", cert.Owner)
	g.field(pdf, "Registered", cert.RegisteredAt.UTC().Format(o.DateFormat))
	g.field(pdf, "Signers", fmt.Sprintf("%d", len(cert.Signers)))

	for i, s := range cert.Signers {
		pdf.Ln(6)
		pdf.SetFont(o.FontFamily, "B", o.FontSize+1)
		pdf.SetFillColor(o.HeaderColor.R, o.HeaderColor.G, o.HeaderColor.B)
		pdf.SetTextColor(255, 255, 255)
		pdf.CellFormat(0, 8, fmt.Sprintf("Signer %d", i+1), "", 1, "L", true, 0, "")
		pdf.SetTextColor(0, 0, 0)
		g.field(pdf, "Address", s.Address)
		g.field(pdf, "Name", s.Name)
		g.field(pdf, "Email", s.Email)
		g.field(pdf, "Signed", s.SignedAt.UTC().Format(o.DateFormat))
		g.field(pdf, "Signature", s.Signature)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("failed to render certificate: %w", err)
	}
	return buf.Bytes(), nil
}

func (g *gofpdfGenerator) field(pdf *gofpdf.Fpdf, label, value string) {
	pdf.SetFont(g.options.FontFamily, "B", g.options.FontSize)
	pdf.CellFormat(35, 6, label+":", "", 0, "L", false, 0, "")
	pdf.SetFont(g.options.FontFamily, "", g.options.FontSize)
	pdf.MultiCell(0, 6, value, "", "L", false)
}
