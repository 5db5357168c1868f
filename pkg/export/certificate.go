package export

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/jung-kurt/gofpdf"
)

// Certificate describes the content of a permit certificate document.
type Certificate struct {
	Title      string
	Code       string
	Status     string
	Authority  string
	Unit       string
	IssuedOn   string
	ExpiresOn  string
	Holders    []string
	Rooms      []string
	Substances []string
}

// CertificateExporter renders permit certificates as PDF documents.
type CertificateExporter struct{}

// NewCertificateExporter builds a certificate exporter.
func NewCertificateExporter() *CertificateExporter {
	return &CertificateExporter{}
}

// Render produces the PDF bytes for one certificate.
func (e *CertificateExporter) Render(cert Certificate) ([]byte, error) {
	if cert.Code == "" {
		return nil, fmt.Errorf("certificate requires a code")
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(20, 20, 20)
	pdf.AddPage()

	pdf.SetFont("Arial", "B", 18)
	pdf.CellFormat(0, 12, strings.ToUpper(cert.Title), "", 1, "C", false, 0, "")
	pdf.SetFont("Arial", "B", 14)
	pdf.CellFormat(0, 10, cert.Code, "", 1, "C", false, 0, "")
	pdf.Ln(6)

	e.field(pdf, "Status", cert.Status)
	e.field(pdf, "Issuing authority", cert.Authority)
	e.field(pdf, "Unit", cert.Unit)
	e.field(pdf, "Issued on", cert.IssuedOn)
	e.field(pdf, "Expires on", cert.ExpiresOn)
	pdf.Ln(4)

	e.section(pdf, "Holders", cert.Holders)
	e.section(pdf, "Rooms", cert.Rooms)
	e.section(pdf, "Substances", cert.Substances)

	buf := &bytes.Buffer{}
	if err := pdf.Output(buf); err != nil {
		return nil, fmt.Errorf("render certificate: %w", err)
	}
	return buf.Bytes(), nil
}

func (e *CertificateExporter) field(pdf *gofpdf.Fpdf, label, value string) {
	if value == "" {
		return
	}
	pdf.SetFont("Arial", "B", 10)
	pdf.CellFormat(50, 7, label, "", 0, "", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	pdf.CellFormat(0, 7, value, "", 1, "", false, 0, "")
}

func (e *CertificateExporter) section(pdf *gofpdf.Fpdf, label string, items []string) {
	if len(items) == 0 {
		return
	}
	pdf.SetFont("Arial", "B", 11)
	pdf.CellFormat(0, 8, label, "", 1, "", false, 0, "")
	pdf.SetFont("Arial", "", 10)
	for _, item := range items {
		pdf.CellFormat(0, 6, "- "+item, "", 1, "", false, 0, "")
	}
	pdf.Ln(2)
}
