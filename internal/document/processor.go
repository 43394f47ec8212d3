// Package document holds the content validation primitives consulted by
// the orchestrator, filename metadata parsing, and the document storage
// collaborator.
package document

import (
	"bytes"
	"fmt"
	"net/http"
	"path"
	"regexp"
	"strings"
)

// pdfSignature is the magic-byte prefix of a PDF file.
var pdfSignature = []byte("%PDF-")

// ValidationError reports content that failed a check. Jobs failing
// validation are permanently rejected, never retried.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("content validation failed: %s", e.Reason)
}

// ContentCheck is the result of inspecting file bytes.
type ContentCheck struct {
	MIMEType       string
	IsPDF          bool
	SignatureMatch bool
	MIMEMatch      bool
	Message        string
}

// CheckContent applies the lenient policy: the magic-byte check takes
// precedence over the sniffed content type when the two disagree. A
// signature match overrides a non-matching sniffed type, and a signature
// mismatch overrides a matching sniffed type.
func CheckContent(content []byte) ContentCheck {
	check := inspect(content)
	if check.Message != "" {
		return check
	}

	switch {
	case check.SignatureMatch && !check.MIMEMatch:
		check.IsPDF = true
		check.MIMEType = "application/pdf"
		check.Message = "content verified as PDF by signature"
	case !check.SignatureMatch && check.MIMEMatch:
		check.IsPDF = false
		check.Message = "sniffed type indicates PDF but content does not match PDF signature"
	default:
		check.IsPDF = check.SignatureMatch
		if !check.IsPDF {
			check.Message = fmt.Sprintf("file is not a PDF, sniffed type: %s", check.MIMEType)
		}
	}
	return check
}

// CheckContentStrict requires the signature and the sniffed type to
// agree; neither overrides the other.
func CheckContentStrict(content []byte) ContentCheck {
	check := inspect(content)
	if check.Message != "" {
		return check
	}

	check.IsPDF = check.SignatureMatch && check.MIMEMatch
	switch {
	case check.IsPDF:
		check.Message = "valid PDF: signature and sniffed type agree"
	case check.SignatureMatch:
		check.Message = fmt.Sprintf("type mismatch: has PDF signature but sniffed type is %q", check.MIMEType)
	case check.MIMEMatch:
		check.Message = "signature mismatch: sniffed type says PDF but content has no PDF signature"
	default:
		check.Message = fmt.Sprintf("not a PDF: sniffed type is %q and no PDF signature found", check.MIMEType)
	}
	return check
}

func inspect(content []byte) ContentCheck {
	if len(content) == 0 {
		return ContentCheck{Message: "file content is empty"}
	}
	check := ContentCheck{
		MIMEType:       http.DetectContentType(content),
		SignatureMatch: bytes.HasPrefix(content, pdfSignature),
	}
	check.MIMEMatch = strings.HasPrefix(check.MIMEType, "application/pdf")
	return check
}

// Validate checks that the payload is non-empty and carries the
// expected content signature, returning a ValidationError otherwise.
func Validate(content []byte, strict bool) error {
	if len(content) == 0 {
		return &ValidationError{Reason: "file content is empty"}
	}

	var check ContentCheck
	if strict {
		check = CheckContentStrict(content)
	} else {
		check = CheckContent(content)
	}
	if !check.IsPDF {
		return &ValidationError{Reason: check.Message}
	}
	return nil
}

// FileInfo is the metadata embedded in a remote file identifier of the
// form <loan_number>-<document_type>-<date_time>.pdf.
type FileInfo struct {
	LoanNumber   string
	DocumentType string
	DateTime     string
	Original     string
}

// ParseFilename splits a file identifier into its metadata components.
// The date/time portion may itself contain dashes.
func ParseFilename(filename string) FileInfo {
	base := strings.TrimSuffix(path.Base(filename), path.Ext(filename))
	parts := strings.Split(base, "-")

	info := FileInfo{Original: filename}
	if len(parts) > 0 {
		info.LoanNumber = parts[0]
	}
	if len(parts) > 1 {
		info.DocumentType = parts[1]
	}
	if len(parts) > 2 {
		info.DateTime = strings.Join(parts[2:], "-")
	}
	return info
}

var versionSuffix = regexp.MustCompile(`_\d+$`)

// typeAliases maps known document type markers onto canonical names.
var typeAliases = []struct {
	key  string
	name string
}{
	{"APPLICATION", "APPLICATION"},
	{"INCOME", "INCOME"},
	{"W2", "W2"},
	{"BANK", "BANK"},
	{"STATEMENT", "BANK_STATEMENT"},
	{"TAX", "TAX"},
	{"RETURN", "TAX_RETURN"},
	{"ID", "IDENTIFICATION"},
	{"DRIVER", "DRIVERS_LICENSE"},
	{"PASSPORT", "PASSPORT"},
	{"CONTRACT", "CONTRACT"},
	{"AGREEMENT", "AGREEMENT"},
	{"APPRAISAL", "APPRAISAL"},
	{"TITLE", "TITLE"},
	{"INSURANCE", "INSURANCE"},
	{"INTERNAL", "INTERNAL"},
	{"CLOSING", "CLOSING"},
	{"CREDIT", "CREDIT"},
	{"MOU", "MOU"},
	{"FINANCIAL", "FINANCIAL"},
}

// NormalizeDocumentType maps a raw document type from a filename onto a
// canonical name: uppercased, numeric version suffix stripped, then
// matched exactly or by substring against the alias table.
func NormalizeDocumentType(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return "UNKNOWN"
	}

	normalized := strings.ToUpper(strings.TrimSpace(raw))
	normalized = versionSuffix.ReplaceAllString(normalized, "")

	for _, alias := range typeAliases {
		if normalized == alias.key {
			return alias.name
		}
	}
	for _, alias := range typeAliases {
		if strings.Contains(normalized, alias.key) {
			return alias.name
		}
	}
	return normalized
}

// FormatBytes renders a byte count in human-readable units.
func FormatBytes(n int64) string {
	units := []string{"B", "KB", "MB", "GB", "TB"}
	value := float64(n)
	i := 0
	for value > 1024 && i < len(units)-1 {
		value /= 1024
		i++
	}
	return fmt.Sprintf("%.2f %s", value, units[i])
}
