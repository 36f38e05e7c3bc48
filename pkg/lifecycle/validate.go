package lifecycle

import (
	"bytes"
	"mime"
	"net/http"
	"strings"
	"time"

	pdf "github.com/unidoc/unipdf/v3/model"

	"github.com/scoir/anchor/pkg/apperror"
	"github.com/scoir/anchor/pkg/datastore"
)

const (
	PDF  = "application/pdf"
	JPEG = "image/jpeg"
	PNG  = "image/png"
	DOC  = "application/msword"
	DOCX = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	Text = "text/plain"

	dateLayout = "2006-01-02"
)

var allowed = map[string]bool{PDF: true, JPEG: true, PNG: true, DOC: true, DOCX: true, Text: true}

// sniffed lists the declared types a content sniff may legitimately disagree with.
// Office documents sniff as zip or OLE containers.
var sniffed = map[string][]string{
	PDF:  {PDF},
	JPEG: {JPEG},
	PNG:  {PNG},
	Text: {Text},
	DOC:  {DOC, "application/octet-stream"},
	DOCX: {DOCX, "application/zip", "application/octet-stream"},
}

// MediaType normalises a declared content type and checks it against the allowlist.
func MediaType(declared string) (string, error) {
	mt, _, err := mime.ParseMediaType(declared)
	if err != nil {
		return "", apperror.Newf(apperror.UnsupportedMediaType, "content type %q is not recognised", declared)
	}

	if !allowed[mt] {
		return "", apperror.Newf(apperror.UnsupportedMediaType, "content type %s is not accepted", mt)
	}

	return mt, nil
}

// inspectFile checks that body is what it claims to be and describes it.
func inspectFile(name, declared string, body []byte, maxBytes int64) (*datastore.FileDescriptor, error) {
	if int64(len(body)) > maxBytes {
		return nil, apperror.Newf(apperror.PayloadTooLarge, "file is %d bytes, the limit is %d", len(body), maxBytes)
	}

	if len(body) == 0 {
		return nil, apperror.New(apperror.Validation, "file is empty")
	}

	mt, err := MediaType(declared)
	if err != nil {
		return nil, err
	}

	detected, _, _ := mime.ParseMediaType(http.DetectContentType(body))
	match := false
	for _, ok := range sniffed[mt] {
		if detected == ok {
			match = true
			break
		}
	}
	if !match {
		return nil, apperror.Newf(apperror.UnsupportedMediaType, "file declared as %s looks like %s", mt, detected)
	}

	out := &datastore.FileDescriptor{
		OriginalName: strings.TrimSpace(name),
		ByteSize:     int64(len(body)),
		MimeType:     mt,
	}

	if out.OriginalName == "" {
		return nil, apperror.New(apperror.Validation, "file name is required")
	}

	if mt == PDF {
		pages, err := pageCount(body)
		if err != nil {
			return nil, err
		}
		out.PageCount = pages
	}

	return out, nil
}

func pageCount(body []byte) (n int, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			n, err = 0, apperror.Newf(apperror.Validation, "PDF could not be parsed: %v", rec)
		}
	}()

	reader, err := pdf.NewPdfReader(bytes.NewReader(body))
	if err != nil {
		return 0, apperror.Wrap(err, apperror.Validation, "PDF could not be parsed")
	}

	n, err = reader.GetNumPages()
	if err != nil {
		return 0, apperror.Wrap(err, apperror.Validation, "PDF page tree is invalid")
	}

	if n < 1 {
		return 0, apperror.New(apperror.Validation, "PDF has no pages")
	}

	return n, nil
}

// ValidateMetadata checks required fields and date ordering against today (UTC).
func ValidateMetadata(m *datastore.Metadata, now time.Time) error {
	m.RecipientName = strings.TrimSpace(m.RecipientName)
	m.RecipientID = strings.TrimSpace(m.RecipientID)
	m.IssuingAuthority = strings.TrimSpace(m.IssuingAuthority)
	m.CredentialKind = datastore.CredentialKind(strings.ToLower(strings.TrimSpace(string(m.CredentialKind))))

	var missing []string
	if m.RecipientName == "" {
		missing = append(missing, "recipientName")
	}
	if m.RecipientID == "" {
		missing = append(missing, "recipientId")
	}
	if m.IssuingAuthority == "" {
		missing = append(missing, "issuingAuthority")
	}
	if m.IssueDate == "" {
		missing = append(missing, "issueDate")
	}
	if len(missing) > 0 {
		return apperror.Newf(apperror.Validation, "metadata is missing %s", strings.Join(missing, ", "))
	}

	if !m.CredentialKind.Valid() {
		return apperror.Newf(apperror.Validation, "credentialKind %q is not recognised", m.CredentialKind)
	}

	issued, err := time.Parse(dateLayout, m.IssueDate)
	if err != nil {
		return apperror.Newf(apperror.Validation, "issueDate %q is not a YYYY-MM-DD date", m.IssueDate)
	}

	today := now.UTC().Truncate(24 * time.Hour)
	if issued.After(today) {
		return apperror.Newf(apperror.Validation, "issueDate %s is in the future", m.IssueDate)
	}

	if m.ExpiryDate != "" {
		expires, err := time.Parse(dateLayout, m.ExpiryDate)
		if err != nil {
			return apperror.Newf(apperror.Validation, "expiryDate %q is not a YYYY-MM-DD date", m.ExpiryDate)
		}
		if expires.Before(issued) {
			return apperror.New(apperror.Validation, "expiryDate precedes issueDate")
		}
	}

	return nil
}
