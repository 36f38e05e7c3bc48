package lifecycle

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/scoir/anchor/pkg/apperror"
	"github.com/scoir/anchor/pkg/datastore"
)

func TestMediaType(t *testing.T) {
	for _, in := range []string{PDF, JPEG, PNG, DOC, DOCX, "text/plain; charset=utf-8", "Application/PDF"} {
		_, err := MediaType(in)
		require.NoError(t, err, in)
	}

	for _, in := range []string{"", "image/gif", "application/zip", ";;"} {
		_, err := MediaType(in)
		require.True(t, apperror.Is(err, apperror.UnsupportedMediaType), in)
	}
}

func TestValidateMetadata(t *testing.T) {
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("normalises", func(t *testing.T) {
		md := metadata()
		md.RecipientName = "  Jane "
		md.CredentialKind = " Degree "
		require.NoError(t, ValidateMetadata(&md, now))
		require.Equal(t, "Jane", md.RecipientName)
		require.Equal(t, datastore.Degree, md.CredentialKind)
	})

	t.Run("issued today", func(t *testing.T) {
		md := metadata()
		md.IssueDate = "2024-06-01"
		require.NoError(t, ValidateMetadata(&md, now))
	})

	t.Run("issued tomorrow", func(t *testing.T) {
		md := metadata()
		md.IssueDate = "2024-06-02"
		require.True(t, apperror.Is(ValidateMetadata(&md, now), apperror.Validation))
	})

	t.Run("bad dates", func(t *testing.T) {
		md := metadata()
		md.IssueDate = "15/01/2024"
		require.True(t, apperror.Is(ValidateMetadata(&md, now), apperror.Validation))

		md = metadata()
		md.ExpiryDate = "never"
		require.True(t, apperror.Is(ValidateMetadata(&md, now), apperror.Validation))
	})

	t.Run("missing fields are listed", func(t *testing.T) {
		md := datastore.Metadata{CredentialKind: datastore.Badge}
		err := ValidateMetadata(&md, now)
		require.True(t, apperror.Is(err, apperror.Validation))
		require.Contains(t, err.Error(), "recipientName, recipientId, issuingAuthority, issueDate")
	})
}

func TestInspectFile(t *testing.T) {
	t.Run("png", func(t *testing.T) {
		body := append([]byte("\x89PNG\x0D\x0A\x1A\x0A"), make([]byte, 16)...)
		fd, err := inspectFile("a.png", PNG, body, 1024)
		require.NoError(t, err)
		require.Equal(t, PNG, fd.MimeType)
		require.Zero(t, fd.PageCount)
	})

	t.Run("docx sniffs as zip", func(t *testing.T) {
		body := append([]byte("PK\x03\x04"), make([]byte, 16)...)
		fd, err := inspectFile("a.docx", DOCX, body, 1024)
		require.NoError(t, err)
		require.Equal(t, DOCX, fd.MimeType)
	})

	t.Run("too large", func(t *testing.T) {
		_, err := inspectFile("a.txt", Text, []byte("hello\n"), 5)
		require.True(t, apperror.Is(err, apperror.PayloadTooLarge))
	})
}
