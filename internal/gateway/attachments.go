// Attachment handling for chat turns.
//
// PDFs have their text extracted and prefixed to the student's message;
// images are inlined as base64 data URLs on the model request. Extraction
// is best-effort: a broken attachment degrades to a plain-text turn.
package gateway

import (
	"bytes"
	"encoding/base64"
	"io"
	"net/http"
	"strings"

	"github.com/ledongthuc/pdf"
	"github.com/rs/zerolog/log"
)

// applyAttachment folds the optional uploaded file into the turn. Returns
// the (possibly prefixed) message and an optional image data URL.
func (g *Gateway) applyAttachment(r *http.Request, message string) (string, string) {
	file, header, err := r.FormFile("file")
	if err != nil {
		// http.ErrMissingFile is the common case: no attachment.
		return message, ""
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		log.Warn().Err(err).Str("filename", header.Filename).Msg("attachment read failed, ignoring it")
		return message, ""
	}

	contentType := header.Header.Get("Content-Type")
	switch {
	case contentType == "application/pdf" || strings.HasSuffix(strings.ToLower(header.Filename), ".pdf"):
		text, err := extractPDFText(data)
		if err != nil {
			log.Warn().Err(err).Str("filename", header.Filename).Msg("pdf extraction failed, ignoring attachment")
			return message, ""
		}
		return documentPrefix(header.Filename, text) + message, ""

	case strings.HasPrefix(contentType, "image/"):
		return message, imageDataURL(contentType, data)

	case strings.HasPrefix(contentType, "text/"):
		return documentPrefix(header.Filename, string(data)) + message, ""

	default:
		log.Warn().Str("filename", header.Filename).Str("content_type", contentType).Msg("unsupported attachment type, ignoring it")
		return message, ""
	}
}

func documentPrefix(filename, text string) string {
	return "[Attached document: " + filename + "]\n" + strings.TrimSpace(text) + "\n\n"
}

// extractPDFText pulls the plain text out of an uploaded PDF.
func extractPDFText(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// imageDataURL inlines an uploaded image for the multimodal model request.
func imageDataURL(contentType string, data []byte) string {
	return "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(data)
}
