// Package transcript validates, reads and cleans uploaded transcripts.
package transcript

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"path/filepath"
	"strings"
	"unicode/utf8"
)

// MaxSize is the largest accepted transcript, in bytes.
const MaxSize = 5 * 1024 * 1024

// PlainTextType is the only accepted content type.
const PlainTextType = "text/plain"

// User-facing French messages.
const (
	SizeErrorMessage   = "Ton fichier est trop volumineux. Taille maximum: 5MB"
	FormatErrorMessage = "Tu dois utiliser uniquement des fichiers .txt"
	ReadErrorMessage   = "Il y a eu une erreur lors de la lecture de ton fichier. Peux-tu réessayer?"
)

// DefaultTitle is used when a file name yields an empty title.
const DefaultTitle = "Transcription"

// ValidationKind tells which check rejected an upload.
type ValidationKind string

const (
	KindSize   ValidationKind = "size"
	KindFormat ValidationKind = "format"
)

// ValidationError rejects an upload before it is read.
type ValidationError struct {
	Kind    ValidationKind
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid transcript (%s): %s", e.Kind, e.Message)
}

// UserMessage returns the localized message for the user.
func (e *ValidationError) UserMessage() string {
	return e.Message
}

// ReadError wraps an I/O failure while reading an upload.
type ReadError struct {
	Err error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("failed to read transcript: %v", e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// UserMessage returns the localized message for the user.
func (e *ReadError) UserMessage() string {
	return ReadErrorMessage
}

// Validate checks an upload's declared size and content type. A negative size
// means unknown and is checked while reading.
func Validate(size int64, contentType string) error {
	if size > MaxSize {
		return &ValidationError{Kind: KindSize, Message: SizeErrorMessage}
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || mediaType != PlainTextType {
		return &ValidationError{Kind: KindFormat, Message: FormatErrorMessage}
	}
	return nil
}

// ContentTypeFor returns the declared content type, or the one implied by the
// file extension when the declaration is missing or generic.
func ContentTypeFor(filename, declared string) string {
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if strings.EqualFold(filepath.Ext(filename), ".txt") {
		return PlainTextType
	}
	return mime.TypeByExtension(filepath.Ext(filename))
}

// Read reads a whole transcript, enforcing MaxSize and UTF-8 text.
func Read(r io.Reader) (string, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxSize+1))
	if err != nil {
		return "", &ReadError{Err: err}
	}
	if len(data) > MaxSize {
		return "", &ValidationError{Kind: KindSize, Message: SizeErrorMessage}
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))
	if !utf8.Valid(data) {
		return "", &ValidationError{Kind: KindFormat, Message: FormatErrorMessage}
	}
	return string(data), nil
}

// TitleFromFilename strips the directory and the last extension from name.
func TitleFromFilename(name string) string {
	base := filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	title := strings.TrimSpace(strings.TrimSuffix(base, filepath.Ext(base)))
	if title == "" || title == "." || title == "/" {
		return DefaultTitle
	}
	return title
}
