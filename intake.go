package taxchat

import (
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

var supportedMediaTypes = map[string]bool{
	"image/jpeg":         true,
	"image/png":          true,
	"image/gif":          true,
	"image/webp":         true,
	"application/pdf":    true,
	"text/plain":         true,
	"text/csv":           true,
	"text/markdown":      true,
	"text/html":          true,
	"application/msword": true,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document": true,
	"application/vnd.ms-excel": true,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet": true,
}

// SupportedMediaType reports whether a file of mediaType can be attached.
func SupportedMediaType(mediaType string) bool {
	return supportedMediaTypes[baseMediaType(mediaType)]
}

func baseMediaType(s string) string {
	mediaType, _, err := mime.ParseMediaType(s)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(s))
	}
	return mediaType
}

// DetectMediaType guesses the media type from the file extension, then from the content.
func DetectMediaType(name string, data []byte) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".md", ".markdown":
		return "text/markdown"
	case ".csv":
		return "text/csv"
	case ".txt":
		return "text/plain"
	case ".doc":
		return "application/msword"
	case ".docx":
		return "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	case ".xls":
		return "application/vnd.ms-excel"
	case ".xlsx":
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return baseMediaType(t)
	}
	return baseMediaType(http.DetectContentType(data))
}

// UnsupportedAttachmentNote is the text a backend sends in place of a file it cannot forward.
func UnsupportedAttachmentNote(mediaType string) string {
	return fmt.Sprintf("[An attached file of type %s was omitted because this file type is not supported.]", mediaType)
}

func unsupportedFileNote(name, mediaType string) string {
	return fmt.Sprintf("I tried to upload a file %q but the file type %q is not supported. Please upload a PDF, image, document or text file.", name, mediaType)
}

func fileFailureNote(name string) string {
	return fmt.Sprintf("There was an error processing the file %q. Please try uploading a different file or copy-paste the content directly.", name)
}

func uploadCaption(name, mediaType string) string {
	switch {
	case baseMediaType(mediaType) == "application/pdf":
		return fmt.Sprintf("I'm uploading a PDF file named %q for analysis.", name)
	case isImageMediaType(mediaType):
		return fmt.Sprintf("I'm uploading an image file named %q for analysis.", name)
	default:
		return fmt.Sprintf("I'm uploading a document named %q for analysis.", name)
	}
}

func joinCaption(caption, note string) string {
	if strings.TrimSpace(caption) == "" {
		return note
	}
	return note + "\n" + caption
}

// SourceTurn builds the user turn carrying an uploaded file named name.
// Text files are inlined into a plain text turn. Unsupported or unreadable
// files yield a text turn describing the problem instead.
func SourceTurn(caption, name string, src Source) Turn {
	mediaType := baseMediaType(src.MediaType)
	if !SupportedMediaType(mediaType) {
		return UserTurn(joinCaption(caption, unsupportedFileNote(name, mediaType)))
	}
	data, err := src.Bytes()
	if err != nil {
		return UserTurn(joinCaption(caption, fileFailureNote(name)))
	}
	if strings.HasPrefix(mediaType, "text/") {
		return UserTurn(textFileContent(caption, name, data))
	}
	return Turn{
		Role: RoleUser,
		Content: BlockContent(
			TextBlock{Text: joinCaption(caption, uploadCaption(name, mediaType))},
			AttachmentBlock(src),
		),
	}
}

func textFileContent(caption, name string, data []byte) string {
	request := "Please analyze this document and provide guidance."
	if strings.TrimSpace(caption) != "" {
		request = caption
	}
	return fmt.Sprintf("I've uploaded a text file named %q. Here's its content:\n\n%s\n\n%s",
		name, strings.ToValidUTF8(string(data), "\uFFFD"), request)
}

// FileTurn is SourceTurn over the raw bytes of a file.
func FileTurn(caption, name string, data []byte) Turn {
	return SourceTurn(caption, name, Base64Source(DetectMediaType(name, data), data))
}

// ReadFileTurn is FileTurn over a file on disk. Read failures become a text turn.
func ReadFileTurn(caption, path string) Turn {
	name := filepath.Base(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return UserTurn(joinCaption(caption, fileFailureNote(name)))
	}
	return FileTurn(caption, name, data)
}
