package telegram

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/harun/switchboard/pkg/bus"
	"github.com/rs/zerolog"
)

// MaxMediaSize bounds a downloaded attachment.
const MaxMediaSize = 5 * 1024 * 1024

const downloadTimeout = 30 * time.Second

type fileURLResolver interface {
	GetFileDirectURL(fileID string) (string, error)
}

// mediaFetcher stores inbound photos and documents under dir.
type mediaFetcher struct {
	api    fileURLResolver
	dir    string
	client *http.Client
	logger zerolog.Logger
}

func newMediaFetcher(api fileURLResolver, dir string, logger zerolog.Logger) *mediaFetcher {
	return &mediaFetcher{
		api:    api,
		dir:    dir,
		client: &http.Client{Timeout: downloadTimeout},
		logger: logger.With().Str("module", "media").Logger(),
	}
}

type attachment struct {
	fileID      string
	uniqueID    string
	size        int
	contentType string
	ext         string
}

func attachmentOf(msg *tgbotapi.Message) (attachment, bool) {
	switch {
	case len(msg.Photo) > 0:
		p := msg.Photo[len(msg.Photo)-1]
		return attachment{fileID: p.FileID, uniqueID: p.FileUniqueID, size: p.FileSize, contentType: "image/jpeg", ext: ".jpg"}, true
	case msg.Document != nil:
		d := msg.Document
		return attachment{fileID: d.FileID, uniqueID: d.FileUniqueID, size: d.FileSize, contentType: d.MimeType, ext: filepath.Ext(d.FileName)}, true
	case msg.Voice != nil:
		v := msg.Voice
		return attachment{fileID: v.FileID, uniqueID: v.FileUniqueID, size: v.FileSize, contentType: v.MimeType, ext: ".ogg"}, true
	}
	return attachment{}, false
}

// fetch downloads the message's attachment. Failures are logged and the
// message continues without media.
func (m *mediaFetcher) fetch(ctx context.Context, msg *tgbotapi.Message) (bus.MediaRef, bool) {
	att, ok := attachmentOf(msg)
	if !ok {
		return bus.MediaRef{}, false
	}
	ref, err := m.download(ctx, att)
	if err != nil {
		m.logger.Warn().Err(err).Str("fileId", att.fileID).Msg("Failed to download attachment")
		return bus.MediaRef{}, false
	}
	return ref, true
}

func (m *mediaFetcher) download(ctx context.Context, att attachment) (bus.MediaRef, error) {
	if att.size > MaxMediaSize {
		return bus.MediaRef{}, fmt.Errorf("file size %d exceeds maximum %d", att.size, MaxMediaSize)
	}
	url, err := m.api.GetFileDirectURL(att.fileID)
	if err != nil {
		return bus.MediaRef{}, fmt.Errorf("failed to resolve file: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return bus.MediaRef{}, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return bus.MediaRef{}, fmt.Errorf("failed to download file: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return bus.MediaRef{}, fmt.Errorf("download failed with status: %d", resp.StatusCode)
	}

	if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return bus.MediaRef{}, fmt.Errorf("failed to create media directory: %w", err)
	}
	name := att.uniqueID
	if name == "" {
		name = att.fileID
	}
	path := filepath.Join(m.dir, sanitizeName(name)+att.ext)
	out, err := os.Create(path)
	if err != nil {
		return bus.MediaRef{}, fmt.Errorf("failed to create file: %w", err)
	}
	written, err := io.Copy(out, io.LimitReader(resp.Body, MaxMediaSize+1))
	closeErr := out.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && written > MaxMediaSize {
		err = fmt.Errorf("file exceeds maximum %d bytes", MaxMediaSize)
	}
	if err != nil {
		os.Remove(path)
		return bus.MediaRef{}, err
	}

	m.logger.Debug().Str("path", path).Int64("size", written).Msg("Attachment downloaded")
	return bus.MediaRef{Path: path, ContentType: att.contentType}, nil
}

func sanitizeName(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}

// uploadFor picks a photo or document upload for an outbound attachment.
func uploadFor(chatID int64, ref bus.MediaRef) tgbotapi.Chattable {
	file := tgbotapi.FilePath(ref.Path)
	if strings.HasPrefix(ref.ContentType, "image/") {
		return tgbotapi.NewPhoto(chatID, file)
	}
	return tgbotapi.NewDocument(chatID, file)
}
