package core

import (
	"bytes"
	"context"
	"fmt"

	"telegram-radar/internal/domain/stream"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"
)

// maxDownloadBytes ограничивает вложения, скачиваемые в память. Всё, что
// крупнее, радару для уведомлений не нужно.
const maxDownloadBytes = 50 << 20

// Download скачивает вложение в память по локации, сохранённой в Media.Ref
// при конвертации сообщения.
func (c *Client) Download(ctx context.Context, media stream.Media) ([]byte, error) {
	loc, ok := media.Ref.(tg.InputFileLocationClass)
	if !ok {
		return nil, &stream.PermanentError{Reason: "MEDIA_REF_INVALID"}
	}
	if media.Size > maxDownloadBytes {
		return nil, &stream.PermanentError{
			Reason: "MEDIA_TOO_BIG",
			Err:    fmt.Errorf("вложение %d байт при пределе %d", media.Size, maxDownloadBytes),
		}
	}
	var buf bytes.Buffer
	if _, err := downloader.NewDownloader().Download(c.api, loc).Stream(ctx, &buf); err != nil {
		return nil, classify(err)
	}
	return buf.Bytes(), nil
}
