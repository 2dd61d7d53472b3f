// Package telegramnotifier доставляет уведомления радара через MTProto от
// имени пользовательского аккаунта. Транспорт реализует notify.Sender:
// соблюдает троттлинг и FLOOD_WAIT, переживает обрывы соединения, шлёт текст
// с детерминированным random_id (ретраи не плодят дублей) и докладывает
// сохранённые вложения совпавшего объявления отдельными сообщениями.
package telegramnotifier

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"telegram-radar/internal/domain/notify"
	"telegram-radar/internal/infra/logger"
	"telegram-radar/internal/infra/telegram/connection"
	"telegram-radar/internal/infra/telegram/peersmgr"
	telegramruntime "telegram-radar/internal/infra/telegram/runtime"
	"telegram-radar/internal/infra/telegram/status"
	"telegram-radar/internal/infra/throttle"

	"github.com/gotd/td/telegram/uploader"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
)

// sendMaxRetries — попыток на один RPC внутри троттлера. FLOOD_WAIT попытку
// не расходует, поэтому лимит покрывает только настоящие транзиентные сбои.
const sendMaxRetries = 3

// ClientSender выполняет доставку уведомлений через MTProto-клиент аккаунта.
type ClientSender struct {
	api       *tg.Client
	peers     *peersmgr.Service
	uploads   *uploader.Uploader
	throttler *throttle.Throttler
}

// NewClientSender создаёт транспорт. rps ограничивает среднюю частоту
// исходящих запросов (SEND_RPS), паузы FLOOD_WAIT выдерживаются точно.
func NewClientSender(api *tg.Client, peers *peersmgr.Service, rps int) *ClientSender {
	if peers == nil {
		panic("ClientSender: peers manager must not be nil")
	}
	return &ClientSender{
		api:     api,
		peers:   peers,
		uploads: uploader.NewUploader(api),
		throttler: throttle.New(rps,
			throttle.WithMaxRetries(sendMaxRetries),
			throttle.WithWaitExtractors(FloodWaitExtractor()),
		),
	}
}

// Start поднимает троттлер отправок. Вызывается диспетчером уведомлений.
func (s *ClientSender) Start(ctx context.Context) { s.throttler.Start(ctx) }

// Stop гасит троттлер.
func (s *ClientSender) Stop() { s.throttler.Stop() }

// BeforeDrain вызывается диспетчером один раз перед серией доставок:
// аккаунт переводится в online и выдерживается короткая случайная пауза,
// чтобы активность не выглядела машинной.
func (s *ClientSender) BeforeDrain(ctx context.Context) {
	status.GoOnline()
	telegramruntime.WaitRandomTime(ctx)
}

// WaitOnline блокирует диспетчер до восстановления соединения.
func (s *ClientSender) WaitOnline(ctx context.Context) error {
	connection.WaitOnline(ctx)
	return ctx.Err()
}

// Deliver доставляет одно задание: текст уведомления и, если совпадение
// сохранило вложения, сами файлы следом. Исходы:
//   - Permanent — получатель недоступен навсегда (приватность, бан), задание снимается;
//   - NetworkDown — соединение потеряно, очередь подождёт восстановления;
//   - error — транзиентный сбой, очередь повторит задание позже.
func (s *ClientSender) Deliver(ctx context.Context, job notify.Job) (notify.Outcome, error) {
	var outcome notify.Outcome

	peer, err := s.resolveUser(ctx, job.Payload.UserID)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return outcome, err
		}
		if connection.HandleError(err) {
			outcome.NetworkDown = true
			return outcome, nil
		}
		// Нерешаемый peer — постоянная проблема с получателем, а не с сетью.
		logger.Errorf("ClientSender: peer пользователя %d не разрешён: %v", job.Payload.UserID, err)
		outcome.Permanent = true
		outcome.PermanentError = err
		return outcome, nil
	}

	connection.WaitOnline(ctx)
	status.DoTypingWaitChars(ctx, peer, job.Payload.Text)

	if strings.TrimSpace(job.Payload.Text) != "" {
		if err := s.sendText(ctx, peer, job.Payload); err != nil {
			return classify(err)
		}
	}

	for i, path := range job.Payload.MediaPaths {
		if err := s.sendMedia(ctx, peer, job.Payload, i, path); err != nil {
			return classify(err)
		}
	}

	return outcome, nil
}

// classify нормализует ошибку RPC в исход доставки для диспетчера.
func classify(err error) (notify.Outcome, error) {
	var outcome notify.Outcome

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return outcome, err
	}

	if _, ok := tgerr.AsFloodWait(err); ok {
		// FLOOD_WAIT пережил все ожидания троттлера: редкий случай,
		// задание вернётся в очередь обычным ретраем.
		return outcome, err
	}

	if rpcErr, ok := tgerr.As(err); ok {
		// PEER_FLOOD и клиентские 4xx не лечатся повтором того же запроса.
		if rpcErr.Type == "PEER_FLOOD" || (rpcErr.Code >= 400 && rpcErr.Code < 500) {
			outcome.Permanent = true
			outcome.PermanentError = err
			return outcome, nil
		}
	}

	if connection.HandleError(err) {
		outcome.NetworkDown = true
		return outcome, nil
	}

	return outcome, err
}

// sendText отправляет текст уведомления. random_id детерминирован по
// содержимому задания: Telegram дедуплицирует ретраи на своей стороне.
func (s *ClientSender) sendText(ctx context.Context, peer tg.InputPeerClass, p notify.Payload) error {
	randomID := messageRandomID(p)
	logger.Debugf("ClientSender: текст пользователю %d random_id=%d", p.UserID, randomID)

	return s.throttler.Do(ctx, func() error {
		_, err := s.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
			Peer: peer,
			// Превью ссылок глушится: ссылка на сообщение в хвосте текста не
			// должна разворачиваться в карточку.
			NoWebpage: true,
			Message:   p.Text,
			RandomID:  randomID,
		})
		return sendError(err)
	})
}

// sendMedia загружает один сохранённый файл и шлёт его без подписи.
// Отсутствующий на диске файл пропускается: уведомление важнее вложения.
func (s *ClientSender) sendMedia(ctx context.Context, peer tg.InputPeerClass, p notify.Payload, index int, path string) error {
	if _, err := os.Stat(path); err != nil {
		logger.Warnf("ClientSender: вложение %s недоступно: %v", path, err)
		return nil
	}

	return s.throttler.Do(ctx, func() error {
		file, err := s.uploads.FromPath(ctx, path)
		if err != nil {
			return sendError(fmt.Errorf("загрузка %s: %w", path, err))
		}
		_, err = s.api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
			Peer:     peer,
			Media:    mediaFor(path, file),
			RandomID: mediaRandomID(p, index),
		})
		return sendError(err)
	})
}

// mediaFor выбирает тип вложения по расширению сохранённого файла: картинки
// уходят фотографиями, остальное — документом с исходным именем.
func mediaFor(path string, file tg.InputFileClass) tg.InputMediaClass {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".webp":
		return &tg.InputMediaUploadedPhoto{File: file}
	default:
		return &tg.InputMediaUploadedDocument{
			File:     file,
			MimeType: "application/octet-stream",
			Attributes: []tg.DocumentAttributeClass{
				&tg.DocumentAttributeFilename{FileName: filepath.Base(path)},
			},
		}
	}
}

// resolveUser разрешает получателя через кэш пиров без сетевых запросов к
// незнакомым пользователям: подписчики радара обязаны быть в кэше диалогов.
func (s *ClientSender) resolveUser(ctx context.Context, userID int64) (tg.InputPeerClass, error) {
	p, ok, err := s.peers.ResolvePeer(ctx, peersmgr.DialogKindUser, userID)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("пользователь %d отсутствует в кэше пиров", userID)
	}
	return p.InputPeer(), nil
}

// sendError отмечает перманентные RPC-ошибки для троттлера: повторять
// клиентскую 4xx бессмысленно, ретраи оставляем сетевым сбоям.
func sendError(err error) error {
	if err == nil {
		return nil
	}
	if rpcErr, ok := tgerr.As(err); ok && rpcErr.Code >= 400 && rpcErr.Code < 500 && rpcErr.Type != "FLOOD_WAIT" {
		return &permanentSendError{err: err}
	}
	return err
}

// permanentSendError останавливает ретраи троттлера немедленно.
type permanentSendError struct{ err error }

func (e *permanentSendError) Error() string   { return e.err.Error() }
func (e *permanentSendError) Unwrap() error   { return e.err }
func (e *permanentSendError) StopRetry() bool { return true }
