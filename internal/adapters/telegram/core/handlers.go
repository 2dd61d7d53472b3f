package core

import (
	"context"
	"sync"

	"telegram-radar/internal/domain/stream"
	"telegram-radar/internal/infra/concurrency"
	"telegram-radar/internal/infra/telegram/cache"
	"telegram-radar/internal/support/debug"

	"github.com/gotd/td/tg"
)

// Handlers связывает диспетчер апдейтов gotd с доменным обработчиком потока:
// конвертирует сырые апдейты, дедуплицирует повторы по (чат, id, editDate) и
// сглаживает лавины правок дебаунсером. Исходящие сообщения отбрасываются
// сразу: радар слушает чужие чаты, а не собственную переписку.
type Handlers struct {
	client    *Client
	handler   stream.Handler
	dup       *concurrency.Deduplicator
	debouncer *concurrency.Debouncer

	// runCtx живёт от Start до Stop. Отложенные дебаунсером правки исполняются
	// уже после возврата из колбэка апдейта, поэтому им нужен контекст
	// жизненного цикла, а не контекст самого апдейта.
	runCtx context.Context

	startOnce sync.Once
	stopOnce  sync.Once
	cancel    context.CancelFunc
}

// NewHandlers собирает обработчики живого потока. Дедупликатор и дебаунсер
// передаются снаружи и стартуют вместе с обработчиками.
func NewHandlers(client *Client, handler stream.Handler,
	dup *concurrency.Deduplicator, debouncer *concurrency.Debouncer) *Handlers {
	return &Handlers{
		client:    client,
		handler:   handler,
		dup:       dup,
		debouncer: debouncer,
		runCtx:    context.Background(),
	}
}

// Attach регистрирует колбэки на диспетчере апдейтов gotd.
func (h *Handlers) Attach(d tg.UpdateDispatcher) {
	d.OnNewMessage(h.OnNewMessage)
	d.OnNewChannelMessage(h.OnNewChannelMessage)
	d.OnEditMessage(h.OnEditMessage)
	d.OnEditChannelMessage(h.OnEditChannelMessage)
	d.OnDeleteMessages(h.OnDeleteMessages)
	d.OnDeleteChannelMessages(h.OnDeleteChannelMessages)
}

// Start запускает дедупликатор и дебаунсер. Повторные вызовы игнорируются.
func (h *Handlers) Start(ctx context.Context) {
	if ctx == nil {
		return
	}
	h.startOnce.Do(func() {
		h.runCtx, h.cancel = context.WithCancel(ctx)
		h.dup.Start(h.runCtx)
		h.debouncer.Start(h.runCtx)
	})
}

// Stop гасит фоновые воркеры. Повторные вызовы игнорируются.
func (h *Handlers) Stop() {
	h.stopOnce.Do(func() {
		if h.cancel != nil {
			h.cancel()
		}
		h.debouncer.Stop()
		h.dup.Stop()
	})
}

// OnNewMessage обрабатывает новое сообщение в личке или legacy-группе.
func (h *Handlers) OnNewMessage(ctx context.Context, entities tg.Entities, u *tg.UpdateNewMessage) error {
	return h.handleNew(ctx, entities, u.Message, "DM/Group")
}

// OnNewChannelMessage обрабатывает новое сообщение супергруппы или канала.
func (h *Handlers) OnNewChannelMessage(ctx context.Context, entities tg.Entities, u *tg.UpdateNewChannelMessage) error {
	return h.handleNew(ctx, entities, u.Message, "Channel")
}

// handleNew: прогрев кэша пиров по entities, дедупликация, конвертация и
// передача в движок. Движок сам решает, интересен ли чат.
func (h *Handlers) handleNew(ctx context.Context, entities tg.Entities, mc tg.MessageClass, origin string) error {
	msg, ok := mc.(*tg.Message)
	if !ok || msg.Out {
		return nil
	}

	// Прогреваем кэш соответствий peer -> inputPeer. Ошибки не критичны:
	// функция сама дополнит кэш недостающими сущностями.
	_, _ = cache.GetInputPeerRaw(entities, msg)

	if h.dup.DedupSeen(peerID(msg.PeerID), msg.ID, msg.EditDate) {
		return nil
	}

	debug.PrintUpdate(origin, msg, entities)
	h.handler.OnNewMessage(ctx, h.client.convert(msg, entities))
	return nil
}

// OnEditMessage обрабатывает правку сообщения в личке или legacy-группе.
func (h *Handlers) OnEditMessage(ctx context.Context, entities tg.Entities, u *tg.UpdateEditMessage) error {
	return h.handleEdit(entities, u.Message, "Edit")
}

// OnEditChannelMessage обрабатывает правку сообщения супергруппы или канала.
func (h *Handlers) OnEditChannelMessage(ctx context.Context, entities tg.Entities, u *tg.UpdateEditChannelMessage) error {
	return h.handleEdit(entities, u.Message, "ChannelEdit")
}

// handleEdit дебаунсит лавину правок одного сообщения и после паузы отдаёт
// последнюю версию движку.
func (h *Handlers) handleEdit(entities tg.Entities, mc tg.MessageClass, origin string) error {
	msg, ok := mc.(*tg.Message)
	if !ok || msg.Out {
		return nil
	}
	debug.PrintUpdate(origin, msg, entities)
	h.debouncer.Do(peerID(msg.PeerID), msg.ID, func() {
		if h.dup.DedupSeen(peerID(msg.PeerID), msg.ID, msg.EditDate) {
			return
		}
		h.handler.OnEditMessage(h.runCtx, h.client.convert(msg, entities))
	})
	return nil
}

// OnDeleteMessages обрабатывает удаления вне каналов. Telegram не сообщает,
// в каком чате они произошли: движку передаётся chatID == 0.
func (h *Handlers) OnDeleteMessages(ctx context.Context, _ tg.Entities, u *tg.UpdateDeleteMessages) error {
	if len(u.Messages) == 0 {
		return nil
	}
	h.handler.OnDeleteMessages(ctx, 0, u.Messages)
	return nil
}

// OnDeleteChannelMessages обрабатывает удаления в супергруппах и каналах.
func (h *Handlers) OnDeleteChannelMessages(ctx context.Context, _ tg.Entities, u *tg.UpdateDeleteChannelMessages) error {
	if len(u.Messages) == 0 {
		return nil
	}
	h.handler.OnDeleteMessages(ctx, u.ChannelID, u.Messages)
	return nil
}
