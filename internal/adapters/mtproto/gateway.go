package mtproto

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/telegram/message"
	"github.com/gotd/td/tg"
	"github.com/gotd/td/tgerr"
	"github.com/rs/zerolog"

	"tg-group-report/internal/domain"
	"tg-group-report/internal/infra/metrics"
)

// Gateway реализует domain.ChatGateway поверх gotd. Все вызовы API должны
// происходить внутри Run: клиент gotd живёт только пока открыто соединение.
type Gateway struct {
	client   *telegram.Client
	log      zerolog.Logger
	mediaDir string

	mu    sync.Mutex
	api   *tg.Client
	peers map[int64]tg.InputPeerClass
}

// NewGateway создаёт MTProto клиент на базе токенов приложения.
func NewGateway(apiID int, apiHash string, storage session.Storage, mediaDir string, log zerolog.Logger) *Gateway {
	client := telegram.NewClient(apiID, apiHash, telegram.Options{SessionStorage: storage})
	return &Gateway{
		client:   client,
		log:      log,
		mediaDir: mediaDir,
		peers:    make(map[int64]tg.InputPeerClass),
	}
}

// Run открывает соединение и выполняет fn. Сессия должна быть уже
// авторизована (init-session), иначе возвращается невосстановимая ошибка.
func (g *Gateway) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	return g.client.Run(ctx, func(ctx context.Context) error {
		status, err := g.client.Auth().Status(ctx)
		if err != nil {
			return classifyErr("auth.status", err)
		}
		if !status.Authorized {
			return domain.NewPermanentError(fmt.Errorf("MTProto сессия не авторизована, выполните init-session"))
		}

		g.mu.Lock()
		g.api = g.client.API()
		g.mu.Unlock()
		defer func() {
			g.mu.Lock()
			g.api = nil
			g.mu.Unlock()
		}()

		return fn(ctx)
	})
}

// Authorize проводит интерактивный вход и сохраняет сессию в хранилище.
func (g *Gateway) Authorize(ctx context.Context, authenticator auth.UserAuthenticator) error {
	return g.client.Run(ctx, func(ctx context.Context) error {
		flow := auth.NewFlow(authenticator, auth.SendCodeOptions{})
		if err := g.client.Auth().IfNecessary(ctx, flow); err != nil {
			return classifyErr("auth.flow", err)
		}
		self, err := g.client.Self(ctx)
		if err != nil {
			return classifyErr("users.getFullUser", err)
		}
		g.log.Info().Int64("user_id", self.ID).Str("username", self.Username).Msg("MTProto сессия авторизована")
		return nil
	})
}

func (g *Gateway) apiClient() (*tg.Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.api == nil {
		return nil, domain.NewPermanentError(fmt.Errorf("вызов MTProto вне активного соединения"))
	}
	return g.api, nil
}

// FetchMessages возвращает страницу истории чата со строго большими messageID,
// чем afterID, по возрастанию идентификаторов. При afterID == 0 страница
// начинается с первого сообщения после since. Пустой срез означает, что
// новых сообщений нет.
func (g *Gateway) FetchMessages(ctx context.Context, chat domain.ChatConfig, afterID int64, since time.Time, pageSize int) ([]domain.FetchedMessage, error) {
	api, err := g.apiClient()
	if err != nil {
		return nil, err
	}
	peer, err := g.resolvePeer(ctx, api, chat)
	if err != nil {
		return nil, err
	}

	// OffsetID (или OffsetDate на первом проходе) плюс отрицательный
	// AddOffset смещают окно вперёд, MinID страхует от сообщений ниже
	// вотермарки.
	req := &tg.MessagesGetHistoryRequest{
		Peer:      peer,
		AddOffset: -pageSize,
		Limit:     pageSize,
	}
	if afterID > 0 {
		req.OffsetID = int(afterID)
		req.MinID = int(afterID)
	} else {
		req.OffsetDate = int(since.Unix())
	}

	start := time.Now()
	res, err := api.MessagesGetHistory(ctx, req)
	metrics.ObserveNetworkRequest("mtproto", "messages.getHistory", chat.DisplayName(), start, err)
	if err != nil {
		return nil, classifyErr("messages.getHistory", err)
	}

	raw, users, chats, err := unpackHistory(res)
	if err != nil {
		return nil, err
	}

	out := make([]domain.FetchedMessage, 0, len(raw))
	for _, mc := range raw {
		msg, ok := mc.(*tg.Message)
		if !ok {
			// Сервисные сообщения (вступления, закрепы) не сохраняем.
			continue
		}
		if int64(msg.ID) <= afterID {
			continue
		}
		if afterID == 0 && time.Unix(int64(msg.Date), 0).Before(since) {
			continue
		}
		out = append(out, g.buildFetched(chat.ChatID, msg, users, chats))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Message.MessageID < out[j].Message.MessageID
	})
	return out, nil
}

// DownloadMedia скачивает вложение в каталог медиа и возвращает путь к файлу.
func (g *Gateway) DownloadMedia(ctx context.Context, chat domain.ChatConfig, msg domain.FetchedMessage) (string, error) {
	api, err := g.apiClient()
	if err != nil {
		return "", err
	}
	handle, ok := msg.MediaHandle.(mediaHandle)
	if !ok || handle.loc == nil {
		return "", domain.NewPermanentError(fmt.Errorf("у сообщения %d нет скачиваемого вложения", msg.Message.MessageID))
	}

	dir := filepath.Join(g.mediaDir, strconv.FormatInt(chat.ChatID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("создать каталог медиа: %w", err)
	}
	path := filepath.Join(dir, mediaFileName(msg.Message.MessageID, handle))

	start := time.Now()
	_, err = downloader.NewDownloader().Download(api, handle.loc).ToPath(ctx, path)
	metrics.ObserveNetworkRequest("mtproto", "upload.getFile", chat.DisplayName(), start, err)
	metrics.IncMediaDownload(err)
	if err != nil {
		return "", classifyErr("upload.getFile", err)
	}
	return path, nil
}

// SendText отправляет текст адресату: "me" — Saved Messages, @username или
// ссылка — публичный пир, число — чат из конфигурации.
func (g *Gateway) SendText(ctx context.Context, target string, text string) error {
	api, err := g.apiClient()
	if err != nil {
		return err
	}
	sender := message.NewSender(api)

	start := time.Now()
	switch {
	case target == "" || target == "me":
		_, err = sender.Self().Text(ctx, text)
	case strings.HasPrefix(target, "@") || strings.Contains(target, "t.me/"):
		name, perr := usernameFromLink(target)
		if perr != nil {
			return perr
		}
		_, err = sender.Resolve(name).Text(ctx, text)
	default:
		id, perr := strconv.ParseInt(target, 10, 64)
		if perr != nil {
			return domain.NewPermanentError(fmt.Errorf("непонятный адресат %q", target))
		}
		peer, rerr := g.resolveByID(ctx, api, id)
		if rerr != nil {
			return rerr
		}
		_, err = sender.To(peer).Text(ctx, text)
	}
	metrics.ObserveNetworkRequest("mtproto", "messages.sendMessage", target, start, err)
	if err != nil {
		return classifyErr("messages.sendMessage", err)
	}
	return nil
}

func (g *Gateway) resolvePeer(ctx context.Context, api *tg.Client, chat domain.ChatConfig) (tg.InputPeerClass, error) {
	g.mu.Lock()
	if peer, ok := g.peers[chat.ChatID]; ok {
		g.mu.Unlock()
		return peer, nil
	}
	g.mu.Unlock()

	var (
		peer tg.InputPeerClass
		err  error
	)
	if chat.ChatLink != "" {
		peer, err = g.resolveByLink(ctx, api, chat.ChatLink)
	} else {
		peer, err = g.resolveByID(ctx, api, chat.ChatID)
	}
	if err != nil {
		return nil, err
	}

	g.mu.Lock()
	g.peers[chat.ChatID] = peer
	g.mu.Unlock()
	return peer, nil
}

func (g *Gateway) resolveByLink(ctx context.Context, api *tg.Client, link string) (tg.InputPeerClass, error) {
	username, err := usernameFromLink(link)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	res, err := api.ContactsResolveUsername(ctx, username)
	metrics.ObserveNetworkRequest("mtproto", "contacts.resolveUsername", username, start, err)
	if err != nil {
		return nil, classifyErr("contacts.resolveUsername", err)
	}
	for _, c := range res.Chats {
		switch ch := c.(type) {
		case *tg.Channel:
			return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}, nil
		case *tg.Chat:
			return &tg.InputPeerChat{ChatID: ch.ID}, nil
		}
	}
	return nil, domain.NewPermanentError(fmt.Errorf("ссылка %s не ведёт на группу или канал", link))
}

// resolveByID находит пир по числовому идентификатору в стиле клиентских
// конфигов: -100XXXXXXXXXX — супергруппа, прочие отрицательные — обычная
// группа. Access hash супергруппы берётся из списка чатов аккаунта.
func (g *Gateway) resolveByID(ctx context.Context, api *tg.Client, chatID int64) (tg.InputPeerClass, error) {
	const channelMark = int64(-1_000_000_000_000)

	if chatID > channelMark && chatID < 0 {
		return &tg.InputPeerChat{ChatID: -chatID}, nil
	}
	if chatID > 0 {
		return &tg.InputPeerChat{ChatID: chatID}, nil
	}

	channelID := -(chatID - channelMark)
	start := time.Now()
	res, err := api.MessagesGetAllChats(ctx, []int64{})
	metrics.ObserveNetworkRequest("mtproto", "messages.getAllChats", strconv.FormatInt(chatID, 10), start, err)
	if err != nil {
		return nil, classifyErr("messages.getAllChats", err)
	}
	for _, c := range res.GetChats() {
		ch, ok := c.(*tg.Channel)
		if !ok {
			continue
		}
		if ch.ID == channelID {
			return &tg.InputPeerChannel{ChannelID: ch.ID, AccessHash: ch.AccessHash}, nil
		}
	}
	return nil, domain.NewPermanentError(fmt.Errorf("чат %d не найден среди чатов аккаунта, укажите chat_link", chatID))
}

func (g *Gateway) buildFetched(chatID int64, msg *tg.Message, users map[int64]*tg.User, chats map[int64]string) domain.FetchedMessage {
	senderID, senderName := senderOf(msg, users, chats)

	m := domain.Message{
		ChatID:     chatID,
		MessageID:  int64(msg.ID),
		SenderID:   senderID,
		SenderName: senderName,
		Text:       msg.Message,
		Timestamp:  time.Unix(int64(msg.Date), 0).UTC(),
	}
	if replyTo, ok := replyIDOf(msg); ok {
		m.ReplyTo = &replyTo
	}

	fetched := domain.FetchedMessage{Message: m}
	media, ok := msg.GetMedia()
	if !ok {
		return fetched
	}

	info := describeMedia(media)
	fetched.Message.MediaType = info.mediaType
	fetched.HasMedia = info.mediaType != ""
	fetched.VideoOrVoice = info.videoOrVoice
	fetched.MediaSize = info.size
	fetched.FileName = info.name
	if info.loc != nil {
		fetched.MediaHandle = mediaHandle{loc: info.loc, name: info.name, mediaType: info.mediaType}
	}
	return fetched
}

func senderOf(msg *tg.Message, users map[int64]*tg.User, chats map[int64]string) (int64, string) {
	from, ok := msg.GetFromID()
	if !ok {
		return 0, ""
	}
	switch p := from.(type) {
	case *tg.PeerUser:
		u, ok := users[p.UserID]
		if !ok {
			return p.UserID, "user_" + strconv.FormatInt(p.UserID, 10)
		}
		return p.UserID, displayUser(u)
	case *tg.PeerChannel:
		// Анонимные админы и посты от имени канала.
		if title, ok := chats[p.ChannelID]; ok {
			return -p.ChannelID, title
		}
		return -p.ChannelID, "channel_" + strconv.FormatInt(p.ChannelID, 10)
	}
	return 0, ""
}

func displayUser(u *tg.User) string {
	if u.Username != "" {
		return "@" + u.Username
	}
	name := strings.TrimSpace(u.FirstName + " " + u.LastName)
	if name != "" {
		return name
	}
	return "user_" + strconv.FormatInt(u.ID, 10)
}

func replyIDOf(msg *tg.Message) (int64, bool) {
	reply, ok := msg.GetReplyTo()
	if !ok {
		return 0, false
	}
	header, ok := reply.(*tg.MessageReplyHeader)
	if !ok {
		return 0, false
	}
	// Для форумов ReplyToMsgID указывает на корень топика, а не на ответ.
	if header.ForumTopic {
		return 0, false
	}
	id, ok := header.GetReplyToMsgID()
	if !ok {
		return 0, false
	}
	return int64(id), true
}

type mediaHandle struct {
	loc       tg.InputFileLocationClass
	name      string
	mediaType string
}

type mediaInfo struct {
	mediaType    string
	size         int64
	name         string
	videoOrVoice bool
	loc          tg.InputFileLocationClass
}

func describeMedia(media tg.MessageMediaClass) mediaInfo {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.Photo.(*tg.Photo)
		if !ok {
			return mediaInfo{mediaType: "photo"}
		}
		thumb, size := largestPhotoSize(photo)
		return mediaInfo{
			mediaType: "photo",
			size:      size,
			loc: &tg.InputPhotoFileLocation{
				ID:            photo.ID,
				AccessHash:    photo.AccessHash,
				FileReference: photo.FileReference,
				ThumbSize:     thumb,
			},
		}
	case *tg.MessageMediaDocument:
		doc, ok := m.Document.AsNotEmpty()
		if !ok {
			return mediaInfo{mediaType: "document"}
		}
		info := mediaInfo{
			mediaType: "document",
			size:      doc.Size,
			loc: &tg.InputDocumentFileLocation{
				ID:            doc.ID,
				AccessHash:    doc.AccessHash,
				FileReference: doc.FileReference,
			},
		}
		for _, attr := range doc.Attributes {
			switch a := attr.(type) {
			case *tg.DocumentAttributeVideo:
				info.mediaType = "video"
				info.videoOrVoice = true
			case *tg.DocumentAttributeAudio:
				if a.Voice {
					info.mediaType = "voice"
					info.videoOrVoice = true
				} else {
					info.mediaType = "audio"
				}
			case *tg.DocumentAttributeSticker:
				info.mediaType = "sticker"
			case *tg.DocumentAttributeFilename:
				info.name = a.FileName
			}
		}
		return info
	case *tg.MessageMediaWebPage:
		return mediaInfo{mediaType: "webpage"}
	case *tg.MessageMediaPoll:
		return mediaInfo{mediaType: "poll"}
	default:
		return mediaInfo{mediaType: "other"}
	}
}

func largestPhotoSize(photo *tg.Photo) (string, int64) {
	var (
		thumb string
		best  int64
	)
	for _, s := range photo.Sizes {
		switch sz := s.(type) {
		case *tg.PhotoSize:
			if int64(sz.Size) > best {
				best, thumb = int64(sz.Size), sz.Type
			}
		case *tg.PhotoSizeProgressive:
			var max int
			for _, v := range sz.Sizes {
				if v > max {
					max = v
				}
			}
			if int64(max) > best {
				best, thumb = int64(max), sz.Type
			}
		}
	}
	return thumb, best
}

func unpackHistory(res tg.MessagesMessagesClass) ([]tg.MessageClass, map[int64]*tg.User, map[int64]string, error) {
	var (
		msgs  []tg.MessageClass
		users []tg.UserClass
		chats []tg.ChatClass
	)
	switch h := res.(type) {
	case *tg.MessagesChannelMessages:
		msgs, users, chats = h.Messages, h.Users, h.Chats
	case *tg.MessagesMessagesSlice:
		msgs, users, chats = h.Messages, h.Users, h.Chats
	case *tg.MessagesMessages:
		msgs, users, chats = h.Messages, h.Users, h.Chats
	default:
		return nil, nil, nil, domain.NewTransientError(fmt.Errorf("неожиданный ответ истории: %T", res))
	}

	userIndex := make(map[int64]*tg.User, len(users))
	for _, u := range users {
		if user, ok := u.(*tg.User); ok {
			userIndex[user.ID] = user
		}
	}
	chatIndex := make(map[int64]string, len(chats))
	for _, c := range chats {
		switch ch := c.(type) {
		case *tg.Channel:
			chatIndex[ch.ID] = ch.Title
		case *tg.Chat:
			chatIndex[ch.ID] = ch.Title
		}
	}
	return msgs, userIndex, chatIndex, nil
}

func usernameFromLink(link string) (string, error) {
	u := strings.TrimSpace(link)
	u = strings.TrimPrefix(u, "https://")
	u = strings.TrimPrefix(u, "http://")
	u = strings.TrimPrefix(u, "t.me/")
	u = strings.TrimPrefix(u, "telegram.me/")
	u = strings.TrimPrefix(u, "@")
	u = strings.TrimSuffix(u, "/")
	if u == "" || strings.HasPrefix(u, "+") || strings.HasPrefix(u, "joinchat/") {
		return "", domain.NewPermanentError(fmt.Errorf("ссылка %q не содержит публичного имени чата", link))
	}
	if idx := strings.IndexByte(u, '/'); idx >= 0 {
		u = u[:idx]
	}
	return u, nil
}

func mediaFileName(messageID int64, handle mediaHandle) string {
	base := strconv.FormatInt(messageID, 10)
	if handle.name != "" {
		return base + "_" + sanitizeFileName(handle.name)
	}
	switch handle.mediaType {
	case "photo":
		return base + ".jpg"
	default:
		return base + ".bin"
	}
}

func sanitizeFileName(name string) string {
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9',
			r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

func classifyErr(op string, err error) error {
	if err == nil {
		return nil
	}
	if wait, ok := tgerr.AsFloodWait(err); ok {
		return domain.NewRateLimitedError(fmt.Errorf("%s: %w", op, err), wait)
	}
	if tgerr.Is(err,
		"CHANNEL_PRIVATE", "CHANNEL_INVALID", "CHAT_ID_INVALID", "PEER_ID_INVALID",
		"USERNAME_NOT_OCCUPIED", "USERNAME_INVALID",
		"AUTH_KEY_UNREGISTERED", "SESSION_REVOKED", "USER_DEACTIVATED",
	) {
		return domain.NewPermanentError(fmt.Errorf("%s: %w", op, err))
	}
	return domain.NewTransientError(fmt.Errorf("%s: %w", op, err))
}
