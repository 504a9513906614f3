// Package discord connects the help system to Discord over the Gateway
// WebSocket. It turns gateway events into bot events and renders
// lifecycle changes back onto channels and forum posts.
package discord

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"sync"
	"time"

	"github.com/bwmarrin/discordgo"
	log "github.com/sirupsen/logrus"
	"github.com/zulandar/helpdesk/internal/bot"
	"github.com/zulandar/helpdesk/internal/config"
	"github.com/zulandar/helpdesk/internal/help"
	"github.com/zulandar/helpdesk/internal/models"
)

const (
	// maxRetries is the max number of retries for rate-limited API calls.
	maxRetries = 3
	// baseBackoff is the initial backoff duration for rate-limited calls.
	baseBackoff = 2 * time.Second
	// maxBackoff caps the exponential backoff.
	maxBackoff = 2 * time.Minute

	// privileged members may close and mark answers in any help space.
	privilegedPermissions = discordgo.PermissionAdministrator | discordgo.PermissionManageMessages | discordgo.PermissionManageThreads
)

// Button custom ids.
const (
	buttonClose      = "help:close"
	buttonCloseQuiet = "help:close-quiet"
)

// session abstracts the discordgo.Session methods we use, enabling test mocks.
type session interface {
	Open() error
	Close() error
	AddHandler(handler interface{}) func()
	ChannelEdit(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageSendReply(channelID, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error)
	ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error
	UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error)
	InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error
	ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error)
}

// realSession wraps *discordgo.Session to implement the session interface.
type realSession struct {
	s *discordgo.Session
}

func (r *realSession) Open() error  { return r.s.Open() }
func (r *realSession) Close() error { return r.s.Close() }
func (r *realSession) AddHandler(handler interface{}) func() {
	return r.s.AddHandler(handler)
}
func (r *realSession) ChannelEdit(channelID string, data *discordgo.ChannelEdit, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.ChannelEdit(channelID, data, options...)
}
func (r *realSession) ChannelMessageSendComplex(channelID string, data *discordgo.MessageSend, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendComplex(channelID, data, options...)
}
func (r *realSession) ChannelMessageSendReply(channelID, content string, reference *discordgo.MessageReference, options ...discordgo.RequestOption) (*discordgo.Message, error) {
	return r.s.ChannelMessageSendReply(channelID, content, reference, options...)
}
func (r *realSession) ChannelMessageDelete(channelID, messageID string, options ...discordgo.RequestOption) error {
	return r.s.ChannelMessageDelete(channelID, messageID, options...)
}
func (r *realSession) UserChannelCreate(recipientID string, options ...discordgo.RequestOption) (*discordgo.Channel, error) {
	return r.s.UserChannelCreate(recipientID, options...)
}
func (r *realSession) InteractionRespond(interaction *discordgo.Interaction, resp *discordgo.InteractionResponse, options ...discordgo.RequestOption) error {
	return r.s.InteractionRespond(interaction, resp, options...)
}
func (r *realSession) ApplicationCommandBulkOverwrite(appID, guildID string, commands []*discordgo.ApplicationCommand, options ...discordgo.RequestOption) ([]*discordgo.ApplicationCommand, error) {
	return r.s.ApplicationCommandBulkOverwrite(appID, guildID, commands, options...)
}

// Sink receives the events produced by the adapter. *bot.Dispatcher
// implements it.
type Sink interface {
	Handle(ev bot.Event) bool
}

// Adapter is the Discord side of the help system. It implements
// help.Spaces, help.Notifier and bot.Messages.
type Adapter struct {
	sess     session
	guilds   help.GuildConfigs
	sink     Sink

	mu          sync.Mutex
	botUserID   string
	connected   bool
	closed      bool
	removers    []func()
	baseBackoff time.Duration
	maxBackoff  time.Duration
}

// AdapterOpts holds parameters for creating an Adapter.
type AdapterOpts struct {
	BotToken string
	Guilds   help.GuildConfigs
	Sink     Sink // may be set later with SetSink, before Connect
	// For testing: inject a mock session instead of real Discord API.
	Session session
}

// New creates an Adapter.
func New(opts AdapterOpts) (*Adapter, error) {
	if opts.Session == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("discord: bot token is required")
	}
	if opts.Guilds == nil {
		return nil, fmt.Errorf("discord: guild configs are required")
	}
	sess := opts.Session
	if sess == nil {
		// REST calls work on an unopened session, so one-off commands can
		// use the adapter without joining the gateway.
		dg, err := discordgo.New("Bot " + opts.BotToken)
		if err != nil {
			return nil, fmt.Errorf("discord: create session: %w", err)
		}
		dg.Identify.Intents = discordgo.IntentsGuilds |
			discordgo.IntentsGuildMessages |
			discordgo.IntentsGuildMembers |
			discordgo.IntentsMessageContent
		sess = &realSession{s: dg}
	}
	return &Adapter{
		sess:        sess,
		guilds:      opts.Guilds,
		sink:        opts.Sink,
		baseBackoff: baseBackoff,
		maxBackoff:  maxBackoff,
	}, nil
}

// SetSink sets where gateway events are delivered. The dispatcher needs
// the adapter as a collaborator, so it is usually created afterwards.
func (a *Adapter) SetSink(s Sink) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sink = s
}

// Connect opens the Gateway connection and starts delivering events.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("discord: adapter already closed")
	}
	if a.connected {
		return nil
	}
	if a.sink == nil {
		return fmt.Errorf("discord: sink is required")
	}

	a.removers = append(a.removers,
		a.sess.AddHandler(a.onReady),
		a.sess.AddHandler(a.onGuildCreate),
		a.sess.AddHandler(a.onMessageCreate),
		a.sess.AddHandler(a.onChannelCreate),
		a.sess.AddHandler(a.onThreadCreate),
		a.sess.AddHandler(a.onMemberRemove),
		a.sess.AddHandler(a.onInteraction),
		a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) {
			log.Warn("discord: gateway disconnected, discordgo will auto-reconnect")
		}),
		a.sess.AddHandler(func(_ *discordgo.Session, _ *discordgo.Resumed) {
			log.Info("discord: gateway session resumed")
		}),
	)

	if err := a.sess.Open(); err != nil {
		return fmt.Errorf("discord: open gateway: %w", err)
	}
	a.connected = true
	return nil
}

// Close removes the handlers and closes the connection.
func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	a.connected = false
	for _, remove := range a.removers {
		remove()
	}
	a.removers = nil
	return a.sess.Close()
}

// BotUserID returns the bot's Discord user ID (available after Ready).
func (a *Adapter) BotUserID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.botUserID
}

func (a *Adapter) emit(ev bot.Event) {
	a.mu.Lock()
	sink := a.sink
	a.mu.Unlock()
	if sink != nil {
		sink.Handle(ev)
	}
}

func (a *Adapter) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	a.mu.Lock()
	a.botUserID = r.User.ID
	a.mu.Unlock()
	log.WithFields(log.Fields{"user": r.User.Username, "id": r.User.ID}).Info("discord: connected")

	appID := r.User.ID
	if r.Application != nil && r.Application.ID != "" {
		appID = r.Application.ID
	}
	for _, g := range r.Guilds {
		if _, err := a.guilds.Guild(g.ID); err != nil {
			continue
		}
		if _, err := a.sess.ApplicationCommandBulkOverwrite(appID, g.ID, commands()); err != nil {
			log.WithField("guild", g.ID).WithError(err).Error("discord: register commands failed")
		}
	}
}

// onGuildCreate registers the channels already sitting in the help
// categories when the bot joins or reconnects.
func (a *Adapter) onGuildCreate(_ *discordgo.Session, gc *discordgo.GuildCreate) {
	if gc.Guild == nil {
		return
	}
	g, err := a.guilds.Guild(gc.ID)
	if err != nil || !g.HasChannels() {
		return
	}
	for _, ch := range gc.Channels {
		if ch.Type != discordgo.ChannelTypeGuildText || !isHelpCategory(g, ch.ParentID) {
			continue
		}
		a.emit(bot.SpaceCreated{
			GuildID:   gc.ID,
			SpaceID:   ch.ID,
			Kind:      models.SpaceKindChannel,
			ParentID:  ch.ParentID,
			Name:      ch.Name,
			Timestamp: time.Now(),
		})
	}
}

func (a *Adapter) onMessageCreate(_ *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Message == nil || m.Author == nil || m.GuildID == "" {
		return
	}
	if m.Author.ID == a.BotUserID() {
		return
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts, _ = discordgo.SnowflakeTimestamp(m.ID)
	}
	a.emit(bot.MessageObserved{
		MessageID:  m.ID,
		GuildID:    m.GuildID,
		SpaceID:    m.ChannelID,
		AuthorID:   m.Author.ID,
		AuthorName: m.Author.Username,
		Automated:  m.Author.Bot || m.Author.System || m.WebhookID != "",
		Content:    m.Content,
		Timestamp:  ts,
	})
}

func (a *Adapter) onChannelCreate(_ *discordgo.Session, c *discordgo.ChannelCreate) {
	if c.Channel == nil || c.Type != discordgo.ChannelTypeGuildText {
		return
	}
	g, err := a.guilds.Guild(c.GuildID)
	if err != nil || !isHelpCategory(g, c.ParentID) {
		return
	}
	a.emit(bot.SpaceCreated{
		GuildID:   c.GuildID,
		SpaceID:   c.ID,
		Kind:      models.SpaceKindChannel,
		ParentID:  c.ParentID,
		Name:      c.Name,
		Timestamp: snowflakeTime(c.ID),
	})
}

func (a *Adapter) onThreadCreate(_ *discordgo.Session, t *discordgo.ThreadCreate) {
	if t.Channel == nil || !t.NewlyCreated {
		return
	}
	g, err := a.guilds.Guild(t.GuildID)
	if err != nil || g.ForumChannelID == "" || t.ParentID != g.ForumChannelID {
		return
	}
	a.emit(bot.SpaceCreated{
		GuildID:   t.GuildID,
		SpaceID:   t.ID,
		Kind:      models.SpaceKindForum,
		ParentID:  t.ParentID,
		OwnerID:   t.OwnerID,
		Name:      t.Name,
		Timestamp: snowflakeTime(t.ID),
	})
}

func (a *Adapter) onMemberRemove(_ *discordgo.Session, m *discordgo.GuildMemberRemove) {
	if m.Member == nil || m.User == nil {
		return
	}
	a.emit(bot.MemberLeft{GuildID: m.GuildID, UserID: m.User.ID})
}

func (a *Adapter) onInteraction(_ *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Interaction == nil || i.GuildID == "" || i.Member == nil || i.Member.User == nil {
		return
	}
	ev, ok := interactionEvent(i.Interaction)
	if !ok {
		return
	}
	ev.Reply = a.replier(i.Interaction)
	a.emit(ev)
}

// interactionEvent maps slash commands, the "Mark as best answer" message
// command and the close buttons to an InteractionInvoked.
func interactionEvent(i *discordgo.Interaction) (bot.InteractionInvoked, bool) {
	ev := bot.InteractionInvoked{
		GuildID:    i.GuildID,
		ActorID:    i.Member.User.ID,
		SpaceID:    i.ChannelID,
		Privileged: i.Member.Permissions&privilegedPermissions != 0,
	}
	switch i.Type {
	case discordgo.InteractionMessageComponent:
		switch i.MessageComponentData().CustomID {
		case buttonClose:
			ev.Kind = bot.InteractionClose
		case buttonCloseQuiet:
			ev.Kind = bot.InteractionClose
			ev.Quiet = true
		default:
			return ev, false
		}
		return ev, true
	case discordgo.InteractionApplicationCommand:
		data := i.ApplicationCommandData()
		switch data.Name {
		case cmdClose:
			ev.Kind = bot.InteractionClose
			ev.Quiet = boolOption(data.Options, "quiet")
		case cmdThank:
			ev.Kind = bot.InteractionThank
			if boolOption(data.Options, "done") {
				ev.Kind = bot.InteractionThankDone
			}
			ev.TargetUserID = userOption(data.Options, "helper")
		case cmdAccount:
			ev.Kind = bot.InteractionAccount
			ev.TargetUserID = userOption(data.Options, "user")
		case cmdMarkBest:
			ev.Kind = bot.InteractionMarkBest
			ev.SubmissionID = data.TargetID
			if data.Resolved != nil {
				if msg, ok := data.Resolved.Messages[data.TargetID]; ok && msg.Author != nil {
					ev.TargetUserID = msg.Author.ID
				}
			}
			if ev.TargetUserID == "" {
				return ev, false
			}
		default:
			return ev, false
		}
		return ev, true
	}
	return ev, false
}

func (a *Adapter) replier(i *discordgo.Interaction) bot.ReplyFunc {
	return func(ctx context.Context, text string) error {
		err := a.retryOnRateLimit(ctx, func() error {
			return a.sess.InteractionRespond(i, &discordgo.InteractionResponse{
				Type: discordgo.InteractionResponseChannelMessageWithSource,
				Data: &discordgo.InteractionResponseData{
					Content: text,
					Flags:   discordgo.MessageFlagsEphemeral,
				},
			})
		})
		if err != nil {
			return fmt.Errorf("discord: respond to interaction: %w", err)
		}
		return nil
	}
}

// Rename renames a channel or forum post.
func (a *Adapter) Rename(ctx context.Context, spaceID, name string) error {
	return a.edit(ctx, "rename", spaceID, &discordgo.ChannelEdit{Name: name})
}

// Move places a channel under another category.
func (a *Adapter) Move(ctx context.Context, spaceID, categoryID string) error {
	return a.edit(ctx, "move", spaceID, &discordgo.ChannelEdit{ParentID: categoryID})
}

// Archive archives and locks a forum post.
func (a *Adapter) Archive(ctx context.Context, spaceID string) error {
	yes := true
	return a.edit(ctx, "archive", spaceID, &discordgo.ChannelEdit{Archived: &yes, Locked: &yes})
}

func (a *Adapter) edit(ctx context.Context, op, spaceID string, data *discordgo.ChannelEdit) error {
	err := a.retryOnRateLimit(ctx, func() error {
		_, apiErr := a.sess.ChannelEdit(spaceID, data)
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("discord: %s %s: %w", op, spaceID, err)
	}
	return nil
}

// SendControls posts the close buttons into a freshly claimed space.
func (a *Adapter) SendControls(ctx context.Context, spaceID, ownerID string) error {
	data := &discordgo.MessageSend{
		Content: fmt.Sprintf("This space is now reserved by <@%s>. Close it once your question is answered.", ownerID),
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{Components: []discordgo.MessageComponent{
				discordgo.Button{Label: "Close", Style: discordgo.SuccessButton, CustomID: buttonClose},
				discordgo.Button{Label: "Close without notifying", Style: discordgo.SecondaryButton, CustomID: buttonCloseQuiet},
			}},
		},
		AllowedMentions: &discordgo.MessageAllowedMentions{Users: []string{ownerID}},
	}
	err := a.retryOnRateLimit(ctx, func() error {
		_, apiErr := a.sess.ChannelMessageSendComplex(spaceID, data)
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("discord: send controls to %s: %w", spaceID, err)
	}
	return nil
}

// Notify sends a direct message. Members with closed DMs yield an error
// that callers log and drop.
func (a *Adapter) Notify(ctx context.Context, userID, kind, text string) error {
	var dm *discordgo.Channel
	err := a.retryOnRateLimit(ctx, func() error {
		var apiErr error
		dm, apiErr = a.sess.UserChannelCreate(userID)
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("discord: open dm with %s: %w", userID, err)
	}
	err = a.retryOnRateLimit(ctx, func() error {
		_, apiErr := a.sess.ChannelMessageSendComplex(dm.ID, &discordgo.MessageSend{
			Embeds: []*discordgo.MessageEmbed{{
				Title:       notifyTitle(kind),
				Description: text,
				Color:       0x36a64f,
			}},
		})
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("discord: notify %s: %w", userID, err)
	}
	return nil
}

func notifyTitle(kind string) string {
	switch kind {
	case help.NotifyThanked:
		return "You were thanked"
	case help.NotifyBestAnswer:
		return "Best answer"
	default:
		return "Help experience"
	}
}

// Reply answers a message in its channel.
func (a *Adapter) Reply(ctx context.Context, channelID, messageID, text string) error {
	ref := &discordgo.MessageReference{MessageID: messageID, ChannelID: channelID}
	err := a.retryOnRateLimit(ctx, func() error {
		_, apiErr := a.sess.ChannelMessageSendReply(channelID, text, ref)
		return apiErr
	})
	if err != nil {
		return fmt.Errorf("discord: reply in %s: %w", channelID, err)
	}
	return nil
}

// Delete removes a message.
func (a *Adapter) Delete(ctx context.Context, channelID, messageID string) error {
	err := a.retryOnRateLimit(ctx, func() error {
		return a.sess.ChannelMessageDelete(channelID, messageID)
	})
	if err != nil {
		return fmt.Errorf("discord: delete %s/%s: %w", channelID, messageID, err)
	}
	return nil
}

// retryOnRateLimit calls fn and retries with exponential backoff on Discord
// rate limit errors. It respects context cancellation.
func (a *Adapter) retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}

		var restErr *discordgo.RESTError
		if !errors.As(err, &restErr) || restErr.Response == nil || restErr.Response.StatusCode != http.StatusTooManyRequests {
			return err
		}
		if attempt == maxRetries {
			return err
		}

		wait := time.Duration(math.Pow(2, float64(attempt))) * a.baseBackoff
		if wait > a.maxBackoff {
			wait = a.maxBackoff
		}
		log.WithFields(log.Fields{"attempt": attempt + 1, "wait": wait}).Warn("discord: rate limited, retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func isHelpCategory(g *config.GuildConfig, parentID string) bool {
	if parentID == "" {
		return false
	}
	return parentID == g.OpenCategoryID || parentID == g.ReservedCategoryID || parentID == g.DormantCategoryID
}

func snowflakeTime(id string) time.Time {
	ts, err := discordgo.SnowflakeTimestamp(id)
	if err != nil {
		return time.Now()
	}
	return ts
}
