package channels

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/dotsetgreg/dottask/pkg/bus"
	"github.com/dotsetgreg/dottask/pkg/config"
	"github.com/dotsetgreg/dottask/pkg/logger"
)

const (
	sendTimeout = 10 * time.Second

	// Discord rejects messages over 2000 characters; the slack leaves room
	// to close a code block.
	discordChunkLimit = 1500
)

// DiscordChannel ingests guild channel messages as chat threads and direct
// messages as conversations with the agent.
type DiscordChannel struct {
	*BaseChannel
	session *discordgo.Session
	config  config.DiscordConfig
}

func NewDiscordChannel(cfg config.DiscordConfig, mb *bus.MessageBus) (*DiscordChannel, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("channels.discord.token is required (set DOTTASK_CHANNELS_DISCORD_TOKEN)")
	}
	session, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	session.Identify.Intents = discordgo.IntentsGuildMessages |
		discordgo.IntentsDirectMessages |
		discordgo.IntentMessageContent

	return &DiscordChannel{
		BaseChannel: NewBaseChannel("discord", mb, cfg.AllowFrom),
		session:     session,
		config:      cfg,
	}, nil
}

func (c *DiscordChannel) Start(ctx context.Context) error {
	logger.InfoC("discord", "Starting Discord bot")

	c.session.AddHandler(c.handleMessage)
	if err := c.session.Open(); err != nil {
		return fmt.Errorf("failed to open discord session: %w", err)
	}
	c.setRunning(true)

	botUser, err := c.session.User("@me")
	if err != nil {
		return fmt.Errorf("failed to get bot user: %w", err)
	}
	logger.InfoCF("discord", "Discord bot connected", map[string]any{
		"username": botUser.Username,
		"user_id":  botUser.ID,
	})
	return nil
}

func (c *DiscordChannel) Stop(ctx context.Context) error {
	logger.InfoC("discord", "Stopping Discord bot")
	c.setRunning(false)
	if err := c.session.Close(); err != nil {
		return fmt.Errorf("failed to close discord session: %w", err)
	}
	return nil
}

func (c *DiscordChannel) Send(ctx context.Context, msg bus.OutboundMessage) error {
	if !c.IsRunning() {
		return fmt.Errorf("discord bot not running")
	}
	if msg.ChatID == "" {
		return fmt.Errorf("channel ID is empty")
	}
	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}
	for _, chunk := range splitMessage(msg.Content, discordChunkLimit) {
		if err := c.sendChunk(ctx, msg.ChatID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (c *DiscordChannel) sendChunk(ctx context.Context, channelID, content string) error {
	sendCtx, cancel := context.WithTimeout(ctx, sendTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, err := c.session.ChannelMessageSend(channelID, content)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("failed to send discord message: %w", err)
		}
		return nil
	case <-sendCtx.Done():
		return fmt.Errorf("send message timeout: %w", sendCtx.Err())
	}
}

func (c *DiscordChannel) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return
	}
	if s.State != nil && s.State.User != nil && m.Author.ID == s.State.User.ID {
		return
	}
	if !c.IsAllowed(m.Author.ID) {
		logger.DebugCF("discord", "Message rejected by allowlist", map[string]any{
			"user_id": m.Author.ID,
		})
		return
	}

	msg := inboundFromDiscord(m.Message)
	if msg.Content == "" {
		return
	}
	logger.DebugCF("discord", "Received message", map[string]any{
		"sender":  msg.SenderName,
		"chat_id": msg.ChatID,
		"direct":  msg.Direct,
	})
	c.HandleMessage(msg)
}

func inboundFromDiscord(m *discordgo.Message) bus.InboundMessage {
	name := m.Author.Username
	if m.Author.GlobalName != "" {
		name = m.Author.GlobalName
	}
	content := strings.TrimSpace(m.Content)
	for _, a := range m.Attachments {
		if a == nil {
			continue
		}
		content = strings.TrimSpace(content + "\n[attachment: " + a.Filename + "]")
	}
	ts := m.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	return bus.InboundMessage{
		Channel:    "discord",
		SenderID:   m.Author.ID,
		SenderName: name,
		ChatID:     m.ChannelID,
		MessageID:  m.ID,
		Content:    content,
		Direct:     m.GuildID == "",
		Timestamp:  ts.UTC(),
		Metadata: map[string]string{
			"guild_id": m.GuildID,
			"username": m.Author.Username,
		},
	}
}

// splitMessage cuts content into chunks of about limit bytes at newlines or
// spaces, stretching a chunk up to 500 bytes to keep a code block whole.
func splitMessage(content string, limit int) []string {
	var out []string
	for len(content) > 0 {
		if len(content) <= limit {
			out = append(out, content)
			break
		}

		end := naturalBreak(content[:limit])
		if open := unclosedFence(content[:end]); open >= 0 {
			stretch := limit + 500
			switch {
			case len(content) <= stretch:
				end = len(content)
			default:
				if closeAt := nextFenceEnd(content, end); closeAt > 0 && closeAt <= stretch {
					end = closeAt
				} else if b := naturalBreak(content[:open]); open > 0 && b > 0 {
					end = b
				} else if open > 0 {
					end = open
				}
			}
		}

		out = append(out, content[:end])
		content = strings.TrimSpace(content[end:])
	}
	return out
}

// naturalBreak prefers the last newline in the final 200 bytes, then the last
// space in the final 100, else the full length.
func naturalBreak(s string) int {
	if i := lastIndexWithin(s, "\n", 200); i > 0 {
		return i
	}
	if i := lastIndexWithin(s, " ", 100); i > 0 {
		return i
	}
	return len(s)
}

func lastIndexWithin(s, sep string, window int) int {
	start := len(s) - window
	if start < 0 {
		start = 0
	}
	i := strings.LastIndex(s[start:], sep)
	if i < 0 {
		return -1
	}
	return start + i
}

// unclosedFence returns the offset of a trailing ``` that has no partner.
func unclosedFence(s string) int {
	count, last := 0, -1
	for i := 0; i+2 < len(s); i++ {
		if s[i:i+3] == "```" {
			count++
			last = i
			i += 2
		}
	}
	if count%2 == 1 {
		return last
	}
	return -1
}

func nextFenceEnd(s string, from int) int {
	if i := strings.Index(s[from:], "```"); i >= 0 {
		return from + i + 3
	}
	return -1
}
