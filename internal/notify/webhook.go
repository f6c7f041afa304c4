// Package notify provides webhook notifications for miner events.
package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/tos-network/apow-miner/internal/config"
	"github.com/tos-network/apow-miner/internal/storage"
	"github.com/tos-network/apow-miner/internal/util"
)

// Defaults used when the config leaves retry settings unset
const (
	MaxRetries     = 3
	RetryBaseDelay = 2 * time.Second
)

// Embed colors
const (
	colorSolution = 0x00FF00
	colorEpoch    = 0x0099FF
	colorFailure  = 0xFF0000
)

// Notifier handles sending notifications
type Notifier struct {
	cfg    *config.NotifyConfig
	name   string
	client *http.Client
	wg     sync.WaitGroup
}

// NewNotifier creates a new notifier. name identifies this miner in messages.
func NewNotifier(cfg *config.NotifyConfig, name string) *Notifier {
	return &Notifier{
		cfg:  cfg,
		name: name,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (n *Notifier) retries() int {
	if n.cfg.MaxRetries > 0 {
		return n.cfg.MaxRetries
	}
	return MaxRetries
}

func (n *Notifier) baseDelay() time.Duration {
	if n.cfg.RetryDelay > 0 {
		return n.cfg.RetryDelay
	}
	return RetryBaseDelay
}

func (n *Notifier) discordEnabled() bool {
	return n.cfg.DiscordURL != ""
}

func (n *Notifier) telegramEnabled() bool {
	return n.cfg.TelegramBot != "" && n.cfg.TelegramChat != ""
}

// dispatch sends to every configured channel in the background
func (n *Notifier) dispatch(embed DiscordEmbed, text string) {
	if !n.cfg.Enabled {
		return
	}

	embed.Timestamp = time.Now().UTC().Format(time.RFC3339)
	embed.Footer = &DiscordFooter{Text: n.name}

	if n.discordEnabled() {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.sendDiscordMessageWithRetry(DiscordMessage{Embeds: []DiscordEmbed{embed}})
		}()
	}

	if n.telegramEnabled() {
		n.wg.Add(1)
		go func() {
			defer n.wg.Done()
			n.sendTelegramMessageWithRetry(text)
		}()
	}
}

// Wait blocks until in-flight notifications finish
func (n *Notifier) Wait() {
	n.wg.Wait()
}

// NotifySolution sends notifications when a device finds a verified nonce
func (n *Notifier) NotifySolution(s *storage.Solution) {
	embed := DiscordEmbed{
		Title:       "Solution Found!",
		Description: fmt.Sprintf("**%s** found a solution", n.name),
		Color:       colorSolution,
		Fields: []DiscordField{
			{Name: "Job", Value: truncateID(s.JobID), Inline: true},
			{Name: "Nonce", Value: s.Nonce, Inline: true},
			{Name: "Epoch", Value: strconv.FormatUint(uint64(s.Epoch), 10), Inline: true},
			{Name: "Device", Value: fmt.Sprintf("#%d %s", s.DeviceID, s.Device), Inline: false},
		},
	}

	text := fmt.Sprintf(
		"*Solution Found!*\n\n"+
			"Miner: `%s`\n"+
			"Job: `%s`\n"+
			"Nonce: `%s`\n"+
			"Epoch: `%d`",
		n.name, truncateID(s.JobID), s.Nonce, s.Epoch,
	)

	n.dispatch(embed, text)
}

// NotifyEpochSwitch sends notifications when the dataset moves to a new epoch
func (n *Notifier) NotifyEpochSwitch(from, to uint32, size uint64) {
	embed := DiscordEmbed{
		Title:       "Epoch Switch",
		Description: fmt.Sprintf("**%s** regenerated its dataset", n.name),
		Color:       colorEpoch,
		Fields: []DiscordField{
			{Name: "From", Value: strconv.FormatUint(uint64(from), 10), Inline: true},
			{Name: "To", Value: strconv.FormatUint(uint64(to), 10), Inline: true},
			{Name: "Dataset", Value: util.HumanBytes(size), Inline: true},
		},
	}

	text := fmt.Sprintf(
		"*Epoch Switch*\n\n"+
			"Miner: `%s`\n"+
			"Epoch: `%d` -> `%d`\n"+
			"Dataset: `%s`",
		n.name, from, to, util.HumanBytes(size),
	)

	n.dispatch(embed, text)
}

// NotifyDatasetFailure sends notifications when dataset generation fails
func (n *Notifier) NotifyDatasetFailure(epoch uint32, err error) {
	embed := DiscordEmbed{
		Title:       "Dataset Generation Failed",
		Description: fmt.Sprintf("**%s** stopped mining", n.name),
		Color:       colorFailure,
		Fields: []DiscordField{
			{Name: "Epoch", Value: strconv.FormatUint(uint64(epoch), 10), Inline: true},
			{Name: "Error", Value: err.Error(), Inline: false},
		},
	}

	text := fmt.Sprintf(
		"*Dataset Generation Failed*\n\n"+
			"Miner: `%s`\n"+
			"Epoch: `%d`\n"+
			"Error: `%s`",
		n.name, epoch, err.Error(),
	)

	n.dispatch(embed, text)
}

// DiscordEmbed represents a Discord embed object
type DiscordEmbed struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	URL         string         `json:"url,omitempty"`
	Color       int            `json:"color,omitempty"`
	Fields      []DiscordField `json:"fields,omitempty"`
	Timestamp   string         `json:"timestamp,omitempty"`
	Footer      *DiscordFooter `json:"footer,omitempty"`
}

// DiscordField represents a field in a Discord embed
type DiscordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline,omitempty"`
}

// DiscordFooter represents the footer of a Discord embed
type DiscordFooter struct {
	Text string `json:"text"`
}

// DiscordMessage represents a Discord webhook message
type DiscordMessage struct {
	Content string         `json:"content,omitempty"`
	Embeds  []DiscordEmbed `json:"embeds,omitempty"`
}

// TelegramMessage represents a Telegram bot message
type TelegramMessage struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// sendDiscordMessageWithRetry sends a message to Discord with exponential backoff retry
func (n *Notifier) sendDiscordMessageWithRetry(msg DiscordMessage) {
	body, err := json.Marshal(msg)
	if err != nil {
		util.Warnf("Failed to marshal Discord message: %v", err)
		return
	}

	if err := n.postWithRetry(n.cfg.DiscordURL, body); err != nil {
		util.Warnf("Failed to send Discord notification after %d retries: %v", n.retries(), err)
	}
}

// sendTelegramMessageWithRetry sends a message via Telegram with exponential backoff retry
func (n *Notifier) sendTelegramMessageWithRetry(text string) {
	url := fmt.Sprintf("%s/bot%s/sendMessage", n.cfg.TelegramAPI, n.cfg.TelegramBot)

	body, err := json.Marshal(TelegramMessage{
		ChatID:    n.cfg.TelegramChat,
		Text:      text,
		ParseMode: "Markdown",
	})
	if err != nil {
		util.Warnf("Failed to marshal Telegram message: %v", err)
		return
	}

	if err := n.postWithRetry(url, body); err != nil {
		util.Warnf("Failed to send Telegram notification after %d retries: %v", n.retries(), err)
	}
}

// postWithRetry posts body until a non-error status, backing off
// exponentially. A 429 waits for Retry-After when the server sends one.
func (n *Notifier) postWithRetry(url string, body []byte) error {
	var lastErr error
	delay := n.baseDelay()

	for attempt := 0; attempt < n.retries(); attempt++ {
		if attempt > 0 {
			time.Sleep(delay)
			delay *= 2
		}

		resp, err := n.client.Post(url, "application/json", bytes.NewReader(body))
		if err != nil {
			lastErr = err
			continue
		}
		resp.Body.Close()

		if resp.StatusCode < 400 {
			return nil
		}

		lastErr = fmt.Errorf("status %d", resp.StatusCode)
		if resp.StatusCode == http.StatusTooManyRequests {
			if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
				delay = time.Duration(secs) * time.Second
			}
		}
	}

	return lastErr
}

// truncateID shortens long job IDs for display
func truncateID(id string) string {
	if len(id) <= 20 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}
