// Package alert implements async webhook notifications in the Discord embed
// format. Each alert kind posts to its own webhook URL; dispatch is
// fire-and-forget and never blocks the request hot path. When the queue is
// full the event is dropped and counted.
package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gateguard/gateguard/internal/config"
	"github.com/gateguard/gateguard/internal/geoip"
	"github.com/gateguard/gateguard/internal/observability"
)

// Kind selects the webhook and embed layout for an event.
type Kind string

const (
	KindRateLimit Kind = "rate_limit"
	KindReport    Kind = "report"
	KindFeature   Kind = "feature"
	KindError     Kind = "error"
	KindActivity  Kind = "activity"
	KindBlacklist Kind = "blacklist"
)

// Blacklist actions carried in Event.Action.
const (
	ActionAdded   = "added"
	ActionRemoved = "removed"
)

// Embed accent colors (Discord decimal RGB).
const (
	colorRed    = 15158332 // rate limit, blocklist additions, 5xx activity
	colorOrange = 16736336 // reports, 4xx activity
	colorBlue   = 3447003  // feature requests
	colorBrick  = 13632027 // internal server errors
	colorGreen  = 3066993  // blocklist removals
	colorGrey   = 4886754  // successful activity
)

// Event carries everything needed to render one notification.
type Event struct {
	Kind       Kind
	IP         string
	Endpoint   string
	Method     string
	StatusCode int
	Duration   time.Duration
	UserAgent  string
	KeyUsed    bool

	// Report and feature submissions.
	Name string
	Text string

	// Internal error alerts.
	ErrorMessage string

	// Blocklist administration alerts.
	Action  string
	AdminIP string

	Geo       geoip.Info
	Timestamp time.Time
}

// Discord webhook wire format.
type payload struct {
	Username  string  `json:"username"`
	AvatarURL string  `json:"avatar_url,omitempty"`
	Content   string  `json:"content,omitempty"`
	Embeds    []embed `json:"embeds"`
}

type embed struct {
	Title       string  `json:"title"`
	Description string  `json:"description,omitempty"`
	Color       int     `json:"color"`
	Timestamp   string  `json:"timestamp"`
	Fields      []field `json:"fields,omitempty"`
	Footer      *footer `json:"footer,omitempty"`
}

type field struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

type footer struct {
	Text string `json:"text"`
}

// Dispatcher is an async, queued webhook sender.
type Dispatcher struct {
	logger  *slog.Logger
	metrics *observability.Metrics

	// urls is swappable for config hot-reload; read by Dispatch and the
	// delivery worker concurrently.
	urls atomic.Pointer[map[Kind]string]

	username  string
	avatarURL string
	timeout   time.Duration
	client    *http.Client

	mu     sync.RWMutex
	closed bool
	ch     chan Event
	wg     sync.WaitGroup
}

// NewDispatcher creates a webhook dispatcher. Returns nil when no webhook
// URL is configured; a nil dispatcher drops every event silently.
func NewDispatcher(cfg config.AlertsConfig, logger *slog.Logger, metrics *observability.Metrics) *Dispatcher {
	if !cfg.Enabled() {
		return nil
	}

	timeout := 8 * time.Second
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}

	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	d := &Dispatcher{
		logger:    logger.With("component", "alerts"),
		metrics:   metrics,
		username:  cfg.Username,
		avatarURL: cfg.AvatarURL,
		timeout:   timeout,
		client:    &http.Client{Timeout: timeout},
		ch:        make(chan Event, queueSize),
	}
	urls := webhookURLs(cfg)
	d.urls.Store(&urls)

	d.wg.Add(1)
	go d.run()

	return d
}

func webhookURLs(cfg config.AlertsConfig) map[Kind]string {
	return map[Kind]string{
		KindRateLimit: string(cfg.RateLimit),
		KindReport:    string(cfg.Report),
		KindFeature:   string(cfg.Feature),
		KindError:     string(cfg.Error),
		KindActivity:  string(cfg.Activity),
		KindBlacklist: string(cfg.Blacklist),
	}
}

// Reconfigure swaps the webhook destinations, used on config reload. The
// queue, timeout and identity fields keep their construction-time values.
func (d *Dispatcher) Reconfigure(cfg config.AlertsConfig) {
	if d == nil {
		return
	}
	urls := webhookURLs(cfg)
	d.urls.Store(&urls)
}

// Dispatch enqueues an event. Never blocks; a full queue or a kind with no
// configured webhook drops the event.
func (d *Dispatcher) Dispatch(ev Event) {
	if d == nil || (*d.urls.Load())[ev.Kind] == "" {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return
	}

	select {
	case d.ch <- ev:
	default:
		d.metrics.IncAlertsDropped()
		d.logger.Warn("alert queue full, dropping event", "kind", string(ev.Kind))
	}
}

// Close stops accepting events. Queued events are sent before Close
// returns.
func (d *Dispatcher) Close() error {
	if d == nil {
		return nil
	}

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	close(d.ch)
	d.mu.Unlock()

	d.wg.Wait()
	return nil
}

func (d *Dispatcher) run() {
	defer d.wg.Done()
	for ev := range d.ch {
		d.send(ev)
	}
}

func (d *Dispatcher) send(ev Event) {
	url := (*d.urls.Load())[ev.Kind]
	if url == "" {
		// destination removed by a reload after the event was queued
		return
	}

	body, err := json.Marshal(d.buildPayload(ev))
	if err != nil {
		d.metrics.IncAlertFailed(string(ev.Kind))
		d.logger.Error("failed to marshal alert payload", "kind", string(ev.Kind), "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		d.metrics.IncAlertFailed(string(ev.Kind))
		d.logger.Error("failed to create alert request", "kind", string(ev.Kind), "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		d.metrics.IncAlertFailed(string(ev.Kind))
		d.logger.Warn("alert delivery failed", "kind", string(ev.Kind), "error", err)
		return
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode >= 400 {
		d.metrics.IncAlertFailed(string(ev.Kind))
		d.logger.Warn("alert webhook returned error",
			"kind", string(ev.Kind), "status", resp.StatusCode)
		return
	}

	d.metrics.IncAlertDelivered(string(ev.Kind))
	if ev.Kind != KindActivity {
		d.logger.Info("alert delivered", "kind", string(ev.Kind))
	}
}

func (d *Dispatcher) buildPayload(ev Event) payload {
	e := embed{
		Timestamp: ev.Timestamp.UTC().Format(time.RFC3339),
		Footer:    &footer{Text: d.username},
	}
	p := payload{Username: d.username, AvatarURL: d.avatarURL}

	switch ev.Kind {
	case KindRateLimit:
		p.Content = "@here Rate limit triggered"
		e.Title = "Security Alert: Abnormal Activity Detected"
		e.Color = colorRed
		e.Description = "An IP exceeded the request limit and has been temporarily blocked by the rate limiter. Consider a permanent block if the activity continues."
		e.Fields = []field{
			{Name: "IP Address", Value: code(orNA(ev.IP)), Inline: true},
			{Name: "Endpoint Hit", Value: code(orDefault(ev.Endpoint, "/")), Inline: true},
			{Name: "ISP", Value: orNA(ev.Geo.ISP)},
			{Name: "Location", Value: orNA(ev.Geo.City) + ", " + orNA(ev.Geo.Country), Inline: true},
			{Name: "Organization", Value: orNA(ev.Geo.Org), Inline: true},
		}

	case KindReport:
		e.Title = "New Error Report"
		e.Color = colorOrange
		e.Description = orDefault(ev.Text, "No report description.")
		e.Fields = []field{
			{Name: "Reporter", Value: code(orDefault(ev.Name, "Anonymous")), Inline: true},
			{Name: "Reporter IP", Value: code(orNA(ev.IP)), Inline: true},
		}

	case KindFeature:
		e.Title = "New Feature Request"
		e.Color = colorBlue
		e.Description = orDefault(ev.Text, "No request description.")
		e.Fields = []field{
			{Name: "Requester", Value: code(orDefault(ev.Name, "Anonymous")), Inline: true},
			{Name: "Requester IP", Value: code(orNA(ev.IP)), Inline: true},
		}

	case KindError:
		e.Title = "Internal Server Error (500)"
		e.Color = colorBrick
		e.Description = "The server hit an internal error while handling a request. Check the server logs for details."
		e.Fields = []field{
			{Name: "Client IP", Value: code(orNA(ev.IP)), Inline: true},
			{Name: "Endpoint", Value: code(orDefault(ev.Endpoint, "/")), Inline: true},
			{Name: "Error Message", Value: codeBlock(truncate(orDefault(ev.ErrorMessage, "Unknown Server Error"), 1000))},
		}

	case KindActivity:
		e.Title = fmt.Sprintf("%s %s", ev.Method, ev.Endpoint)
		switch {
		case ev.StatusCode >= 500:
			e.Color = colorRed
		case ev.StatusCode >= 400:
			e.Color = colorOrange
		default:
			e.Color = colorGrey
		}
		e.Fields = []field{
			{Name: "IP Address", Value: code(orNA(ev.IP)), Inline: true},
			{Name: "Status Code", Value: code(fmt.Sprintf("%d", ev.StatusCode)), Inline: true},
			{Name: "Duration", Value: code(fmt.Sprintf("%d ms", ev.Duration.Milliseconds())), Inline: true},
			{Name: "API Key Used?", Value: yesNo(ev.KeyUsed), Inline: true},
			{Name: "User Agent", Value: codeBlock(truncate(orNA(ev.UserAgent), 500))},
		}
		e.Footer = nil

	case KindBlacklist:
		action := "added to the blocklist"
		e.Color = colorRed
		if ev.Action == ActionRemoved {
			action = "removed from the blocklist"
			e.Color = colorGreen
		}
		e.Title = "IP " + action
		e.Description = fmt.Sprintf("IP address %s has been **%s**.", code(orNA(ev.IP)), action)
		e.Fields = []field{
			{Name: "Admin IP", Value: code(orNA(ev.AdminIP)), Inline: true},
			{Name: "When", Value: fmt.Sprintf("<t:%d:R>", ev.Timestamp.Unix()), Inline: true},
		}
	}

	p.Embeds = []embed{e}
	return p
}

func orNA(s string) string {
	return orDefault(s, "N/A")
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func code(s string) string {
	return "`" + s + "`"
}

func codeBlock(s string) string {
	return "```\n" + s + "\n```"
}

func yesNo(b bool) string {
	if b {
		return "Yes"
	}
	return "No"
}

// truncate bounds s to n bytes, backing up to a rune boundary so the
// webhook payload stays valid UTF-8, and marks the cut with an ellipsis.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
