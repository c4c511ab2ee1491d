package calendar

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
	gcal "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"
)

// Private extended property keys stored on events we write.
const (
	propLocalID   = "tasksync_local_id"
	propCompleted = "tasksync_completed"
	propUntimed   = "tasksync_untimed"
	propPriority  = "tasksync_priority"
)

const (
	pageSize     = 250
	dateLayout   = "2006-01-02"
	statusCancel = "cancelled"
)

// GoogleConfig configures a GoogleClient. Endpoint and HTTPClient exist
// for tests; production leaves them empty.
type GoogleConfig struct {
	Endpoint          string
	HTTPClient        *http.Client
	UserAgent         string
	RequestsPerSecond float64 // 0 = unlimited
	Burst             int
	Timeout           time.Duration
}

// GoogleClient talks to Google Calendar v3 on behalf of any connected
// user. The bearer token arrives per call in the Target.
type GoogleClient struct {
	cfg     GoogleConfig
	base    http.RoundTripper
	limiter *rate.Limiter
	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewGoogleClient creates a client. A nil logger uses slog.Default().
func NewGoogleClient(cfg GoogleConfig, logger *slog.Logger) *GoogleClient {
	if logger == nil {
		logger = slog.Default()
	}

	base := http.DefaultTransport
	if cfg.HTTPClient != nil && cfg.HTTPClient.Transport != nil {
		base = cfg.HTTPClient.Transport
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := max(cfg.Burst, 1)
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &GoogleClient{
		cfg:     cfg,
		base:    base,
		limiter: limiter,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// service builds a calendar service authenticated as t. Services are
// cheap; building one per call keeps tokens from leaking across users.
func (c *GoogleClient) service(ctx context.Context, t Target) (*gcal.Service, error) {
	httpClient := &http.Client{
		Transport: &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: t.AccessToken, TokenType: "Bearer"}),
			Base:   c.base,
		},
		Timeout: c.cfg.Timeout,
	}

	opts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if c.cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(c.cfg.Endpoint))
	}

	if c.cfg.UserAgent != "" {
		opts = append(opts, option.WithUserAgent(c.cfg.UserAgent))
	}

	srv, err := gcal.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("calendar: creating service: %w", err)
	}

	return srv, nil
}

// wait blocks until the rate limiter admits one request.
func (c *GoogleClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("calendar: rate limiter: %w", err)
	}

	return nil
}

// PullDelta lists everything that changed since cursor, following pages
// to the end. An empty cursor performs a full listing. Google reports an
// expired sync token with HTTP 410, surfaced as ErrCursorExpired.
func (c *GoogleClient) PullDelta(ctx context.Context, t Target, cursor []byte) (*Delta, error) {
	srv, err := c.service(ctx, t)
	if err != nil {
		return nil, err
	}

	delta := &Delta{Full: len(cursor) == 0}
	pageToken := ""

	for page := 0; ; page++ {
		if err := c.wait(ctx); err != nil {
			return nil, err
		}

		call := srv.Events.List(t.CalendarID).
			ShowDeleted(true).
			MaxResults(pageSize).
			Context(ctx)

		if !delta.Full {
			call = call.SyncToken(string(cursor))
		}

		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			return nil, wrapAPIError("pull delta", err, func(code int) error {
				switch code {
				case http.StatusGone:
					return ErrCursorExpired
				case http.StatusNotFound:
					return ErrCalendarNotFound
				}

				return nil
			})
		}

		for _, item := range resp.Items {
			ev, convErr := fromGoogle(item)
			if convErr != nil {
				delta.Quarantined = append(delta.Quarantined, Quarantined{RemoteID: item.Id, Reason: convErr.Error()})
				continue
			}

			delta.Events = append(delta.Events, ev)
		}

		c.logger.Debug("delta page fetched",
			slog.String("user", t.UserID),
			slog.Int("page", page),
			slog.Int("items", len(resp.Items)),
		)

		if resp.NextPageToken != "" {
			pageToken = resp.NextPageToken
			continue
		}

		if resp.NextSyncToken == "" {
			return nil, fmt.Errorf("calendar: pull delta: last page carried no sync token: %w", ErrServerError)
		}

		delta.Cursor = []byte(resp.NextSyncToken)

		return delta, nil
	}
}

// Push creates the event (expectedVersion empty) or replaces it under an
// If-Match precondition. A create whose deterministic id already exists
// is a replay of an earlier create that never got committed locally; the
// existing event is adopted and updated.
func (c *GoogleClient) Push(ctx context.Context, t Target, ev *Event, expectedVersion string) (*PushResult, error) {
	srv, err := c.service(ctx, t)
	if err != nil {
		return nil, err
	}

	body := c.toGoogle(ev)

	if expectedVersion == "" {
		return c.create(ctx, srv, t, ev, body)
	}

	return c.update(ctx, srv, t, ev.ID, body, expectedVersion)
}

func (c *GoogleClient) create(
	ctx context.Context, srv *gcal.Service, t Target, ev *Event, body *gcal.Event,
) (*PushResult, error) {
	body.Id = EventIDFor(ev.LocalID)

	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	created, err := srv.Events.Insert(t.CalendarID, body).Context(ctx).Do()
	if err == nil {
		return pushResult(created)
	}

	if statusCode(err) != http.StatusConflict || body.Id == "" {
		return nil, wrapAPIError("create event", err, nil)
	}

	c.logger.Info("adopting existing event for replayed create",
		slog.String("user", t.UserID),
		slog.String("local_id", ev.LocalID),
		slog.String("remote_id", body.Id),
	)

	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	existing, err := srv.Events.Get(t.CalendarID, body.Id).Context(ctx).Do()
	if err != nil {
		return nil, wrapAPIError("get existing event", err, nil)
	}

	return c.update(ctx, srv, t, body.Id, body, existing.Etag)
}

func (c *GoogleClient) update(
	ctx context.Context, srv *gcal.Service, t Target, remoteID string, body *gcal.Event, expectedVersion string,
) (*PushResult, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}

	body.Id = ""
	call := srv.Events.Patch(t.CalendarID, remoteID, body).Context(ctx)
	call.Header().Set("If-Match", expectedVersion)

	updated, err := call.Do()
	if err != nil {
		return nil, wrapAPIError("update event", err, nil)
	}

	return pushResult(updated)
}

// Delete removes the event under an If-Match precondition. Google answers
// 410 for events that are already deleted; both 404 and 410 become
// ErrNotFound.
func (c *GoogleClient) Delete(ctx context.Context, t Target, remoteID, expectedVersion string) error {
	srv, err := c.service(ctx, t)
	if err != nil {
		return err
	}

	if err := c.wait(ctx); err != nil {
		return err
	}

	call := srv.Events.Delete(t.CalendarID, remoteID).Context(ctx)
	if expectedVersion != "" {
		call.Header().Set("If-Match", expectedVersion)
	}

	if err := call.Do(); err != nil {
		return wrapAPIError("delete event", err, nil)
	}

	return nil
}

func pushResult(e *gcal.Event) (*PushResult, error) {
	updated, err := time.Parse(time.RFC3339, e.Updated)
	if err != nil {
		return nil, fmt.Errorf("calendar: parsing updated time %q: %w", e.Updated, err)
	}

	return &PushResult{RemoteID: e.Id, Version: e.Etag, Updated: updated.UTC()}, nil
}

// toGoogle converts an Event into the Google wire form. Untimed tasks are
// written as an all-day entry on the current day and flagged so the flag,
// not the date, round-trips. Updates are patches, which merge private
// properties key by key, so every key is always written; an empty
// priority means none.
func (c *GoogleClient) toGoogle(ev *Event) *gcal.Event {
	private := map[string]string{
		propCompleted: strconv.FormatBool(ev.Completed),
		propUntimed:   "false",
		propPriority:  "",
	}

	if ev.Priority != nil {
		private[propPriority] = strconv.Itoa(*ev.Priority)
	}

	if ev.LocalID != "" {
		private[propLocalID] = ev.LocalID
	}

	out := &gcal.Event{
		Summary:            ev.Title,
		Description:        ev.Description,
		ExtendedProperties: &gcal.EventExtendedProperties{Private: private},
		ForceSendFields:    []string{"Summary", "Description"},
	}

	switch {
	case ev.Start == nil:
		private[propUntimed] = "true"
		day := c.nowFunc().UTC().Format(dateLayout)
		next := c.nowFunc().UTC().AddDate(0, 0, 1).Format(dateLayout)
		out.Start = &gcal.EventDateTime{Date: day}
		out.End = &gcal.EventDateTime{Date: next}
	case ev.AllDay:
		out.Start = &gcal.EventDateTime{Date: ev.Start.UTC().Format(dateLayout)}
		out.End = &gcal.EventDateTime{Date: ev.End.UTC().Format(dateLayout)}
	default:
		out.Start = &gcal.EventDateTime{DateTime: ev.Start.Format(time.RFC3339)}
		out.End = &gcal.EventDateTime{DateTime: ev.End.Format(time.RFC3339)}
	}

	return out
}

// fromGoogle converts a Google event. Cancelled events carry only their id.
func fromGoogle(e *gcal.Event) (Event, error) {
	ev := Event{ID: e.Id, Version: e.Etag, Title: e.Summary, Description: e.Description}

	if e.Updated != "" {
		updated, err := time.Parse(time.RFC3339, e.Updated)
		if err != nil {
			return Event{}, fmt.Errorf("parsing updated %q: %w", e.Updated, err)
		}

		ev.Updated = updated.UTC()
	}

	var private map[string]string
	if e.ExtendedProperties != nil {
		private = e.ExtendedProperties.Private
	}

	ev.LocalID = private[propLocalID]

	if e.Status == statusCancel {
		ev.Deleted = true
		return ev, nil
	}

	ev.Completed = private[propCompleted] == "true"

	if p := private[propPriority]; p != "" {
		n, err := strconv.Atoi(p)
		if err != nil {
			return Event{}, fmt.Errorf("parsing priority %q: %w", p, err)
		}

		ev.Priority = &n
	}

	if private[propUntimed] == "true" {
		return ev, nil
	}

	start, allDay, err := parseEventTime(e.Start)
	if err != nil {
		return Event{}, fmt.Errorf("parsing start: %w", err)
	}

	end, _, err := parseEventTime(e.End)
	if err != nil {
		return Event{}, fmt.Errorf("parsing end: %w", err)
	}

	ev.Start, ev.End, ev.AllDay = start, end, allDay

	return ev, nil
}

func parseEventTime(dt *gcal.EventDateTime) (*time.Time, bool, error) {
	if dt == nil {
		return nil, false, nil
	}

	if dt.DateTime != "" {
		t, err := time.Parse(time.RFC3339, dt.DateTime)
		if err != nil {
			return nil, false, err
		}

		t = t.UTC()

		return &t, false, nil
	}

	if dt.Date != "" {
		t, err := time.Parse(dateLayout, dt.Date)
		if err != nil {
			return nil, false, err
		}

		return &t, true, nil
	}

	return nil, false, errors.New("neither date nor dateTime set")
}
