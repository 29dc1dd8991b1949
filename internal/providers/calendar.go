package providers

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	calendar "google.golang.org/api/calendar/v3"
	"google.golang.org/api/option"

	"github.com/ecodrix/backend/internal/metrics"
)

// GoogleCalendarClient creates Meet-enabled events on the tenant's primary
// calendar using the tenant's stored OAuth refresh token.
type GoogleCalendarClient struct {
	secrets SecretsSource
	timeout time.Duration
	logger  *log.Logger
}

// NewGoogleCalendarClient creates the calendar provider.
func NewGoogleCalendarClient(secrets SecretsSource, timeout time.Duration) *GoogleCalendarClient {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GoogleCalendarClient{
		secrets: secrets,
		timeout: timeout,
		logger:  log.New(log.Writer(), "[CALENDAR] ", log.LstdFlags),
	}
}

// CreateMeeting inserts an event with a Meet conference attached. Provider
// rejections (quota, revoked grant) come back as an unsuccessful result so
// the trigger endpoint can degrade to a meetWarning instead of failing.
func (c *GoogleCalendarClient) CreateMeeting(ctx context.Context, tenantCode string, req MeetingRequest) (*MeetingResult, error) {
	sec, err := c.secrets.GetSecrets(ctx, tenantCode)
	if err != nil {
		return nil, fmt.Errorf("calendar: secrets for %s: %w", tenantCode, err)
	}
	if sec.CalendarClientID == "" || sec.CalendarRefreshToken == "" {
		return nil, fmt.Errorf("calendar: tenant %s not configured", tenantCode)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	conf := &oauth2.Config{
		ClientID:     sec.CalendarClientID,
		ClientSecret: sec.CalendarClientSecret,
		Endpoint:     googleoauth.Endpoint,
		Scopes:       []string{calendar.CalendarEventsScope},
	}
	ts := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: sec.CalendarRefreshToken})

	svc, err := calendar.NewService(ctx, option.WithTokenSource(ts))
	if err != nil {
		return nil, fmt.Errorf("calendar: service for %s: %w", tenantCode, err)
	}

	if req.End.IsZero() || !req.End.After(req.Start) {
		req.End = req.Start.Add(30 * time.Minute)
	}

	event := &calendar.Event{
		Summary: req.Summary,
		Start:   &calendar.EventDateTime{DateTime: req.Start.Format(time.RFC3339)},
		End:     &calendar.EventDateTime{DateTime: req.End.Format(time.RFC3339)},
		ConferenceData: &calendar.ConferenceData{
			CreateRequest: &calendar.CreateConferenceRequest{
				RequestId:             uuid.NewString(),
				ConferenceSolutionKey: &calendar.ConferenceSolutionKey{Type: "hangoutsMeet"},
			},
		},
	}
	for _, a := range req.Attendees {
		event.Attendees = append(event.Attendees, &calendar.EventAttendee{Email: a})
	}

	created, err := svc.Events.Insert("primary", event).ConferenceDataVersion(1).Context(ctx).Do()
	if err != nil {
		metrics.ProviderCalls.WithLabelValues("calendar", "rejected").Inc()
		c.logger.Printf("⚠️ Meeting create for %s failed: %v", tenantCode, err)
		return &MeetingResult{Success: false, Error: err.Error()}, nil
	}

	metrics.ProviderCalls.WithLabelValues("calendar", "ok").Inc()
	return &MeetingResult{
		Success:     true,
		HangoutLink: created.HangoutLink,
		EventID:     created.Id,
	}, nil
}
