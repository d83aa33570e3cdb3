package emporia

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"emporia-collector/internal/config"
	"go.uber.org/zap"
)

const apiRoot = "https://api.emporiaenergy.com"

const (
	pathCustomerDevices = "customers/devices"
	pathDeviceUsages    = "AppAPI?apiMethod=getDeviceListUsages&deviceGids=%s&instant=%s&scale=%s&energyUnit=%s"
)

// tokenSource supplies identity tokens and forced refreshes. Implemented by
// *auth.Client.
type tokenSource interface {
	IdentityToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) error
}

// Session performs authenticated Emporia API calls. The device/channel
// index is populated lazily on first use and lives for the session;
// topology changes require a new session.
type Session struct {
	auth    tokenSource
	http    *http.Client
	baseURL string
	logger  *zap.Logger

	maxAttempts  int
	initialDelay time.Duration
	maxDelay     time.Duration
	sleep        func(time.Duration)
	now          func() time.Time

	names    map[int64]string
	channels map[string]Channel
}

// NewSession creates an Emporia API session using the given token source
func NewSession(auth tokenSource, cfg config.EmporiaConfig, logger *zap.Logger) *Session {
	return &Session{
		auth: auth,
		http: &http.Client{
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: cfg.ConnectTimeout,
				}).DialContext,
				ResponseHeaderTimeout: cfg.ReadTimeout,
			},
		},
		baseURL:      apiRoot,
		logger:       logger,
		maxAttempts:  cfg.MaxAttempts,
		initialDelay: cfg.InitialRetryDelay,
		maxDelay:     cfg.MaxRetryDelay,
		sleep:        time.Sleep,
		now:          time.Now,
		names:        make(map[int64]string),
		channels:     make(map[string]Channel),
	}
}

// DailyUsage fetches the usage readings for the day daysBack days before
// now and returns them flattened into uniform records. The device list is
// resolved lazily once per session.
func (s *Session) DailyUsage(ctx context.Context, daysBack int) ([]UsageRecord, error) {
	if len(s.names) == 0 {
		if err := s.loadDevices(ctx); err != nil {
			return nil, err
		}
	}

	gids := make([]string, 0, len(s.names))
	for gid := range s.names {
		gids = append(gids, strconv.FormatInt(gid, 10))
	}
	sort.Strings(gids)

	instant := endOfDay(s.now().UTC().AddDate(0, 0, -daysBack))
	path := fmt.Sprintf(pathDeviceUsages,
		strings.Join(gids, "+"), formatInstant(instant), ScaleDay, UnitKilowattHours)

	resp, err := s.request(ctx, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, readAPIError(resp)
	}

	var usages DeviceListUsagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&usages); err != nil {
		return nil, fmt.Errorf("failed to decode usage response: %w", err)
	}

	records := flattenUsage(instant, ScaleDay, UnitKilowattHours, &usages, s.names)
	s.logger.Debug("fetched daily usage",
		zap.Int("days_back", daysBack),
		zap.Time("instant", instant),
		zap.Int("records", len(records)))
	return records, nil
}

// loadDevices populates the session's device name and channel indexes
func (s *Session) loadDevices(ctx context.Context) error {
	resp, err := s.request(ctx, pathCustomerDevices)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return readAPIError(resp)
	}

	var devices devicesResponse
	if err := json.NewDecoder(resp.Body).Decode(&devices); err != nil {
		return fmt.Errorf("failed to decode device response: %w", err)
	}

	for _, dev := range devices.Devices {
		name := "Unknown"
		if dev.LocationProperties != nil && dev.LocationProperties.DisplayName != "" {
			name = dev.LocationProperties.DisplayName
		}
		s.names[dev.DeviceGid] = name

		for _, sub := range dev.Devices {
			for _, channel := range sub.Channels {
				s.channels[channel.ChannelKey()] = channel
			}
		}
	}

	s.logger.Info("resolved device topology",
		zap.Int("devices", len(s.names)),
		zap.Int("channels", len(s.channels)))
	return nil
}

// request executes one logical API call with recovery from token expiry
// and transient server failure. A 401 forces a single token refresh and an
// immediate replay that does not consume a backoff slot; 5xx responses are
// retried with capped exponential backoff; anything below 500 is returned
// as-is. Transport errors propagate.
func (s *Session) request(ctx context.Context, path string) (*http.Response, error) {
	for attempt := 1; ; attempt++ {
		resp, err := s.do(ctx, path)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode == http.StatusUnauthorized {
			resp.Body.Close()
			if err := s.auth.Refresh(ctx); err != nil {
				return nil, err
			}
			resp, err = s.do(ctx, path)
			if err != nil {
				return nil, err
			}
		}

		if resp.StatusCode >= http.StatusInternalServerError {
			if attempt >= s.maxAttempts {
				return resp, nil
			}
			resp.Body.Close()
			delay := backoffDelay(s.initialDelay, s.maxDelay, attempt)
			s.logger.Warn("transient server error, backing off",
				zap.Int("status", resp.StatusCode),
				zap.Int("attempt", attempt),
				zap.Duration("delay", delay))
			s.sleep(delay)
			continue
		}

		return resp, nil
	}
}

func (s *Session) do(ctx context.Context, path string) (*http.Response, error) {
	token, err := s.auth.IdentityToken(ctx)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/"+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("authtoken", token)

	return s.http.Do(req)
}

// backoffDelay returns min(initial * 2^(attempt-1), max)
func backoffDelay(initial, max time.Duration, attempt int) time.Duration {
	delay := initial << (attempt - 1)
	if delay > max || delay <= 0 {
		return max
	}
	return delay
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return &APIError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// endOfDay pins an instant to the last millisecond of its UTC day, the
// boundary the usage endpoint expects for daily scale
func endOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 23, 59, 59,
		int(999*time.Millisecond), time.UTC)
}

func formatInstant(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05Z")
}
