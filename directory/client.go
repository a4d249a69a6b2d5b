package directory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/hashicorp/go-retryablehttp"

	"github.com/stephnangue/grantor/auth"
	"github.com/stephnangue/grantor/helper"
	"github.com/stephnangue/grantor/logger"
	"github.com/stephnangue/grantor/logical"
)

// Config is used to configure the creation of the directory client.
type Config struct {
	// Address is the base URL of the user directory service, such as
	// "http://user.internal:8080".
	Address string

	// Timeout bounds each directory call end to end.
	Timeout time.Duration

	// MaxRetries controls retries on transient transport failures and
	// 5xx responses. Retrying never masks an error: an exhausted retry
	// budget still surfaces as logical.ErrAuthUnavailable.
	MaxRetries int

	Logger logger.Logger
}

// DefaultConfig returns a default configuration for the directory client
func DefaultConfig() *Config {
	return &Config{
		Timeout:    5 * time.Second,
		MaxRetries: 2,
	}
}

// Client is the HTTP client to the external user directory. It translates
// transport-level failures into logical.ErrAuthUnavailable and "no such
// user" responses into logical.ErrPrincipalNotFound.
type Client struct {
	address string
	http    *retryablehttp.Client
	logger  logger.Logger
}

var _ auth.Directory = (*Client)(nil)

// NewClient creates a directory client from the given config
func NewClient(config *Config) (*Client, error) {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Address == "" {
		return nil, fmt.Errorf("directory address must be set")
	}
	if _, err := url.Parse(config.Address); err != nil {
		return nil, fmt.Errorf("invalid directory address: %w", err)
	}

	log := config.Logger
	if log == nil {
		log = logger.NewZerologLogger(logger.DefaultConfig())
	}
	log = log.WithSubsystem("directory")

	client := retryablehttp.NewClient()
	client.HTTPClient = cleanhttp.DefaultPooledClient()
	client.HTTPClient.Timeout = config.Timeout
	client.RetryMax = config.MaxRetries
	client.RetryWaitMin = 250 * time.Millisecond
	client.RetryWaitMax = 2 * time.Second
	client.Logger = &leveledLogger{log}

	return &Client{
		address: strings.TrimSuffix(config.Address, "/"),
		http:    client,
		logger:  log,
	}, nil
}

// Find looks up a principal by username
func (c *Client) Find(ctx context.Context, username string) (*auth.Principal, error) {
	var principal auth.Principal
	if err := c.get(ctx, "/internal/find", username, &principal); err != nil {
		return nil, err
	}
	return &principal, nil
}

// IsActive reports whether the principal's active flag is set
func (c *Client) IsActive(ctx context.Context, username string) (bool, error) {
	var active bool
	if err := c.get(ctx, "/internal/is-active", username, &active); err != nil {
		return false, err
	}
	return active, nil
}

func (c *Client) get(ctx context.Context, path, username string, out interface{}) error {
	endpoint := c.address + path + "?username=" + url.QueryEscape(username)

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return fmt.Errorf("%w: %v", logical.ErrAuthUnavailable, err)
	}
	req.Header.Set("X-Request-Id", helper.GenerateRequestID())

	resp, err := c.http.Do(req)
	if err != nil {
		c.logger.Error("directory call failed",
			logger.String("path", path),
			logger.Err(err))
		return fmt.Errorf("%w: %v", logical.ErrAuthUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: malformed directory response: %v", logical.ErrAuthUnavailable, err)
		}
		return nil
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest:
		// The directory reports an unknown username as a client error.
		io.Copy(io.Discard, resp.Body)
		return logical.ErrPrincipalNotFound
	default:
		io.Copy(io.Discard, resp.Body)
		c.logger.Error("directory returned unexpected status",
			logger.String("path", path),
			logger.String("status", strconv.Itoa(resp.StatusCode)))
		return fmt.Errorf("%w: directory returned status %d", logical.ErrAuthUnavailable, resp.StatusCode)
	}
}

// leveledLogger adapts logger.Logger to retryablehttp.LeveledLogger
type leveledLogger struct {
	log logger.Logger
}

func (l *leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	l.log.Error(msg, pairsToFields(keysAndValues)...)
}

func (l *leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Info(msg, pairsToFields(keysAndValues)...)
}

func (l *leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.log.Debug(msg, pairsToFields(keysAndValues)...)
}

func (l *leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.log.Warn(msg, pairsToFields(keysAndValues)...)
}

func pairsToFields(keysAndValues []interface{}) []logger.TypedField {
	fields := make([]logger.TypedField, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		key, ok := keysAndValues[i].(string)
		if !ok {
			key = fmt.Sprintf("%v", keysAndValues[i])
		}
		fields = append(fields, logger.Any(key, keysAndValues[i+1]))
	}
	return fields
}
