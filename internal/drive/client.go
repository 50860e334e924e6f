package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gobreaker "github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"
	drivev3 "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"brify/api/internal/logging"
	"brify/api/internal/metrics"
)

const breakerName = "drive-api"

const listFields = "nextPageToken,files(id,name,mimeType,size,createdTime,modifiedTime,parents,shared)"

const fileFields = "id,name,mimeType,size,createdTime,modifiedTime,parents,shared"

// exportFormats maps Google Workspace types onto the text format they are exported as.
var exportFormats = map[string]string{
	"application/vnd.google-apps.document":     "text/plain",
	"application/vnd.google-apps.spreadsheet":  "text/csv",
	"application/vnd.google-apps.presentation": "text/plain",
}

// API is the subset of Drive the sync engine depends on.
type API interface {
	ListChildren(ctx context.Context, folderID, pageToken string, pageSize int64) (Page, error)
	GetFile(ctx context.Context, fileID string) (File, error)
	Download(ctx context.Context, fileID, mimeType string) ([]byte, error)
	ListPermissions(ctx context.Context, fileID string) ([]Permission, error)
}

type ClientOptions struct {
	RateLimit      float64
	RateBurst      int
	BreakerTimeout time.Duration
	MaxDownload    int64
	// Endpoint overrides the Drive base URL.
	Endpoint string
}

// Client talks to Drive v3 through a rate limiter and a circuit breaker.
type Client struct {
	svc         *drivev3.Service
	breaker     *gobreaker.CircuitBreaker[any]
	limiter     *rate.Limiter
	maxDownload int64
}

// NewClient builds a Client on top of httpClient, which is expected to carry
// authentication (see AuthTransport).
func NewClient(ctx context.Context, httpClient *http.Client, opts ClientOptions) (*Client, error) {
	clientOpts := []option.ClientOption{option.WithHTTPClient(httpClient)}
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, option.WithEndpoint(opts.Endpoint))
	}
	svc, err := drivev3.NewService(ctx, clientOpts...)
	if err != nil {
		return nil, fmt.Errorf("create drive service: %w", err)
	}

	limiter := rate.NewLimiter(rate.Inf, 0)
	if opts.RateLimit > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	timeout := opts.BreakerTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	maxDownload := opts.MaxDownload
	if maxDownload <= 0 {
		maxDownload = 50 << 20
	}

	metrics.CircuitBreakerState.WithLabelValues(breakerName).Set(0)
	breaker := gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        breakerName,
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < 10 {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= 0.6
		},
		// Missing files and rejected credentials say nothing about Drive's health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound) || errors.Is(err, ErrUnauthorized) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("drive circuit breaker state change")
			metrics.CircuitBreakerState.WithLabelValues(name).Set(stateValue(to))
			metrics.CircuitBreakerTransitions.WithLabelValues(name, from.String(), to.String()).Inc()
		},
	})

	return &Client{svc: svc, breaker: breaker, limiter: limiter, maxDownload: maxDownload}, nil
}

func (c *Client) ListChildren(ctx context.Context, folderID, pageToken string, pageSize int64) (Page, error) {
	q := fmt.Sprintf("'%s' in parents and trashed=false", escapeQuery(folderID))
	out, err := call(ctx, c, "files.list", func() (*drivev3.FileList, error) {
		req := c.svc.Files.List().
			Q(q).
			PageSize(pageSize).
			Fields(googleapi.Field(listFields)).
			SupportsAllDrives(true).
			IncludeItemsFromAllDrives(true)
		if pageToken != "" {
			req = req.PageToken(pageToken)
		}
		return req.Context(ctx).Do()
	})
	if err != nil {
		return Page{}, err
	}

	page := Page{NextPageToken: out.NextPageToken, Files: make([]File, 0, len(out.Files))}
	for _, f := range out.Files {
		if f == nil {
			continue
		}
		page.Files = append(page.Files, fromAPI(f))
	}
	return page, nil
}

func (c *Client) GetFile(ctx context.Context, fileID string) (File, error) {
	out, err := call(ctx, c, "files.get", func() (*drivev3.File, error) {
		return c.svc.Files.Get(fileID).
			Fields(googleapi.Field(fileFields)).
			SupportsAllDrives(true).
			Context(ctx).
			Do()
	})
	if err != nil {
		return File{}, err
	}
	return fromAPI(out), nil
}

// Download returns the raw bytes of a file. Google Workspace documents are
// exported to text first.
func (c *Client) Download(ctx context.Context, fileID, mimeType string) ([]byte, error) {
	data, err := call(ctx, c, "files.download", func() (*[]byte, error) {
		var resp *http.Response
		var err error
		if exportAs, ok := exportFormats[mimeType]; ok {
			resp, err = c.svc.Files.Export(fileID, exportAs).Context(ctx).Download()
		} else {
			resp, err = c.svc.Files.Get(fileID).SupportsAllDrives(true).Context(ctx).Download()
		}
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		raw, err := io.ReadAll(io.LimitReader(resp.Body, c.maxDownload+1))
		if err != nil {
			return nil, fmt.Errorf("read download body: %w", err)
		}
		if int64(len(raw)) > c.maxDownload {
			return nil, fmt.Errorf("file %s exceeds download limit of %d bytes", fileID, c.maxDownload)
		}
		return &raw, nil
	})
	if err != nil {
		return nil, err
	}
	return *data, nil
}

func (c *Client) ListPermissions(ctx context.Context, fileID string) ([]Permission, error) {
	items := make([]Permission, 0)
	pageToken := ""
	for {
		out, err := call(ctx, c, "permissions.list", func() (*drivev3.PermissionList, error) {
			req := c.svc.Permissions.List(fileID).
				Fields("nextPageToken,permissions(id,type,role,emailAddress)").
				SupportsAllDrives(true)
			if pageToken != "" {
				req = req.PageToken(pageToken)
			}
			return req.Context(ctx).Do()
		})
		if err != nil {
			return nil, err
		}
		for _, p := range out.Permissions {
			if p == nil {
				continue
			}
			items = append(items, Permission{
				ID:           p.Id,
				Type:         p.Type,
				Role:         p.Role,
				EmailAddress: strings.ToLower(strings.TrimSpace(p.EmailAddress)),
			})
		}
		if out.NextPageToken == "" {
			return items, nil
		}
		pageToken = out.NextPageToken
	}
}

// call runs fn behind the rate limiter and the breaker and maps API errors.
func call[T any](ctx context.Context, c *Client, operation string, fn func() (*T, error)) (*T, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("drive %s: %w", operation, err)
	}

	start := time.Now()
	result, err := c.breaker.Execute(func() (any, error) {
		out, err := fn()
		if err != nil {
			return nil, mapError(err)
		}
		return out, nil
	})
	metrics.DriveRequestDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
	metrics.DriveRequests.WithLabelValues(operation, outcome(err)).Inc()
	if err != nil {
		return nil, fmt.Errorf("drive %s: %w", operation, err)
	}

	typed, ok := result.(*T)
	if !ok {
		return nil, fmt.Errorf("drive %s: unexpected result type %T", operation, result)
	}
	return typed, nil
}

func mapError(err error) error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusUnauthorized:
			return fmt.Errorf("%w: %s", ErrUnauthorized, apiErr.Message)
		case http.StatusNotFound:
			return fmt.Errorf("%w: %s", ErrNotFound, apiErr.Message)
		}
	}
	return err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return "rejected"
	default:
		return "error"
	}
}

func stateValue(state gobreaker.State) float64 {
	switch state {
	case gobreaker.StateClosed:
		return 0
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return -1
	}
}

func fromAPI(f *drivev3.File) File {
	return File{
		ID:           f.Id,
		Name:         f.Name,
		MimeType:     f.MimeType,
		Size:         f.Size,
		CreatedTime:  f.CreatedTime,
		ModifiedTime: f.ModifiedTime,
		Parents:      f.Parents,
		Shared:       f.Shared,
	}
}

func escapeQuery(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	return strings.ReplaceAll(value, `'`, `\'`)
}
