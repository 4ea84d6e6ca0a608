package drive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2/google"
	"golang.org/x/sync/errgroup"
	driveapi "google.golang.org/api/drive/v3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	folderMimeType = "application/vnd.google-apps.folder"

	uploadChunkSize = 1048576 // 1MB, must stay a multiple of 256KB
	listPageSize    = 1000

	// maxAttempts bounds the retry loop around metadata calls. Media
	// uploads are excluded: the resumable protocol retries its own
	// chunks.
	maxAttempts    = 5
	retryBaseDelay = 500 * time.Millisecond

	batchDeleteWorkers = 8
)

// Client implements Storage against the Google Drive v3 API using a
// service account.
type Client struct {
	svc        *driveapi.Service
	identity   string
	logger     *slog.Logger
	retryDelay time.Duration
}

// NewClient builds a Drive client from a service account key. The
// returned client acts as, and reports, the key's client_email. Extra
// options are passed through to the API client, e.g. WithEndpoint to
// point at a different host.
func NewClient(ctx context.Context, creds *Credentials, logger *slog.Logger, opts ...option.ClientOption) (*Client, error) {
	jwt, err := google.JWTConfigFromJSON(creds.JSON,
		driveapi.DriveScope,
		driveapi.DriveFileScope,
		driveapi.DriveMetadataReadonlyScope,
	)
	if err != nil {
		return nil, fmt.Errorf("parsing service account key: %w", err)
	}

	svcOpts := append([]option.ClientOption{option.WithHTTPClient(jwt.Client(ctx))}, opts...)

	svc, err := driveapi.NewService(ctx, svcOpts...)
	if err != nil {
		return nil, fmt.Errorf("creating drive service: %w", err)
	}

	return &Client{
		svc:        svc,
		identity:   creds.Email,
		logger:     logger.With(slog.String("component", "drive")),
		retryDelay: retryBaseDelay,
	}, nil
}

// Identity returns the service account email.
func (c *Client) Identity() string {
	return c.identity
}

// FindFolders returns the folder-typed children of parentID with
// exactly the given name, regardless of owner.
func (c *Client) FindFolders(ctx context.Context, parentID, name string) ([]Entry, error) {
	query := fmt.Sprintf("'%s' in parents and name = '%s' and mimeType = '%s' and trashed = false",
		escapeQuery(parentID), escapeQuery(name), folderMimeType)

	return c.list(ctx, query)
}

// ListFolders returns the folder-typed children of parentID owned by
// the acting identity.
func (c *Client) ListFolders(ctx context.Context, parentID string) ([]Entry, error) {
	query := fmt.Sprintf("'%s' in parents and mimeType = '%s' and '%s' in owners and trashed = false",
		escapeQuery(parentID), folderMimeType, escapeQuery(c.identity))

	return c.list(ctx, query)
}

// ListFiles returns the non-folder children of parentID owned by the
// acting identity.
func (c *Client) ListFiles(ctx context.Context, parentID string) ([]Entry, error) {
	query := fmt.Sprintf("'%s' in parents and mimeType != '%s' and '%s' in owners and trashed = false",
		escapeQuery(parentID), folderMimeType, escapeQuery(c.identity))

	return c.list(ctx, query)
}

// ListAll returns every non-trashed child of parentID, any type, any
// owner.
func (c *Client) ListAll(ctx context.Context, parentID string) ([]Entry, error) {
	query := fmt.Sprintf("'%s' in parents and trashed = false", escapeQuery(parentID))

	return c.list(ctx, query)
}

func (c *Client) list(ctx context.Context, query string) ([]Entry, error) {
	var out []Entry

	err := c.withRetry(ctx, "listing", func() error {
		// Reset on retry so a partially paginated attempt does not
		// leave duplicates behind.
		out = out[:0]

		call := c.svc.Files.List().
			Q(query).
			PageSize(listPageSize).
			Fields("nextPageToken, files(id, name)")

		return call.Pages(ctx, func(page *driveapi.FileList) error {
			for _, f := range page.Files {
				out = append(out, Entry{ID: f.Id, Name: f.Name})
			}

			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return out, nil
}

// OwnedByIdentity reports whether any owner of the entity is the
// acting service account.
func (c *Client) OwnedByIdentity(ctx context.Context, id string) (bool, error) {
	var f *driveapi.File

	err := c.withRetry(ctx, "reading owners", func() error {
		var err error
		f, err = c.svc.Files.Get(id).Fields("owners(emailAddress)").Context(ctx).Do()

		return err
	})
	if err != nil {
		return false, fmt.Errorf("reading owners of %s: %w", id, err)
	}

	for _, owner := range f.Owners {
		if owner.EmailAddress == c.identity {
			return true, nil
		}
	}

	return false, nil
}

// CreateFolder creates a folder under parentID and returns its id.
func (c *Client) CreateFolder(ctx context.Context, name, parentID string) (string, error) {
	meta := &driveapi.File{
		Name:     name,
		MimeType: folderMimeType,
		Parents:  []string{parentID},
	}

	var created *driveapi.File

	err := c.withRetry(ctx, "creating folder", func() error {
		var err error
		created, err = c.svc.Files.Create(meta).Fields("id").Context(ctx).Do()

		return err
	})
	if err != nil {
		return "", fmt.Errorf("creating folder %q: %w", name, err)
	}

	return created.Id, nil
}

// Upload streams a new file under parentID via resumable upload and
// returns its id.
func (c *Client) Upload(ctx context.Context, name, parentID, contentType string, r io.Reader) (string, error) {
	meta := &driveapi.File{
		Name:    name,
		Parents: []string{parentID},
	}

	call := c.svc.Files.Create(meta).
		Media(r, googleapi.ContentType(contentType), googleapi.ChunkSize(uploadChunkSize)).
		Fields("id").
		Context(ctx)
	call.ProgressUpdater(c.progressFunc(name))

	created, err := call.Do()
	if err != nil {
		return "", fmt.Errorf("uploading %q: %w", name, err)
	}

	return created.Id, nil
}

// UpdateContent replaces the content of an existing file in place. The
// file keeps its id, links, and sharing settings.
func (c *Client) UpdateContent(ctx context.Context, id, contentType string, r io.Reader) error {
	call := c.svc.Files.Update(id, &driveapi.File{}).
		Media(r, googleapi.ContentType(contentType), googleapi.ChunkSize(uploadChunkSize)).
		Fields("id").
		Context(ctx)
	call.ProgressUpdater(c.progressFunc(id))

	if _, err := call.Do(); err != nil {
		return fmt.Errorf("updating content of %s: %w", id, err)
	}

	return nil
}

func (c *Client) progressFunc(name string) googleapi.ProgressUpdater {
	return func(current, total int64) {
		c.logger.Debug("upload progress",
			slog.String("name", name),
			slog.Int64("bytes", current),
		)
	}
}

// Delete removes a single entity.
func (c *Client) Delete(ctx context.Context, id string) error {
	err := c.withRetry(ctx, "deleting", func() error {
		return c.svc.Files.Delete(id).Context(ctx).Do()
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", id, err)
	}

	return nil
}

// BatchDelete deletes the given ids with bounded concurrency and
// returns a map of failed ids to their errors. The batch never fails
// as a whole.
func (c *Client) BatchDelete(ctx context.Context, ids []string) map[string]error {
	results := make([]error, len(ids))

	var g errgroup.Group
	g.SetLimit(batchDeleteWorkers)

	for i, id := range ids {
		i, id := i, id
		g.Go(func() error {
			results[i] = c.Delete(ctx, id)

			return nil
		})
	}

	// The closures never return an error; outcomes land in results.
	_ = g.Wait()

	failed := make(map[string]error)
	for i, id := range ids {
		if results[i] != nil {
			failed[id] = results[i]
		}
	}

	return failed
}

func (c *Client) withRetry(ctx context.Context, op string, fn func() error) error {
	var err error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err = fn()
		if err == nil || !isRetryable(err) {
			return err
		}

		if attempt == maxAttempts {
			break
		}

		delay := c.retryDelay * time.Duration(1<<(attempt-1))
		c.logger.Warn("transient drive error, retrying",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Duration("backoff", delay),
			slog.String("error", err.Error()),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return fmt.Errorf("giving up after %d attempts: %w", maxAttempts, err)
}

// isRetryable reports whether the error is a rate limit or server
// fault worth another attempt.
func isRetryable(err error) bool {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
	}

	return false
}

// escapeQuery escapes a literal for embedding in a Drive query string.
func escapeQuery(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)

	return strings.ReplaceAll(s, `'`, `\'`)
}
