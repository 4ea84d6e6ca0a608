package drive

import (
	"context"
	"io"
)

// Entry is the minimal remote object shape returned by listing calls.
type Entry struct {
	ID   string
	Name string
}

// Storage abstracts the remote file store so the engine can be tested
// without network access. *Client satisfies this interface.
//
// Calls either succeed with a result or fail terminally; transient
// faults are retried below this boundary.
type Storage interface {
	// Identity returns the email of the acting service account. Only
	// entries owned by this identity are matched for update or
	// considered for deletion.
	Identity() string

	// FindFolders returns the folder-typed children of parentID whose
	// name matches exactly, regardless of owner, in listing order.
	FindFolders(ctx context.Context, parentID, name string) ([]Entry, error)

	// ListFolders returns the folder-typed children of parentID owned
	// by the acting identity.
	ListFolders(ctx context.Context, parentID string) ([]Entry, error)

	// ListFiles returns the non-folder children of parentID owned by
	// the acting identity.
	ListFiles(ctx context.Context, parentID string) ([]Entry, error)

	// ListAll returns every child of parentID, any type, any owner.
	// Used to probe a folder for emptiness before deleting it.
	ListAll(ctx context.Context, parentID string) ([]Entry, error)

	// OwnedByIdentity reports whether the entity is owned by the
	// acting identity.
	OwnedByIdentity(ctx context.Context, id string) (bool, error)

	// CreateFolder creates a folder under parentID and returns its id.
	CreateFolder(ctx context.Context, name, parentID string) (string, error)

	// Upload streams a new file under parentID and returns its id.
	Upload(ctx context.Context, name, parentID, contentType string, r io.Reader) (string, error)

	// UpdateContent replaces the content of an existing file, keeping
	// its id.
	UpdateContent(ctx context.Context, id, contentType string, r io.Reader) error

	// Delete removes a single entity.
	Delete(ctx context.Context, id string) error

	// BatchDelete removes the given entities and returns a map of
	// failed ids to their errors. An empty map means every delete
	// succeeded; the batch itself never fails as a whole.
	BatchDelete(ctx context.Context, ids []string) map[string]error
}
