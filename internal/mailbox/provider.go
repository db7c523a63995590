// Package mailbox defines the narrow contract against the mailbox provider
// and a Microsoft Graph implementation of it.
package mailbox

import (
	"context"
	"time"

	"github.com/janhalen/azure-smartmail/internal/model"
)

// Folder is a resolved folder handle in some mailbox.
type Folder struct {
	ID          string
	DisplayName string
	Mailbox     string
}

// MessageRef is the reduced view returned by folder enumeration; the full
// item is fetched only for unseen messages.
type MessageRef struct {
	ReceivedAt time.Time
	ID         string
	Subject    string
}

// Provider is the mailbox provider contract. All calls made by the core go
// through the retry wrapper; implementations only need to surface errors.
type Provider interface {
	// RootFolder returns the folder tree root of a mailbox.
	RootFolder(ctx context.Context, mailbox string) (Folder, error)

	// ChildFolder resolves one named child under parent, returning
	// common.ErrFolderNotFound when it does not exist.
	ChildFolder(ctx context.Context, parent Folder, name string) (Folder, error)

	// CreateFolder creates a named child under parent.
	CreateFolder(ctx context.Context, parent Folder, name string) (Folder, error)

	// ListSince enumerates messages in a folder received strictly after the
	// given time.
	ListSince(ctx context.Context, folder Folder, since time.Time) ([]MessageRef, error)

	// Fetch retrieves the full message by id, with body and attachment texts
	// already reduced to plain strings.
	Fetch(ctx context.Context, mailbox, messageID string) (*model.Message, error)

	// Move relocates a message into the folder.
	Move(ctx context.Context, mailbox, messageID string, folder Folder) error

	// Copy duplicates a message into the folder.
	Copy(ctx context.Context, mailbox, messageID string, folder Folder) error

	// Forward sends the message on to the given addresses.
	Forward(ctx context.Context, mailbox, messageID string, to []string, comment string) error
}
