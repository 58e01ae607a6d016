package session

import (
	"errors"

	"github.com/fruitsalade/filegate/internal/catalog"
)

var (
	// ErrInvalidCredential is returned when the presented secret does not
	// match. The session state is left unchanged.
	ErrInvalidCredential = errors.New("invalid credential")

	// ErrNotAuthenticated is returned by file operations on a session that
	// has not authenticated.
	ErrNotAuthenticated = errors.New("not authenticated")

	// ErrRootNotFound is returned by RootStatus when the data folder is
	// missing or unreadable.
	ErrRootNotFound = catalog.ErrRootNotFound

	// ErrEmptySelection is returned when an archive is requested for no
	// files.
	ErrEmptySelection = errors.New("no files selected")

	// ErrNotFound is returned when a requested path is not part of the
	// session's most recent listing or no longer exists.
	ErrNotFound = errors.New("file not found")
)
