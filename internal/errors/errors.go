package errors

import "errors"

// Setup errors.
var (
	ErrMissingInput       = errors.New("at least one input folder is required")
	ErrMissingTarget      = errors.New("target folder id is required")
	ErrMissingCredentials = errors.New("credentials are required")
	ErrInputNotFound      = errors.New("input folder does not exist")
	ErrInputNotDir        = errors.New("input path is not a directory")
	ErrBadCredentials     = errors.New("credentials are not a service account key")
)

// Remote resolution errors.
var (
	ErrFolderCreateNoID = errors.New("folder create returned no id")
)
