package pipeline

import "errors"

var (
	errInvalidFileData = errors.New("file data is missing or invalid")
	errFileNotOwned    = errors.New("file not found or not owned by sender")
	errUnsupportedType = errors.New("unsupported message type")
)
