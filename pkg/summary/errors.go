package summary

import "errors"

var (
	ErrNotFound        = errors.New("snapshot not found")
	ErrVersionConflict = errors.New("snapshot version already committed")
	ErrSessionPurged   = errors.New("patient session purged")
	ErrRunAborted      = errors.New("aggregation run aborted before commit")
	ErrInvalidVersion  = errors.New("invalid snapshot version")
	ErrInvalidPatient  = errors.New("patient id required")
)
