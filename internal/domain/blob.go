package domain

import "context"

// BlobWriter uploads objects to storage.
type BlobWriter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// ResultArchiver exports the results of an experiment run to cold storage.
type ResultArchiver interface {
	ArchiveResults(ctx context.Context, results ExperimentResults) (path string, err error)
}
