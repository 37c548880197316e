package storage

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Options holds the engine-independent connection settings.
type Options struct {
	// Database is the MongoDB database, or the key namespace of the other engines.
	Database string
	// ChunkSize is the chunk size used for new uploads. Zero selects DefaultChunkSize.
	ChunkSize int
	// ConnectTimeout bounds the initial handshake of network engines.
	ConnectTimeout time.Duration
}

// Dial opens the engine selected by the scheme of uri:
//
//	mongodb://, mongodb+srv://             MongoDB GridFS
//	sqlite://<path>                        SQLite file
//	file://<dir>                           local directory
//	memory://                              process memory
//	s3://<bucket>/<prefix>                 Amazon S3 or compatible
//	gs://<bucket>/<prefix>                 Google Cloud Storage
//	azblob://<container>/<prefix>          Azure Blob Storage
func Dial(ctx context.Context, uri string, opts Options) (Engine, error) {
	scheme, rest, ok := strings.Cut(uri, "://")
	if !ok {
		return nil, fmt.Errorf("connection string %q has no scheme", RedactURI(uri))
	}

	switch strings.ToLower(scheme) {
	case "mongodb", "mongodb+srv":
		return opened(NewMongoEngine(ctx, uri, opts.Database, opts.ChunkSize, opts.ConnectTimeout))

	case "sqlite":
		path, _, _ := strings.Cut(rest, "?")
		if path == "" {
			return nil, fmt.Errorf("sqlite connection string needs a file path")
		}
		return opened(NewSQLiteEngine(path, opts.Database, opts.ChunkSize))

	case "file":
		if rest == "" {
			return nil, fmt.Errorf("file connection string needs a directory")
		}
		e, err := NewLocalEngine(rest, opts.Database, opts.ChunkSize)
		if err != nil {
			return nil, err
		}
		// Temp files left behind are writes interrupted by a crash.
		if err := e.CleanTempFiles(); err != nil {
			return nil, err
		}
		return e, nil

	case "memory":
		return NewMemoryEngine(opts.Database, opts.ChunkSize), nil

	case "s3":
		u, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("parsing s3 connection string: %w", err)
		}
		q := u.Query()
		pathStyle, _ := strconv.ParseBool(q.Get("path_style"))
		return opened(NewS3Engine(ctx, S3Options{
			Bucket:          u.Host,
			Region:          q.Get("region"),
			Prefix:          keyPrefix(u.Path),
			Endpoint:        q.Get("endpoint"),
			UsePathStyle:    pathStyle,
			AccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		}, opts.Database, opts.ChunkSize))

	case "gs", "gcs":
		u, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("parsing gcs connection string: %w", err)
		}
		return opened(NewGCSEngine(ctx, u.Host, keyPrefix(u.Path), u.Query().Get("endpoint"), opts.Database, opts.ChunkSize))

	case "azblob":
		u, err := url.Parse(uri)
		if err != nil {
			return nil, fmt.Errorf("parsing azblob connection string: %w", err)
		}
		q := u.Query()
		accountURL := q.Get("account_url")
		if accountURL == "" && q.Get("account") != "" {
			accountURL = fmt.Sprintf("https://%s.blob.core.windows.net/", q.Get("account"))
		}
		managed, _ := strconv.ParseBool(q.Get("managed_identity"))
		return opened(NewAzureEngine(ctx, AzureOptions{
			Container:          u.Host,
			AccountURL:         accountURL,
			ConnectionString:   os.Getenv("AZURE_STORAGE_CONNECTION_STRING"),
			UseManagedIdentity: managed,
			Prefix:             keyPrefix(u.Path),
		}, opts.Database, opts.ChunkSize))

	default:
		return nil, fmt.Errorf("unsupported storage scheme %q", scheme)
	}
}

// opened converts a typed constructor result to Engine without turning a
// nil pointer into a non-nil interface.
func opened[E Engine](e E, err error) (Engine, error) {
	if err != nil {
		return nil, err
	}
	return e, nil
}

// keyPrefix turns a URL path into an object key prefix ending in "/".
func keyPrefix(path string) string {
	p := strings.Trim(path, "/")
	if p == "" {
		return ""
	}
	return p + "/"
}

// RedactURI hides credentials embedded in a connection string.
func RedactURI(uri string) string {
	u, err := url.Parse(uri)
	if err != nil || u.User == nil {
		return uri
	}
	u.User = url.User("xxxxx")
	return u.String()
}
