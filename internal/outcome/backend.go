package outcome

import "context"

// backend hides the two drivers behind the handful of calls the store makes.
// Queries are written with $N placeholders; the sqlite backend rewrites them.
type backend interface {
	queryRow(ctx context.Context, query string, args ...any) row
	query(ctx context.Context, query string, args ...any) (rows, error)
	exec(ctx context.Context, query string, args ...any) (int64, error)
	ping(ctx context.Context) error
	close()
}

type row interface {
	Scan(dest ...any) error
}

type rows interface {
	row
	Next() bool
	Err() error
	Close()
}
