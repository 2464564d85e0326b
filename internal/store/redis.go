package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/Seednode/mindbinder/internal/tree"
	backend "github.com/redis/go-redis/v9"
)

// Redis keeps nodes in one hash (path -> kind+text) next to a version key.
// Commits run under WATCH on the version key, so concurrent writers from
// several processes fail with ErrConflict instead of interleaving.
type Redis struct {
	client *backend.Client
	prefix string
}

type RedisOption func(*Redis)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisOption {
	return func(r *Redis) {
		r.prefix = prefix
	}
}

func NewRedis(address, password string, db int, opts ...RedisOption) *Redis {
	return NewRedisFromClient(backend.NewClient(&backend.Options{
		Addr:     address,
		Password: password,
		DB:       db,
	}), opts...)
}

func NewRedisFromClient(client *backend.Client, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		prefix: "mindbinder:",
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

func (r *Redis) nodesKey() string {
	return r.prefix + "nodes"
}

func (r *Redis) versionKey() string {
	return r.prefix + "version"
}

func encodeValue(kind tree.Kind, text string) string {
	if kind == tree.KindQuestion {
		return "q" + text
	}

	return "i" + text
}

func decodeValue(path, value string) (Record, error) {
	if value == "" {
		return Record{}, fmt.Errorf("%w: empty record at %q", tree.ErrInvalidTree, path)
	}

	r := Record{Path: path, Text: value[1:]}

	switch value[0] {
	case 'q':
		r.Kind = tree.KindQuestion
	case 'i':
		r.Kind = tree.KindItem
	default:
		return Record{}, fmt.Errorf("%w: bad record at %q", tree.ErrInvalidTree, path)
	}

	return r, nil
}

func (r *Redis) Load(ctx context.Context) (*tree.Node, uint64, error) {
	var (
		version *backend.StringCmd
		nodes   *backend.MapStringStringCmd
	)

	_, err := r.client.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
		version = pipe.Get(ctx, r.versionKey())
		nodes = pipe.HGetAll(ctx, r.nodesKey())
		return nil
	})
	if err != nil && !errors.Is(err, backend.Nil) {
		return nil, 0, wrap("load", err)
	}

	v, err := version.Uint64()
	if errors.Is(err, backend.Nil) {
		return nil, 0, ErrEmpty
	}
	if err != nil {
		return nil, 0, wrap("load", err)
	}

	fields, err := nodes.Result()
	if err != nil {
		return nil, 0, wrap("load", err)
	}

	records := make([]Record, 0, len(fields))
	for path, value := range fields {
		rec, err := decodeValue(path, value)
		if err != nil {
			return nil, 0, wrap("load", err)
		}
		records = append(records, rec)
	}

	root, err := Build(records)
	if err != nil {
		return nil, 0, wrap("load", err)
	}

	return root, v, nil
}

func (r *Redis) Commit(ctx context.Context, m Mutation) error {
	prefix := m.At.String()

	err := r.client.Watch(ctx, func(tx *backend.Tx) error {
		stored, err := tx.Get(ctx, r.versionKey()).Uint64()
		switch {
		case errors.Is(err, backend.Nil):
			stored = 0
		case err != nil:
			return err
		}
		if stored != m.Base {
			return fmt.Errorf("%w: stored %d, expected %d", ErrConflict, stored, m.Base)
		}

		paths, err := tx.HKeys(ctx, r.nodesKey()).Result()
		if err != nil {
			return err
		}

		var stale []string
		for _, p := range paths {
			if Under(p, prefix) {
				stale = append(stale, p)
			}
		}

		values := make(map[string]any)
		for _, rec := range Flatten(m.At, m.Subtree) {
			values[rec.Path] = encodeValue(rec.Kind, rec.Text)
		}

		_, err = tx.TxPipelined(ctx, func(pipe backend.Pipeliner) error {
			if len(stale) > 0 {
				pipe.HDel(ctx, r.nodesKey(), stale...)
			}
			pipe.HSet(ctx, r.nodesKey(), values)
			pipe.Set(ctx, r.versionKey(), m.Version, 0)
			return nil
		})
		return err
	}, r.versionKey())

	if errors.Is(err, backend.TxFailedErr) {
		err = fmt.Errorf("%w: concurrent write", ErrConflict)
	}

	return wrap("commit", err)
}

func (r *Redis) Close() error {
	return r.client.Close()
}
