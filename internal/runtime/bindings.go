package runtime

import (
	"context"
	"fmt"

	"loomcore/internal/archive"
	"loomcore/internal/config"
	"loomcore/internal/resolvers/memory"
	"loomcore/internal/resolvers/mongo"
	"loomcore/internal/resolvers/postgres"
	"loomcore/internal/resolvers/sqlite"
	"loomcore/pkg/resolver"
)

// ApplyConfig constructs the backends a bindings file declares and wires
// them into the resolver registry: resolver stores, entity bindings, the
// default resolver, and the snapshot archive. Backends opened here are
// closed by Runtime.Close.
func (r *Runtime) ApplyConfig(ctx context.Context, cfg *config.Config) error {
	for _, rc := range cfg.Resolvers {
		factory, closer, err := r.openResolver(ctx, rc)
		if err != nil {
			return fmt.Errorf("resolver %q: %w", rc.Name, err)
		}
		if err := r.resolvers.RegisterResolver(rc.Name, factory); err != nil {
			if closer != nil {
				_ = closer()
			}
			return err
		}
		if closer != nil {
			r.mu.Lock()
			r.closers = append(r.closers, closer)
			r.mu.Unlock()
		}
	}
	for _, b := range cfg.Bindings {
		if err := r.resolvers.SetResolver(b.Entity, b.Resolver); err != nil {
			return err
		}
	}
	if cfg.DefaultResolver != "" {
		if err := r.resolvers.SetDefault(cfg.DefaultResolver); err != nil {
			return err
		}
	}
	if cfg.Archive != nil {
		store, err := openArchive(ctx, cfg.Archive)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		r.archive = store
	}
	return nil
}

func (r *Runtime) openResolver(ctx context.Context, rc config.Resolver) (resolver.Factory, func() error, error) {
	switch rc.Driver {
	case memory.DriverName:
		return memory.NewStore().Factory(), nil, nil
	case sqlite.DriverName:
		store, err := sqlite.NewStore(rc.Options["path"])
		if err != nil {
			return nil, nil, err
		}
		return store.Factory(), store.Close, nil
	case postgres.DriverName:
		store, err := postgres.NewStore(ctx, rc.Options["dsn"])
		if err != nil {
			return nil, nil, err
		}
		return store.Factory(), store.Close, nil
	case mongo.DriverName:
		store, err := mongo.NewStore(ctx, rc.Options["uri"], rc.Options["database"])
		if err != nil {
			return nil, nil, err
		}
		closer := func() error { return store.Close(context.Background()) }
		return store.Factory(), closer, nil
	default:
		return nil, nil, fmt.Errorf("unknown driver %q", rc.Driver)
	}
}

func openArchive(ctx context.Context, ac *config.Archive) (archive.Store, error) {
	switch archive.Driver(ac.Driver) {
	case archive.DriverMemory:
		return archive.NewMemory(), nil
	case archive.DriverFilesystem:
		return archive.NewFilesystem(ac.Root)
	case archive.DriverS3:
		return archive.NewS3(ctx, archive.S3Config{Bucket: ac.Bucket})
	default:
		return nil, fmt.Errorf("unknown driver %q", ac.Driver)
	}
}
