package cmds

import (
	"context"
	"time"

	"github.com/go-go-golems/glazed/pkg/cmds/fields"
	"github.com/go-go-golems/glazed/pkg/cmds/schema"
	"github.com/go-go-golems/glazed/pkg/cmds/sources"
	"github.com/go-go-golems/glazed/pkg/cmds/values"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/go-go-golems/askq/pkg/fanout"
	"github.com/go-go-golems/askq/pkg/inference/config"
	"github.com/go-go-golems/askq/pkg/orchestrator"
	"github.com/go-go-golems/askq/pkg/persistence/reportstore"
	"github.com/go-go-golems/askq/pkg/redisstream"
	"github.com/go-go-golems/askq/pkg/session"
	"github.com/go-go-golems/askq/pkg/stream"
	"github.com/go-go-golems/askq/pkg/summary"
)

// GetMiddlewares resolves values from flags, arguments, ASKQ_* env vars and defaults.
func GetMiddlewares(
	_ *values.Values,
	cmd *cobra.Command,
	args []string,
) ([]sources.Middleware, error) {
	return []sources.Middleware{
		sources.FromCobra(cmd),
		sources.FromArgs(args),
		sources.FromEnv("ASKQ",
			fields.WithSource("env"),
		),
		sources.FromDefaults(),
	}, nil
}

func backendSections() ([]schema.Section, error) {
	inference, err := config.NewSection()
	if err != nil {
		return nil, errors.Wrap(err, "create inference section")
	}
	redis, err := redisstream.NewSection()
	if err != nil {
		return nil, errors.Wrap(err, "create redis section")
	}
	return []schema.Section{inference, redis}, nil
}

// app is the wired object graph shared by serve and ask.
type app struct {
	inference config.Settings
	backends  *config.Backends
	registry  *session.Registry
	bus       stream.Backend
	engine    *summary.Engine
	store     reportstore.Store
	orch      *orchestrator.Orchestrator
}

type appOptions struct {
	reportDB    string
	retention   time.Duration
	channelSize int
}

func buildApp(ctx context.Context, parsed *values.Values, opts appOptions) (*app, error) {
	a := &app{}
	if err := parsed.DecodeSectionInto(config.SectionSlug, &a.inference); err != nil {
		return nil, errors.Wrap(err, "init inference settings")
	}
	rs := redisstream.Settings{}
	if err := parsed.DecodeSectionInto(redisstream.SectionSlug, &rs); err != nil {
		return nil, errors.Wrap(err, "init redis settings")
	}

	a.backends = a.inference.Build()
	if _, err := a.backends.Catalog.List(ctx); err != nil {
		// the catalog retries on every question; the server still starts
		log.Warn().Err(err).Msg("no models discovered yet")
	}

	bus, err := stream.NewBackend(ctx, rs, stream.NewZerologAdapter(log.Logger))
	if err != nil {
		return nil, errors.Wrap(err, "create event bus")
	}
	a.bus = bus

	if opts.reportDB != "" {
		dsn, err := reportstore.SQLiteDSNForFile(opts.reportDB)
		if err != nil {
			_ = bus.Close()
			return nil, err
		}
		store, err := reportstore.NewSQLiteStore(dsn)
		if err != nil {
			_ = bus.Close()
			return nil, errors.Wrap(err, "open report store")
		}
		a.store = store
		log.Info().Str("path", opts.reportDB).Msg("persisting reports to sqlite")
	} else {
		a.store = reportstore.NewInMemoryStore()
	}

	var regOpts []session.RegistryOption
	if opts.retention > 0 {
		regOpts = append(regOpts, session.WithRetention(opts.retention))
	}
	a.registry = session.NewRegistry(regOpts...)
	a.engine = summary.NewEngine(a.backends.Judge(a.inference))
	a.orch = orchestrator.New(
		a.registry,
		a.backends.Catalog,
		fanout.NewScheduler(a.backends.Providers, a.inference.SchedulerOptions()...),
		a.bus.Publisher(),
		a.engine,
		orchestrator.WithReportStore(a.store),
		orchestrator.WithChannelSize(opts.channelSize),
	)
	return a, nil
}

func (a *app) Close() error {
	a.orch.Wait()
	err := a.bus.Close()
	if cerr := a.store.Close(); err == nil {
		err = cerr
	}
	return err
}
