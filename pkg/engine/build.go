package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/DrSkyle/cigraph/pkg/api"
	"github.com/DrSkyle/cigraph/pkg/cmdb"
	"github.com/DrSkyle/cigraph/pkg/config"
	"github.com/DrSkyle/cigraph/pkg/engine/gate"
	"github.com/DrSkyle/cigraph/pkg/engine/health"
	"github.com/DrSkyle/cigraph/pkg/engine/history"
	"github.com/DrSkyle/cigraph/pkg/engine/impact"
	"github.com/DrSkyle/cigraph/pkg/engine/notifier"
	"github.com/DrSkyle/cigraph/pkg/engine/policy"
	"github.com/DrSkyle/cigraph/pkg/engine/swarm"
	"github.com/DrSkyle/cigraph/pkg/federation"
	"github.com/DrSkyle/cigraph/pkg/graph"
	"github.com/DrSkyle/cigraph/pkg/graph/sqlitestore"
	"github.com/DrSkyle/cigraph/pkg/ingest"
	"github.com/DrSkyle/cigraph/pkg/ingest/kafka"
	"github.com/DrSkyle/cigraph/pkg/lock"
	"github.com/DrSkyle/cigraph/pkg/providers/k8s"
	"github.com/DrSkyle/cigraph/pkg/storage"
)

func (e *Engine) build(ctx context.Context) error {
	cfg := e.config
	if err := e.openStores(); err != nil {
		return err
	}

	classifier, err := e.classifier()
	if err != nil {
		return err
	}
	e.Analyzer = impact.New(e.Graph,
		impact.WithClassifier(classifier),
		impact.WithConfig(cfg.Impact),
		impact.WithLogger(e.Logger),
		impact.WithClock(e.now),
	)
	e.housekeeper = impact.NewHousekeeper(e.Graph, e.Logger)

	notify := e.notifier()
	gopts := []gate.Option{
		gate.WithAnalyzer(e.Analyzer),
		gate.WithNotifier(notify),
		gate.WithConfig(cfg.Gate),
		gate.WithLogger(e.Logger),
		gate.WithClock(e.now),
	}
	archiver, err := e.archive(ctx)
	if err != nil {
		return err
	}
	if archiver != nil {
		gopts = append(gopts, gate.WithArchiver(archiver))
	}
	e.Gate = gate.New(e.Changes, e.Graph, gopts...)

	locker, err := e.locker(ctx)
	if err != nil {
		return err
	}
	e.Swarm = swarm.NewEngine(cfg.Swarm.Start, cfg.Swarm.Min, cfg.Swarm.Max)
	e.Swarm.IsContended = isContended
	e.Reconciler = gate.NewReconciler(e.Gate,
		gate.WithExecutor(e.executor),
		gate.WithRunner(e.Swarm),
		gate.WithLocker(locker),
	)

	calc, err := health.New(e.Graph,
		health.WithConfig(cfg.Health.Config),
		health.WithLogger(e.Logger),
		health.WithClock(e.now),
	)
	if err != nil {
		return err
	}
	ledger, err := e.ledger(ctx)
	if err != nil {
		return err
	}
	e.Health = health.NewScheduler(calc, ledger, notify)

	e.Ingest = ingest.NewProcessor(e.Graph,
		ingest.WithGuard(e.Gate),
		ingest.WithConfig(cfg.Ingest),
		ingest.WithLogger(e.Logger),
		ingest.WithClock(e.now),
	)
	e.API = api.NewServer(e.Graph, e.Gate, e.Analyzer, e.Health,
		api.WithConfig(cfg.API),
		api.WithLogger(e.Logger),
		api.WithEvents(e.Ingest),
	)

	return e.collaborators()
}

func (e *Engine) openStores() error {
	if e.Graph != nil && e.Changes != nil {
		return nil
	}
	switch e.config.Store.Driver {
	case config.DriverSQLite:
		s, err := sqlitestore.Open(e.config.Store.Path, sqlitestore.WithClock(e.now))
		if err != nil {
			return fmt.Errorf("failed to open graph store: %w", err)
		}
		e.closers = append(e.closers, func(context.Context) error { return s.Close() })
		changes, err := gate.NewSQLStore(s.DB())
		if err != nil {
			return err
		}
		e.Graph, e.Changes = s, changes
	default:
		e.Graph, e.Changes = graph.NewMemoryStore(graph.WithClock(e.now)), gate.NewMemoryStore()
	}
	return nil
}

func (e *Engine) classifier() (policy.RiskClassifier, error) {
	var c policy.RiskClassifier = policy.NewThresholdClassifier(policy.DefaultThresholds())
	if path := e.config.Impact.RiskRulesFile; path != "" {
		cel, err := policy.LoadRules(path, c, e.Logger)
		if err != nil {
			return nil, err
		}
		c = cel
	}
	return c, nil
}

func (e *Engine) notifier() notifier.Notifier {
	n := notifier.Multi{notifier.Log{Logger: e.Logger}}
	if hook := e.config.Notifier.SlackWebhook; hook != "" {
		n = append(n, notifier.NewSlackClient(hook, e.config.Notifier.SlackChannel))
	}
	return n
}

func (e *Engine) archive(ctx context.Context) (*storage.Archive, error) {
	ac := e.config.Archive
	var blobs storage.BlobStore
	switch ac.Driver {
	case config.DriverLocal:
		blobs = storage.NewLocalStore(ac.Path)
	case config.DriverS3:
		s3, err := storage.DialS3(ctx, ac.Bucket, ac.Region, ac.Endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to configure archive bucket: %w", err)
		}
		blobs = s3
	default:
		return nil, nil
	}
	return storage.NewArchive(blobs, ac.Prefix, e.Logger), nil
}

func (e *Engine) locker(ctx context.Context) (lock.Locker, error) {
	lc := e.config.Lock
	if lc.Driver != config.DriverRedis {
		return lock.NewLocal(), nil
	}
	rdb, err := lock.DialRedis(ctx, lc.Addr, lc.Password, lc.DB)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", lc.Addr, err)
	}
	e.closers = append(e.closers, func(context.Context) error { return rdb.Close() })
	return lock.NewRedis(rdb, lc.KeyPrefix, e.Logger), nil
}

func (e *Engine) ledger(ctx context.Context) (*history.Client, error) {
	target := e.config.Health.Ledger
	switch {
	case target == "":
		return history.NewClient(nil), nil
	case strings.HasPrefix(target, "s3://"):
		b, err := history.NewS3Backend(ctx, target)
		if err != nil {
			return nil, err
		}
		return history.NewClient(b), nil
	default:
		return history.NewClient(history.NewLocalBackend(target)), nil
	}
}

// collaborators wires the optional ingest transports and the federation mirror.
func (e *Engine) collaborators() error {
	cfg := e.config
	if cfg.Kafka.Enabled {
		c, err := kafka.NewConsumer(cfg.Kafka.ConsumerConfig, e.Ingest, e.Logger)
		if err != nil {
			return err
		}
		e.consumer = c
	}
	if cfg.Kubernetes.Enabled {
		client, err := k8s.NewClient(cfg.Kubernetes.Kubeconfig, cfg.Kubernetes.Context)
		if err != nil {
			return err
		}
		e.scanner = k8s.NewScanner(client, e.Ingest, cfg.Kubernetes.Config, e.Logger)
	}
	if e.mirror == nil && cfg.Federation.Enabled {
		m, err := federation.NewNeo4jMirror(cfg.Federation.Neo4j, e.Logger)
		if err != nil {
			return err
		}
		e.closers = append(e.closers, m.Close)
		e.mirror = m
	}
	if e.mirror != nil {
		e.syncer = federation.NewSyncer(e.Graph, e.mirror, e.Logger)
	}
	return nil
}

// isContended feeds the AIMD pool: lost CAS races and held locks shrink it.
func isContended(err error) bool {
	return errors.Is(err, cmdb.ErrConflict) || errors.Is(err, lock.ErrNotAcquired)
}
