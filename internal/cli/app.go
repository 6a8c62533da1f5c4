package cli

import (
	"io"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/vijaythecoder/fintool-sub003/internal/config"
	"github.com/vijaythecoder/fintool-sub003/internal/log"
	"github.com/vijaythecoder/fintool-sub003/internal/notify"
	internal_storage "github.com/vijaythecoder/fintool-sub003/internal/storage"
	"github.com/vijaythecoder/fintool-sub003/pkg/lock"
	"github.com/vijaythecoder/fintool-sub003/pkg/service"
	"github.com/vijaythecoder/fintool-sub003/pkg/storage"
)

// lockGrace is added to the step timeout so a Redis lock outlives the
// longest executor call made while holding it.
const lockGrace = 30 * time.Second

// app is the set of services one command works with.
type app struct {
	cfg       config.Config
	store     storage.Store
	approvals *service.ApprovalService
	alerts    *service.AlertService
	workflows *service.WorkflowService
	closers   []io.Closer
}

func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// openApp is replaced in tests.
var openApp = newApp

func newApp(cfg config.Config, dbConnStr string, memory bool) (*app, error) {
	a := &app{cfg: cfg}
	logger := log.GetLogger()

	if memory {
		a.store = storage.NewMemoryStore()
	} else {
		if dbConnStr == "" {
			dbConnStr = cfg.DBConnStr
		}
		if dbConnStr == "" {
			return nil, errors.New("--db flag or complete DB_* env vars (DB_USERNAME, DB_PASSWORD, DB_HOST, DB_PORT, DB_NAME) required")
		}
		store, err := internal_storage.InitStore(dbConnStr)
		if err != nil {
			return nil, errors.Wrap(err, "failed to initialize store")
		}
		a.store = store
	}
	a.closers = append(a.closers, a.store)

	var opts []service.Option
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		a.closers = append(a.closers, client)
		redisOpts := lock.DefaultRedisOptions()
		if expiry := cfg.Workflow.StepTimeout + lockGrace; expiry > redisOpts.Expiry {
			redisOpts.Expiry = expiry
		}
		opts = append(opts, service.WithLocker(lock.NewRedisLocker(client, redisOpts)))
		logger.Infof("Using redis locks at %s", cfg.RedisAddr)
	}
	if cfg.RabbitURL != "" {
		notifier, err := notify.DialRabbit(cfg.RabbitURL, cfg.AlertExchange)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.closers = append(a.closers, notifier)
		opts = append(opts, service.WithNotifier(notifier))
		logger.Infof("Publishing alert events to exchange %s", cfg.AlertExchange)
	}

	a.approvals = service.NewApprovalService(a.store, logger, cfg.Threshold, opts...)
	a.alerts = service.NewAlertService(a.store, logger, opts...)
	a.workflows = service.NewWorkflowService(a.store, a.approvals, a.alerts, logger, cfg.Workflow, opts...)
	return a, nil
}
