// Package app wires configuration, storage and services into the server and
// worker processes.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/unclebandit/presents-campaigns/internal/config"
	"github.com/unclebandit/presents-campaigns/internal/controller"
	"github.com/unclebandit/presents-campaigns/internal/db"
	"github.com/unclebandit/presents-campaigns/internal/handler"
	"github.com/unclebandit/presents-campaigns/internal/lock"
	"github.com/unclebandit/presents-campaigns/internal/queue"
	"github.com/unclebandit/presents-campaigns/internal/repository"
	"github.com/unclebandit/presents-campaigns/internal/service"
	"github.com/unclebandit/presents-campaigns/internal/token"
	"github.com/unclebandit/presents-campaigns/internal/transport"
)

// App holds the wired services of one process.
type App struct {
	Config *config.Config
	Logger *zap.Logger
	DB     *sql.DB
	Queue  queue.Queue

	Tracker     *service.DeliveryTracker
	Gate        *service.UnsubscribeGate
	Scheduler   *service.CampaignScheduler
	Emails      *service.ScheduledEmailService
	Templates   *service.TemplateAdmin
	Engine      *service.DispatchEngine
	Invitations *service.InvitationService
	Lists       *service.ContactListService
	Sweeper     *service.Sweeper

	events  *repository.EventRepository
	closers []func() error
}

// Deps are the external connections New wires services onto.
type Deps struct {
	DB        *sql.DB
	Locker    service.Locker
	Transport service.MailTransport
	Queue     queue.Queue
}

// New wires services over already-open connections. It performs no I/O.
func New(cfg *config.Config, log *zap.Logger, deps Deps) *App {
	events := &repository.EventRepository{DB: deps.DB}
	templates := &repository.TemplateRepository{DB: deps.DB}
	emails := &repository.ScheduledEmailRepository{DB: deps.DB}
	deliveries := &repository.DeliveryRepository{DB: deps.DB}
	invitations := &repository.InvitationRepository{DB: deps.DB}
	contacts := &repository.ContactRepository{DB: deps.DB}
	lists := &repository.ContactListRepository{DB: deps.DB}
	unsubscribes := &repository.UnsubscribeRepository{DB: deps.DB}

	links := service.Links{BaseURL: cfg.PublicBaseURL}
	executor := queue.NewExecutor(cfg.DispatchConcurrency, cfg.MaxSendAttempts, 500*time.Millisecond, log)
	resolver := &service.RecipientSetResolver{Contacts: contacts, Lists: lists, Timeout: cfg.ResolveTimeout}

	a := &App{Config: cfg, Logger: log, DB: deps.DB, Queue: deps.Queue, events: events}
	a.Gate = &service.UnsubscribeGate{
		Repo:   unsubscribes,
		Signer: token.NewUnsubscribeSigner(cfg.TokenSecret, cfg.TokenTTL),
		Logger: log.Named("unsubscribe"),
	}
	a.Tracker = &service.DeliveryTracker{
		Deliveries:      deliveries,
		ScheduledEmails: emails,
		OverdueGrace:    cfg.OverdueGrace,
		StaleAfter:      cfg.StaleAfter,
		Logger:          log.Named("delivery"),
	}
	a.Scheduler = &service.CampaignScheduler{Events: events, Templates: templates, ScheduledEmails: emails, Logger: log.Named("scheduler")}
	a.Emails = &service.ScheduledEmailService{Events: events, ScheduledEmails: emails, Logger: log.Named("scheduled_emails")}
	a.Templates = &service.TemplateAdmin{Templates: templates, Logger: log.Named("templates")}
	a.Engine = &service.DispatchEngine{
		Events:          events,
		ScheduledEmails: emails,
		Resolver:        resolver,
		Gate:            a.Gate,
		Tracker:         a.Tracker,
		Transport:       deps.Transport,
		Locker:          deps.Locker,
		Executor:        executor,
		Links:           links,
		Logger:          log.Named("dispatch"),
	}
	a.Invitations = &service.InvitationService{
		Events:      events,
		Invitations: invitations,
		Contacts:    contacts,
		Resolver:    resolver,
		Gate:        a.Gate,
		Tracker:     a.Tracker,
		Transport:   deps.Transport,
		Executor:    executor,
		Links:       links,
		TTL:         cfg.InvitationTTL,
		Logger:      log.Named("invitations"),
	}
	a.Lists = &service.ContactListService{Lists: lists, Contacts: contacts, Logger: log.Named("contact_lists")}
	a.Sweeper = &service.Sweeper{
		ScheduledEmails: emails,
		Tracker:         a.Tracker,
		Queue:           deps.Queue,
		Interval:        cfg.SweepInterval,
		Logger:          log.Named("sweeper"),
	}
	return a
}

// Open connects to Postgres, Redis, the mail provider and the queue as
// configured and wires the services.
func Open(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	conn, err := db.Open(ctx, cfg.DatabaseURL, log)
	if err != nil {
		return nil, err
	}
	closers := []func() error{conn.Close}
	fail := func(err error) (*App, error) {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i]()
		}
		return nil, err
	}

	var locker service.Locker = lock.NewLocalLocker()
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return fail(fmt.Errorf("connect to redis: %w", err))
		}
		closers = append(closers, client.Close)
		locker = lock.NewRedisLocker(client, cfg.LockTTL)
		log.Info("dispatch lock backed by redis", zap.String("addr", cfg.RedisAddr))
	} else {
		log.Warn("REDIS_ADDR not set, dispatch lock is local to this process")
	}

	var mail service.MailTransport
	switch cfg.MailProvider {
	case "ses":
		t, err := transport.NewSESTransportFromEnv(ctx, cfg.AWSRegion, cfg.MailFrom, log.Named("ses"))
		if err != nil {
			return fail(err)
		}
		mail = t
	default:
		mail = transport.NewLogTransport(log.Named("mail"))
	}

	var q queue.Queue
	if cfg.AMQPURL != "" {
		aq, err := queue.DialAMQP(cfg.AMQPURL, log.Named("amqp"))
		if err != nil {
			return fail(err)
		}
		closers = append(closers, aq.Close)
		q = aq
	} else {
		log.Warn("AMQP_URL not set, using in-memory queue")
		q = queue.NewInMemoryQueue(log.Named("queue"))
	}

	a := New(cfg, log, Deps{DB: conn, Locker: locker, Transport: mail, Queue: q})
	a.closers = closers
	return a, nil
}

// Drain waits for in-process dispatch jobs to finish before connections are
// closed. RabbitMQ consumers are drained by Close instead.
func (a *App) Drain(ctx context.Context) {
	mem, ok := a.Queue.(*queue.InMemoryQueue)
	if !ok {
		return
	}
	if err := mem.Drain(ctx); err != nil {
		a.Logger.Warn("in-flight dispatch jobs did not finish before shutdown", zap.Error(err))
		return
	}
	a.Logger.Info("dispatch jobs drained")
}

// Close releases connections in reverse order of opening.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.Logger.Warn("close failed", zap.Error(err))
		}
	}
}

// Router builds the HTTP surface: public links, provider webhooks, operator
// routes, health and metrics.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(a.requestLogger)

	r.Get("/healthz", a.health)
	r.Handle("/metrics", promhttp.Handler())

	handler.NewPublicHandler(a.Gate, a.Invitations, a.Tracker, a.Logger.Named("http")).Routes(r)
	(&controller.CampaignController{
		Scheduler:   a.Scheduler,
		Emails:      a.Emails,
		Dispatcher:  a.Engine,
		Queue:       a.Queue,
		Reports:     a.Tracker,
		Events:      a.events,
		Templates:   a.Templates,
		Invitations: a.Invitations,
		Lists:       a.Lists,
		Logger:      a.Logger.Named("http"),
	}).Routes(r)
	return r
}

func (a *App) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.DB.PingContext(ctx); err != nil {
		a.Logger.Warn("health check failed", zap.Error(err))
		handler.WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	handler.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *App) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		a.Logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
