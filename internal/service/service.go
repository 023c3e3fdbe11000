// SPDX-FileCopyrightText: Winni Neessen <wn@neessen.dev>
//
// SPDX-License-Identifier: MIT

package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/go-co-op/gocron/v2"

	"github.com/wneessen/geotrack/internal/api"
	"github.com/wneessen/geotrack/internal/config"
	"github.com/wneessen/geotrack/internal/geofence"
	"github.com/wneessen/geotrack/internal/gpspoll"
	"github.com/wneessen/geotrack/internal/http"
	"github.com/wneessen/geotrack/internal/location"
	"github.com/wneessen/geotrack/internal/logger"
	"github.com/wneessen/geotrack/internal/position/file"
	"github.com/wneessen/geotrack/internal/position/geoip"
	"github.com/wneessen/geotrack/internal/position/gpsd"
	"github.com/wneessen/geotrack/internal/position/ichnaea"
	"github.com/wneessen/geotrack/internal/position/poll"
	"github.com/wneessen/geotrack/internal/remote"
	"github.com/wneessen/geotrack/internal/store"
	"github.com/wneessen/geotrack/internal/store/redis"
	"github.com/wneessen/geotrack/internal/tracker"
)

const (
	heartbeatJobName = "status_heartbeat_job"
	shutdownTimeout  = time.Second * 10
)

// Option overrides a collaborator of the Service.
type Option func(*Service)

// WithOutput sets the writer receiving geofence events as JSON lines. Defaults to os.Stdout.
func WithOutput(w io.Writer) Option {
	return func(s *Service) {
		s.output = w
	}
}

// WithSource replaces the position source selected by the configuration.
func WithSource(source location.Source) Option {
	return func(s *Service) {
		s.source = source
	}
}

// WithStore replaces the persistent store selected by the configuration.
func WithStore(backend store.Store) Option {
	return func(s *Service) {
		s.backend = backend
	}
}

// WithRemote replaces the remote collector selected by the configuration.
func WithRemote(r tracker.Remote) Option {
	return func(s *Service) {
		s.remote = r
	}
}

// Service runs a single tracking session.
type Service struct {
	config    *config.Config
	logger    *logger.Logger
	scheduler gocron.Scheduler
	signals   signalSource

	backend store.Store
	source  location.Source
	remote  tracker.Remote
	tracker *tracker.Tracker
	api     *api.Server
	closers []io.Closer

	outputLock sync.Mutex
	output     io.Writer
}

func New(conf *config.Config, log *logger.Logger, opts ...Option) (*Service, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	service := &Service{
		config:    conf,
		logger:    log,
		scheduler: scheduler,
		signals:   stdLibSignalSource{},
		output:    os.Stdout,
	}
	for _, opt := range opts {
		opt(service)
	}

	httpClient := http.New(log)
	if service.backend == nil {
		if service.backend, err = service.createStore(); err != nil {
			return nil, err
		}
	}
	if service.source == nil {
		if service.source, err = service.createSource(httpClient); err != nil {
			return nil, err
		}
	}
	if service.remote == nil {
		if service.remote, err = service.createRemote(httpClient); err != nil {
			return nil, err
		}
	}

	service.tracker = tracker.New(service.source, service.remote, service.backend,
		log.With(slog.String("agent", conf.Session.Agent)), tracker.WithEventHandler(service.writeEvent))
	service.api = api.New(service.tracker, log)
	return service, nil
}

// Tracker returns the tracker of the session.
func (s *Service) Tracker() *tracker.Tracker {
	return s.tracker
}

func (s *Service) Run(ctx context.Context) error {
	s.tracker.Initialize(ctx)
	s.seedGeofences(ctx)

	if !s.config.Session.DisableAutostart && !s.tracker.StartTracking(ctx) {
		s.logger.Warn("failed to start tracking, use the session API to retry")
	}

	if !s.config.Session.DisableHeartbeat {
		if err := s.createScheduledJob(ctx, s.config.Session.Heartbeat, s.sendHeartbeat,
			heartbeatJobName); err != nil {
			return err
		}
	}
	s.scheduler.Start()

	go s.monitorSleepResume(ctx)

	sigChan := make(chan os.Signal, 1)
	s.signals.Notify(sigChan, syscall.SIGUSR1)
	defer s.signals.Stop(sigChan)
	go s.HandleToggleTrackingSignal(ctx, sigChan)

	var runErr error
	if s.config.API.Disable {
		<-ctx.Done()
	} else if err := s.api.ListenAndServe(ctx, s.config.API.Listen); err != nil {
		runErr = fmt.Errorf("session API failed: %w", err)
	}

	return errors.Join(runErr, s.shutdown())
}

// shutdown stops tracking, waits for pending remote pushes and releases the store.
func (s *Service) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	s.tracker.Close(ctx)
	errs := []error{s.scheduler.Shutdown()}
	for _, c := range s.closers {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}

func (s *Service) createStore() (store.Store, error) {
	conf := s.config.Store
	switch conf.Backend {
	case config.BackendMemory:
		return store.NewMemory(), nil
	case config.BackendFile:
		backend, err := store.NewFile(filepath.Join(conf.Dir, s.config.Session.Agent))
		if err != nil {
			return nil, fmt.Errorf("failed to create file store: %w", err)
		}
		return backend, nil
	case config.BackendRedis:
		backend := redis.New(conf.RedisURL, conf.Prefix+":"+s.config.Session.Agent, s.logger)
		s.closers = append(s.closers, backend)
		return backend, nil
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", conf.Backend)
	}
}

func (s *Service) createSource(httpClient *http.Client) (location.Source, error) {
	conf := s.config.Position
	switch conf.Source {
	case config.SourceGPSD:
		source := gpsd.New(conf.Host, conf.Port, s.logger)
		s.closers = append(s.closers, source)
		return source, nil
	case config.SourceGPSPoll:
		return poll.New(conf.Source, gpspoll.New(conf.Host, conf.Port), s.logger), nil
	case config.SourceICHNAEA:
		locator, err := ichnaea.New(httpClient, conf.Endpoint, s.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create ichnaea locator: %w", err)
		}
		return poll.New(conf.Source, locator, s.logger), nil
	case config.SourceGeoIP:
		return poll.New(conf.Source, geoip.New(httpClient), s.logger), nil
	case config.SourceFile:
		return poll.New(conf.Source, file.New(conf.File), s.logger), nil
	default:
		return nil, fmt.Errorf("unsupported position source: %s", conf.Source)
	}
}

func (s *Service) createRemote(httpClient *http.Client) (tracker.Remote, error) {
	conf := s.config.Remote
	if conf.Endpoint == "" {
		s.logger.Info("no remote endpoint configured, samples stay local")
		return remote.Nop{}, nil
	}
	syncer, err := remote.NewHTTPSyncer(httpClient, remote.Options{
		Endpoint: conf.Endpoint,
		Token:    conf.Token,
		Agent:    s.config.Session.Agent,
		Timeout:  conf.Timeout,
	}, s.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create remote syncer: %w", err)
	}
	return syncer, nil
}

// seedGeofences registers the configured geofences if the session has none yet.
func (s *Service) seedGeofences(ctx context.Context) {
	if len(s.config.Geofences) == 0 || len(s.tracker.Geofences()) > 0 {
		return
	}
	for _, fence := range s.config.Geofences {
		spec := geofence.Spec{
			Name:          fence.Name,
			Latitude:      fence.Latitude,
			Longitude:     fence.Longitude,
			RadiusMeters:  fence.Radius,
			NotifyOnEntry: fence.NotifyOnEntry,
			NotifyOnExit:  fence.NotifyOnExit,
		}
		if _, err := s.tracker.AddGeofence(ctx, spec); err != nil {
			s.logger.Error("failed to seed geofence", slog.String("name", fence.Name), logger.Err(err))
		}
	}
}

// sendHeartbeat re-propagates the current status while tracking.
func (s *Service) sendHeartbeat(ctx context.Context) {
	if s.tracker.State() != tracker.StateTracking {
		return
	}
	current, ok := s.tracker.Current()
	if !ok {
		return
	}
	status := location.StatusAvailable
	if current.HasStatus() {
		status = *current.Status
	}
	if err := s.tracker.UpdateStatus(ctx, status); err != nil {
		s.logger.Warn("failed to send status heartbeat", logger.Err(err))
	}
}

// writeEvent outputs a geofence event as a single JSON line.
func (s *Service) writeEvent(event geofence.Event) {
	s.logger.Info("geofence event", slog.String("kind", event.Kind.String()),
		slog.String("geofence", event.GeofenceName), slog.Float64("distance", event.DistanceMeters))

	s.outputLock.Lock()
	defer s.outputLock.Unlock()
	if err := json.NewEncoder(s.output).Encode(event); err != nil {
		s.logger.Error("failed to write geofence event", logger.Err(err))
	}
}

func (s *Service) createScheduledJob(ctx context.Context, interval time.Duration, task func(context.Context),
	jobName string,
) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(interval),
		gocron.NewTask(task),
		gocron.WithContext(ctx),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
		gocron.WithName(jobName),
	)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", jobName, err)
	}
	return nil
}
