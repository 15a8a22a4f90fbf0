package runner

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Capitan-Parrot/video-event-pipeline/internal/database"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/events"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/identity"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/kafka"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/metrics"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/models"
	"github.com/Capitan-Parrot/video-event-pipeline/internal/pipeline"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const (
	retries                 = 5
	checkStopEventsInterval = 10 * time.Second
)

type FeedRepository interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	GetFeed(ctx context.Context, feedID string) (*models.Feed, error)
	UpsertFeed(ctx context.Context, feed *models.Feed) error
	ChangeFeedAction(ctx context.Context, feedID string, action models.CommandAction) error
	GetFeedsByAction(ctx context.Context, action models.CommandAction) ([]models.Feed, error)
	UpdateFeedProgress(ctx context.Context, feedID string, frames, events int64) error
	FindStaleFeeds(ctx context.Context, olderThan time.Duration) ([]models.Feed, error)
	ClaimStaleFeed(ctx context.Context, feedID string, olderThan time.Duration) (bool, error)
	LoadIdentities(ctx context.Context, feedID string) ([]identity.Identity, error)
}

type FrameStore interface {
	ListFrames(ctx context.Context, source string) (string, []string, error)
	GetObject(ctx context.Context, bucket, key string) ([]byte, error)
	LastArchivedSecond(ctx context.Context, feedID string) (int64, bool, error)
}

type HeartbeatSender interface {
	SendHeartbeat(msg models.Heartbeat) error
}

type CommandSource interface {
	Messages() <-chan kafka.Message
}

// Sink receives the events of one second of a feed.
type Sink interface {
	PublishEvents(ctx context.Context, feedID string, second int64, evts []models.VideoEvent) error
}

type SinkFunc func(ctx context.Context, feedID string, second int64, evts []models.VideoEvent) error

func (f SinkFunc) PublishEvents(ctx context.Context, feedID string, second int64, evts []models.VideoEvent) error {
	return f(ctx, feedID, second, evts)
}

// Sinks splits consumers by what they expect. Publishers get each tick's new
// events once; Mirrors get the complete merged set of the second every time it
// changes and overwrite what they had.
type Sinks struct {
	Publishers []Sink
	Mirrors    []Sink
}

// OptionsFunc resolves the effective options of a feed from its start command.
type OptionsFunc func(feedID string, cmd models.ProcessOptions) models.ProcessOptions

type Config struct {
	FrameInterval     time.Duration
	HeartbeatInterval time.Duration
	// StaleAfter is how long a started feed may go without progress before
	// the watchdog resumes it. Zero means three heartbeat intervals.
	StaleAfter time.Duration
	Pipeline   pipeline.Config
}

type feedRun struct {
	cancel   context.CancelFunc
	pipeline *pipeline.Pipeline
	registry *identity.Registry
	paused   atomic.Bool
}

type Runner struct {
	cfg        Config
	db         FeedRepository
	frames     FrameStore
	heartbeats HeartbeatSender
	backends   pipeline.Backends
	sinks      Sinks
	options    OptionsFunc

	logger  *zap.Logger
	metrics *metrics.Metrics

	activeRunners map[string]*feedRun
	mu            sync.Mutex
	wg            sync.WaitGroup
}

func New(
	cfg Config,
	db FeedRepository,
	frames FrameStore,
	heartbeats HeartbeatSender,
	backends pipeline.Backends,
	sinks Sinks,
	options OptionsFunc,
	logger *zap.Logger,
	m *metrics.Metrics,
) *Runner {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Second
	}
	if cfg.FrameInterval <= 0 {
		cfg.FrameInterval = 200 * time.Millisecond
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 3 * cfg.HeartbeatInterval
	}
	if options == nil {
		options = func(_ string, cmd models.ProcessOptions) models.ProcessOptions { return cmd }
	}
	return &Runner{
		cfg:           cfg,
		db:            db,
		frames:        frames,
		heartbeats:    heartbeats,
		backends:      backends,
		sinks:         sinks,
		options:       options,
		logger:        logger,
		metrics:       m,
		activeRunners: make(map[string]*feedRun),
	}
}

// ListenAndRun executes feed commands until ctx is done. A message is
// committed once its command was handled; malformed payloads are committed
// and dropped since they can never succeed.
func (r *Runner) ListenAndRun(ctx context.Context, commands CommandSource) {
	r.logger.Info("Runner: listening for feed commands")
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Runner: shutting down")
			return
		case msg, ok := <-commands.Messages():
			if !ok {
				r.logger.Info("Runner: command stream closed")
				return
			}
			cmd, err := kafka.DecodeCommand(msg.Value)
			if err != nil {
				r.logger.Warn("Dropping invalid command", zap.Error(err))
				msg.MarkDone()
				continue
			}
			r.logger.Info("Runner: received feed command",
				zap.String("feed_id", cmd.FeedID),
				zap.String("action", string(cmd.Action)),
			)

			if err := r.HandleCommand(ctx, cmd); err != nil {
				r.logger.Error("Error processing command",
					zap.String("feed_id", cmd.FeedID),
					zap.Error(err),
				)
				continue
			}

			msg.MarkDone()
		}
	}
}

func (r *Runner) HandleCommand(ctx context.Context, cmd models.FeedCommand) error {
	switch cmd.Action {
	case models.CommandStart:
		return r.Start(ctx, cmd)
	case models.CommandStop:
		return r.RegisterStopEvent(ctx, cmd.FeedID)
	case models.CommandPause:
		r.setPaused(cmd.FeedID, true)
		return nil
	case models.CommandResume:
		r.setPaused(cmd.FeedID, false)
		return nil
	default:
		return fmt.Errorf("unknown command %q", cmd.Action)
	}
}

// Start records the feed and launches its pipeline. A feed already running
// here, or started elsewhere with a fresh heartbeat, is left alone.
func (r *Runner) Start(ctx context.Context, cmd models.FeedCommand) error {
	if r.isRunning(cmd.FeedID) {
		r.logger.Info("Feed already running", zap.String("feed_id", cmd.FeedID))
		return nil
	}

	feed := &models.Feed{
		ID:          cmd.FeedID,
		Action:      models.CommandStart,
		VideoSource: cmd.VideoSource,
		Options:     cmd.Options,
	}

	var alive bool
	err := r.db.InTx(ctx, func(ctx context.Context) error {
		existing, err := r.db.GetFeed(ctx, cmd.FeedID)
		if err != nil && !errors.Is(err, database.ErrFeedNotFound) {
			return err
		}
		if existing != nil {
			if existing.Action == models.CommandStart && time.Since(existing.UpdatedAt) < r.cfg.StaleAfter {
				alive = true
				return nil
			}
			feed.Frames, feed.Events = existing.Frames, existing.Events
		}
		return r.db.UpsertFeed(ctx, feed)
	})
	if err != nil {
		return fmt.Errorf("start feed %s: %w", cmd.FeedID, err)
	}
	if alive {
		r.logger.Info("Feed is running on another runner", zap.String("feed_id", cmd.FeedID))
		return nil
	}

	r.sendHeartbeat(models.Heartbeat{FeedID: feed.ID, Action: models.CommandStart})
	r.launch(ctx, *feed)
	return nil
}

// launch runs the feed in its own goroutine until it ends or ctx is done.
func (r *Runner) launch(ctx context.Context, feed models.Feed) {
	childCtx, cancel := context.WithCancel(ctx)
	run := &feedRun{cancel: cancel}

	r.mu.Lock()
	if _, ok := r.activeRunners[feed.ID]; ok {
		r.mu.Unlock()
		cancel()
		return
	}
	r.activeRunners[feed.ID] = run
	r.mu.Unlock()

	r.logger.Info("Runner created", zap.String("feed_id", feed.ID))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer func() {
			cancel()
			r.mu.Lock()
			delete(r.activeRunners, feed.ID)
			r.mu.Unlock()

			r.logger.Info("Runner finished", zap.String("feed_id", feed.ID))
		}()

		if err := r.processFeed(childCtx, feed, run); err != nil {
			r.logger.Error("Runner error", zap.String("feed_id", feed.ID), zap.Error(err))
		}
	}()
}

// processFeed streams the frames of feed through a fresh pipeline, resuming
// after the last archived second.
func (r *Runner) processFeed(ctx context.Context, feed models.Feed, run *feedRun) error {
	logger := r.logger.With(zap.String("feed_id", feed.ID))

	src, err := r.openSource(ctx, feed, run)
	if err != nil {
		return err
	}

	// Published before loading so identities enrolled meanwhile are not lost.
	registry := identity.NewRegistry(nil)
	r.mu.Lock()
	run.registry = registry
	r.mu.Unlock()

	ids, err := r.db.LoadIdentities(ctx, feed.ID)
	if err != nil {
		return fmt.Errorf("load identities: %w", err)
	}
	for _, id := range ids {
		registry.Upsert(id)
	}

	p := pipeline.New(feed.ID, r.cfg.Pipeline, r.backends, registry, r.logger, r.metrics)
	defer p.Close()

	r.mu.Lock()
	run.pipeline = p
	r.mu.Unlock()

	opts := r.options(feed.ID, feed.Options)
	prog := &progress{}
	prog.frames.Store(feed.Frames)
	prog.events.Store(feed.Events)

	hbCtx, stopHeartbeats := context.WithCancel(ctx)
	heartbeatsDone := make(chan struct{})
	go func() {
		defer close(heartbeatsDone)
		r.heartbeatLoop(hbCtx, feed.ID, prog)
	}()
	defer func() {
		stopHeartbeats()
		<-heartbeatsDone
	}()

	logger.Info("Started processing", zap.Int("frames", src.Len()), zap.Int("from", src.Position()))
	err = p.Run(ctx, src, func() models.ProcessOptions { return opts }, func(ctx context.Context, res models.ProcessResult) error {
		prog.frames.Add(1)
		prog.events.Add(int64(len(res.Events)))
		r.deliver(ctx, feed.ID, src.Second(), res.Events, p.Cache())
		return nil
	})
	if errors.Is(err, context.Canceled) {
		logger.Info("Received stop")
		return nil
	}
	if err != nil {
		return err
	}

	if second, flushed := p.Flush(); len(flushed) > 0 {
		prog.events.Add(int64(len(flushed)))
		r.deliver(ctx, feed.ID, second, flushed, p.Cache())
	}

	r.reportProgress(ctx, feed.ID, prog)
	if err := r.db.ChangeFeedAction(ctx, feed.ID, models.CommandStop); err != nil {
		logger.Warn("Error marking feed finished", zap.Error(err))
	}
	r.sendHeartbeat(models.Heartbeat{
		FeedID: feed.ID,
		Action: models.CommandStop,
		Frame:  prog.frames.Load(),
		Events: prog.events.Load(),
	})
	logger.Info("Finished processing", zap.Int64("frames", prog.frames.Load()), zap.Int64("events", prog.events.Load()))
	return nil
}

func (r *Runner) openSource(ctx context.Context, feed models.Feed, run *feedRun) (*frameSource, error) {
	bucket, keys, err := r.frames.ListFrames(ctx, feed.VideoSource)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}

	src := newFrameSource(r.frames, bucket, keys, r.cfg.FrameInterval, run.paused.Load, r.logger.With(zap.String("feed_id", feed.ID)))

	last, ok, err := r.frames.LastArchivedSecond(ctx, feed.ID)
	if err != nil {
		return nil, fmt.Errorf("find resume point: %w", err)
	}
	if ok {
		src.SkipThrough(last)
	}
	return src, nil
}

// deliver hands new events to publishers and the whole second to mirrors.
// Sink failures are logged and never stop the feed.
func (r *Runner) deliver(ctx context.Context, feedID string, second int64, fresh []models.VideoEvent, cache *events.Cache) {
	if len(fresh) == 0 {
		return
	}
	for _, s := range r.sinks.Publishers {
		if err := s.PublishEvents(ctx, feedID, second, fresh); err != nil {
			r.metrics.BackendFailure(metrics.StageSink)
			r.logger.Warn("Error publishing events", zap.String("feed_id", feedID), zap.Int64("second", second), zap.Error(err))
		}
	}

	full := cache.At(second)
	for _, s := range r.sinks.Mirrors {
		if err := s.PublishEvents(ctx, feedID, second, full); err != nil {
			r.metrics.BackendFailure(metrics.StageSink)
			r.logger.Warn("Error saving events", zap.String("feed_id", feedID), zap.Int64("second", second), zap.Error(err))
		}
	}
}

type progress struct {
	frames atomic.Int64
	events atomic.Int64
}

// heartbeatLoop keeps the feed's liveness fresh even while it is paused.
func (r *Runner) heartbeatLoop(ctx context.Context, feedID string, p *progress) {
	timer := time.NewTicker(r.cfg.HeartbeatInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.reportProgress(ctx, feedID, p)
		}
	}
}

func (r *Runner) reportProgress(ctx context.Context, feedID string, p *progress) {
	frames, evts := p.frames.Load(), p.events.Load()
	if err := r.db.UpdateFeedProgress(ctx, feedID, frames, evts); err != nil {
		r.logger.Warn("Error updating feed progress", zap.String("feed_id", feedID), zap.Error(err))
	}
	r.sendHeartbeat(models.Heartbeat{
		FeedID: feedID,
		Action: models.CommandStart,
		Frame:  frames,
		Events: evts,
	})
}

func (r *Runner) sendHeartbeat(hb models.Heartbeat) {
	if r.heartbeats == nil {
		return
	}
	hb.TimeStamp = time.Now().UTC()
	if err := r.heartbeats.SendHeartbeat(hb); err != nil {
		r.logger.Warn("Error sending heartbeat", zap.String("feed_id", hb.FeedID), zap.Error(err))
	}
}

// RegisterStopEvent records the stop so whichever runner owns the feed picks
// it up, and stops the feed right away if it runs here.
func (r *Runner) RegisterStopEvent(ctx context.Context, feedID string) error {
	if err := r.db.ChangeFeedAction(ctx, feedID, models.CommandStop); err != nil {
		if errors.Is(err, database.ErrFeedNotFound) {
			r.logger.Warn("Stop for unknown feed", zap.String("feed_id", feedID))
			return nil
		}
		return fmt.Errorf("stop feed %s: %w", feedID, err)
	}

	if r.Stop(feedID) {
		r.sendHeartbeat(models.Heartbeat{FeedID: feedID, Action: models.CommandStop})
	}
	return nil
}

// ProcessStopEvents polls for feeds stopped through another runner instance.
func (r *Runner) ProcessStopEvents(ctx context.Context) {
	timer := time.NewTicker(checkStopEventsInterval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			r.checkStopEvents(ctx)
		}
	}
}

func (r *Runner) checkStopEvents(ctx context.Context) {
	feeds, err := r.db.GetFeedsByAction(ctx, models.CommandStop)
	if err != nil {
		r.logger.Warn("Error getting stopped feeds", zap.Error(err))
		return
	}

	feedIDs := lo.Map(feeds, func(f models.Feed, _ int) string {
		return f.ID
	})

	for _, feedID := range feedIDs {
		if r.Stop(feedID) {
			r.sendHeartbeat(models.Heartbeat{FeedID: feedID, Action: models.CommandStop})
		}
	}
}

// Stop cancels a feed running here and reports whether there was one.
func (r *Runner) Stop(feedID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if run, ok := r.activeRunners[feedID]; ok {
		run.cancel()
		r.logger.Info("Runner stopped", zap.String("feed_id", feedID))
		return true
	}
	return false
}

func (r *Runner) setPaused(feedID string, paused bool) {
	r.mu.Lock()
	run, ok := r.activeRunners[feedID]
	r.mu.Unlock()

	if !ok {
		r.logger.Warn("Pause state change for a feed not running here",
			zap.String("feed_id", feedID),
			zap.Bool("paused", paused),
		)
		return
	}
	run.paused.Store(paused)
	r.logger.Info("Feed pause state changed", zap.String("feed_id", feedID), zap.Bool("paused", paused))
}

func (r *Runner) isRunning(feedID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.activeRunners[feedID]
	return ok
}

// Events returns the in-memory event cache of a feed running here.
func (r *Runner) Events(feedID string) (*events.Cache, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	run, ok := r.activeRunners[feedID]
	if !ok || run.pipeline == nil {
		return nil, false
	}
	return run.pipeline.Cache(), true
}

// Enroll adds a known identity to the registries of running feeds, so it is
// matched without a restart. An empty feedID targets every feed. It returns
// the number of feeds updated.
func (r *Runner) Enroll(feedID string, id identity.Identity) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int
	for fid, run := range r.activeRunners {
		if run.registry == nil || (feedID != "" && fid != feedID) {
			continue
		}
		run.registry.Upsert(id)
		n++
	}
	return n
}

// Active lists the feeds running here.
func (r *Runner) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Keys(r.activeRunners)
}

// Wait blocks until every feed goroutine has returned.
func (r *Runner) Wait() {
	r.wg.Wait()
}
