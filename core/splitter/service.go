// Package splitter runs one split job from workspace allocation to cleanup.
package splitter

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"audiosplit/core/audio"
	"audiosplit/core/workspace"
	"audiosplit/logger"
	"audiosplit/model"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"
)

// SegmentPublisher stores segment files outside the process and hands back a
// URL the client can download them from.
type SegmentPublisher interface {
	PublishSegment(ctx context.Context, sessionID string, file audio.SegmentFile) (string, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// ManifestStore keeps response envelopes of reference deliveries for later lookup.
type ManifestStore interface {
	SaveManifest(ctx context.Context, resp *model.SplitResponse) error
	LoadManifest(ctx context.Context, sessionID string) (*model.SplitResponse, error)
	DeleteManifest(ctx context.Context, sessionID string) error
}

// Options tune job defaults and admission control.
type Options struct {
	SegmentExt         string
	DefaultSegmentTime int
	MaxSegmentTime     int
	MaxConcurrentJobs  int
	AdmissionTimeout   time.Duration
}

// Service runs split jobs. It is safe for concurrent use; jobs share nothing
// but the workspace root, where each one owns paths named after its session id.
type Service struct {
	workspace *workspace.Manager
	segmenter audio.Segmenter
	collector *audio.Collector
	slots     *semaphore.Weighted
	publisher SegmentPublisher
	manifests ManifestStore
	opts      Options
	newID     func() string
}

// NewService wires a Service. publisher and manifests may be nil.
func NewService(ws *workspace.Manager, seg audio.Segmenter, publisher SegmentPublisher, manifests ManifestStore, opts Options) *Service {
	if opts.MaxConcurrentJobs < 1 {
		opts.MaxConcurrentJobs = 1
	}
	if opts.DefaultSegmentTime <= 0 {
		opts.DefaultSegmentTime = model.DefaultSegmentTime
	}
	if opts.SegmentExt == "" {
		opts.SegmentExt = "m4a"
	}
	return &Service{
		workspace: ws,
		segmenter: seg,
		collector: audio.NewCollector(),
		slots:     semaphore.NewWeighted(int64(opts.MaxConcurrentJobs)),
		publisher: publisher,
		manifests: manifests,
		opts:      opts,
		newID:     uuid.NewString,
	}
}

// Segmenter exposes the underlying tool, for health checks.
func (s *Service) Segmenter() audio.Segmenter {
	return s.segmenter
}

// SegmentTime interprets a client-supplied segment length under the service policy.
func (s *Service) SegmentTime(raw string) int {
	return audio.ParseSegmentTime(raw, s.opts.DefaultSegmentTime, s.opts.MaxSegmentTime)
}

// CheckDelivery reports whether the requested delivery mode can be served.
func (s *Service) CheckDelivery(d model.Delivery) error {
	if d == model.DeliveryReference && s.publisher == nil {
		return ErrDeliveryUnavailable
	}
	return nil
}

// NewJob assigns a session id and allocates its workspace.
func (s *Service) NewJob(inputExt string, segmentTime int, delivery model.Delivery) (*model.Job, error) {
	if err := s.CheckDelivery(delivery); err != nil {
		return nil, err
	}

	sessionID := s.newID()
	inputPath, outputDir, err := s.workspace.Allocate(sessionID, inputExt)
	if err != nil {
		return nil, newJobError(sessionID, StageAllocate, "failed to prepare workspace", err)
	}

	return &model.Job{
		SessionID:   sessionID,
		InputPath:   inputPath,
		OutputDir:   outputDir,
		SegmentTime: segmentTime,
		Delivery:    delivery,
		CreatedAt:   time.Now(),
	}, nil
}

// WriteInput copies r into the job's input file.
func (s *Service) WriteInput(job *model.Job, r io.Reader) (int64, error) {
	f, err := os.OpenFile(job.InputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return 0, newJobError(job.SessionID, StageInput, "failed to store uploaded file", err)
	}

	n, err := io.Copy(f, r)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return n, newJobError(job.SessionID, StageInput, "failed to store uploaded file", err)
	}
	return n, nil
}

// Release removes the job's files. Failures are logged and otherwise ignored
// so they never mask the error that ended the job.
func (s *Service) Release(job *model.Job) {
	if job == nil {
		return
	}
	if err := s.workspace.Release(job.InputPath, job.OutputDir); err != nil {
		logger.Warn("Failed to clean up session workspace",
			logger.SessionID(job.SessionID),
			logger.ErrorField(err))
	}
}

// Execute processes the job and always releases its workspace before returning.
func (s *Service) Execute(ctx context.Context, job *model.Job) (*model.SplitResponse, error) {
	defer s.Release(job)
	return s.process(ctx, job)
}

func (s *Service) process(ctx context.Context, job *model.Job) (*model.SplitResponse, error) {
	start := time.Now()
	logger.Info("Split job started",
		logger.SessionID(job.SessionID),
		logger.Int("segmentTime", job.SegmentTime),
		logger.String("delivery", string(job.Delivery)))

	if err := s.segment(ctx, job); err != nil {
		return nil, err
	}

	files, err := s.collector.List(job.OutputDir)
	if err != nil {
		return nil, newJobError(job.SessionID, StageCollect, "failed to read segments", err)
	}
	if len(files) == 0 {
		return nil, newJobError(job.SessionID, StageCollect, ErrNoSegments.Error(), ErrNoSegments)
	}

	var segments []model.Segment
	if job.Delivery == model.DeliveryReference {
		segments, err = s.publish(ctx, job, files)
	} else {
		segments, err = s.collector.Encode(files)
		if err != nil {
			err = newJobError(job.SessionID, StageCollect, "failed to read segments", err)
		}
	}
	if err != nil {
		return nil, err
	}

	resp := &model.SplitResponse{
		Success:       true,
		SessionID:     job.SessionID,
		OriginalFile:  job.OriginalFile,
		TotalSegments: len(segments),
		Segments:      segments,
	}

	if job.Delivery == model.DeliveryReference && s.manifests != nil {
		if err := s.manifests.SaveManifest(ctx, resp); err != nil {
			logger.Warn("Failed to cache session manifest",
				logger.SessionID(job.SessionID),
				logger.ErrorField(err))
		}
	}

	logger.Info("Split job finished",
		logger.SessionID(job.SessionID),
		logger.Int("totalSegments", len(segments)),
		logger.Duration("elapsed", time.Since(start)))
	return resp, nil
}

// segment runs ffmpeg while holding one admission slot.
func (s *Service) segment(ctx context.Context, job *model.Job) error {
	waitCtx := ctx
	if s.opts.AdmissionTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, s.opts.AdmissionTimeout)
		defer cancel()
	}
	if err := s.slots.Acquire(waitCtx, 1); err != nil {
		logger.Warn("No ffmpeg slot available",
			logger.SessionID(job.SessionID),
			logger.Duration("waited", time.Since(job.CreatedAt)),
			logger.ErrorField(err))
		return newJobError(job.SessionID, StageAdmission, ErrBusy.Error(), fmt.Errorf("%w: %v", ErrBusy, err))
	}
	defer s.slots.Release(1)

	pattern := audio.OutputPattern(job.OutputDir, s.opts.SegmentExt)
	err := s.segmenter.Split(ctx, job.InputPath, pattern, job.SegmentTime)
	if err == nil {
		return nil
	}

	fields := []logger.Field{logger.SessionID(job.SessionID), logger.ErrorField(err)}
	var toolErr *audio.ToolError
	if errors.As(err, &toolErr) {
		fields = append(fields, logger.Int("exitCode", toolErr.ExitCode), logger.String("stderr", toolErr.Stderr))
	}
	logger.Error("ffmpeg failed", fields...)

	message := "audio segmentation failed"
	if errors.Is(err, audio.ErrTimeout) {
		message = "audio segmentation timed out"
	}
	return newJobError(job.SessionID, StageSegment, message, err)
}

func (s *Service) publish(ctx context.Context, job *model.Job, files []audio.SegmentFile) ([]model.Segment, error) {
	segments := make([]model.Segment, 0, len(files))
	for _, f := range files {
		url, err := s.publisher.PublishSegment(ctx, job.SessionID, f)
		if err != nil {
			if delErr := s.publisher.DeleteSession(context.WithoutCancel(ctx), job.SessionID); delErr != nil {
				logger.Warn("Failed to remove partially published session",
					logger.SessionID(job.SessionID),
					logger.ErrorField(delErr))
			}
			return nil, newJobError(job.SessionID, StagePublish, "failed to store segments", err)
		}
		segments = append(segments, model.Segment{
			Index:    f.Index,
			FileName: f.Name,
			URL:      url,
			Size:     f.Size,
		})
	}
	return segments, nil
}

// Manifest returns the cached envelope of a reference delivery.
func (s *Service) Manifest(ctx context.Context, sessionID string) (*model.SplitResponse, error) {
	if _, err := uuid.Parse(sessionID); err != nil {
		return nil, ErrInvalidSession
	}
	if s.manifests == nil {
		return nil, ErrManifestNotFound
	}
	return s.manifests.LoadManifest(ctx, sessionID)
}

// DeleteSession removes stored segments and the cached manifest of a session.
func (s *Service) DeleteSession(ctx context.Context, sessionID string) error {
	if _, err := uuid.Parse(sessionID); err != nil {
		return ErrInvalidSession
	}
	if s.publisher == nil {
		return ErrDeliveryUnavailable
	}

	var errs []error
	if err := s.publisher.DeleteSession(ctx, sessionID); err != nil {
		errs = append(errs, err)
	}
	if s.manifests != nil {
		if err := s.manifests.DeleteManifest(ctx, sessionID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
