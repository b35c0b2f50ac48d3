package service

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shelfscan/api/internal/client"
	"github.com/shelfscan/api/internal/logging"
	"github.com/shelfscan/api/internal/model"
	"github.com/shelfscan/api/internal/pipeline"
	"github.com/shelfscan/api/internal/store"
	"github.com/shelfscan/api/internal/worker"
)

// ErrEnqueue reports a job that was stored but could not be queued. The job
// stays pending and is picked up by the next resume.
var ErrEnqueue = errors.New("failed to enqueue job")

// Identifier is the part of the pipeline the service needs
type Identifier interface {
	Validate(barcodes string, imageSizes []int64) error
	Identify(ctx context.Context, in pipeline.Input) (*pipeline.Result, error)
}

// ImageUpload is one image received from a client
type ImageUpload struct {
	Name        string
	ContentType string
	Data        []byte
}

// Submission is the evidence of one identification request
type Submission struct {
	Barcodes string
	Locale   string
	Model    string
	Images   []ImageUpload
}

func (s *Submission) imageSizes() []int64 {
	sizes := make([]int64, len(s.Images))
	for i, img := range s.Images {
		sizes[i] = int64(len(img.Data))
	}
	return sizes
}

// IdentifyService accepts identification requests, either as queued jobs or
// answered inline.
type IdentifyService struct {
	store      store.JobStore
	queue      worker.Queue
	blobs      client.BlobStore
	identifier Identifier
	notifier   worker.Notifier
	logger     *zap.Logger
}

func NewIdentifyService(jobStore store.JobStore, queue worker.Queue, blobs client.BlobStore, identifier Identifier, notifier worker.Notifier, logger *zap.Logger) *IdentifyService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &IdentifyService{
		store:      jobStore,
		queue:      queue,
		blobs:      blobs,
		identifier: identifier,
		notifier:   notifier,
		logger:     logger,
	}
}

// Submit validates the evidence, stores the images, records a pending job and
// queues it. Validation failures create nothing.
func (s *IdentifyService) Submit(ctx context.Context, sub *Submission) (*model.Job, error) {
	if err := s.identifier.Validate(sub.Barcodes, sub.imageSizes()); err != nil {
		return nil, err
	}

	refs, err := s.uploadImages(ctx, sub.Images)
	if err != nil {
		return nil, err
	}

	job, err := s.store.Create(ctx, model.JobPayload{
		Images:   refs,
		Barcodes: sub.Barcodes,
		Locale:   sub.Locale,
		Model:    sub.Model,
	})
	if err != nil {
		s.deleteImages(refs)
		return nil, fmt.Errorf("failed to create job: %w", err)
	}
	if s.notifier != nil {
		s.notifier.JobUpdated(job)
	}

	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		s.logger.Error("job stored but not queued", zap.String(logging.FieldJobID, job.ID), zap.Error(err))
		return job, fmt.Errorf("%w %s: %w", ErrEnqueue, job.ID, err)
	}

	s.logger.Info("job submitted",
		zap.String(logging.FieldJobID, job.ID),
		zap.Int("images", len(refs)),
		zap.Int("barcodes", len(pipeline.SplitBarcodes(sub.Barcodes))))
	return job, nil
}

// Status returns the latest snapshot of a job
func (s *IdentifyService) Status(ctx context.Context, jobID string) (*model.Job, error) {
	job, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	return job, nil
}

// Identify runs the pipeline inline with the images held in memory.
func (s *IdentifyService) Identify(ctx context.Context, sub *Submission) (*pipeline.Result, error) {
	images := make([]pipeline.Image, len(sub.Images))
	for i, img := range sub.Images {
		images[i] = pipeline.Image{
			ContentType: contentType(img),
			Size:        int64(len(img.Data)),
			Data:        img.Data,
		}
	}

	return s.identifier.Identify(ctx, pipeline.Input{
		Barcodes: sub.Barcodes,
		Images:   images,
		Locale:   sub.Locale,
		Model:    sub.Model,
	})
}

func (s *IdentifyService) uploadImages(ctx context.Context, images []ImageUpload) ([]model.FileRef, error) {
	if len(images) == 0 {
		return []model.FileRef{}, nil
	}

	batch := uuid.New().String()
	refs := make([]model.FileRef, 0, len(images))
	for i, img := range images {
		key := fmt.Sprintf("uploads/%s/%d", batch, i)
		ct := contentType(img)

		uri, err := s.blobs.Upload(ctx, key, bytes.NewReader(img.Data), ct)
		if err != nil {
			s.deleteImages(refs)
			return nil, fmt.Errorf("failed to upload image %d: %w", i, err)
		}
		refs = append(refs, model.FileRef{
			Key:         key,
			URI:         uri,
			Name:        img.Name,
			ContentType: ct,
			Size:        int64(len(img.Data)),
		})
	}
	return refs, nil
}

// deleteImages is best effort; it runs on paths that already failed.
func (s *IdentifyService) deleteImages(refs []model.FileRef) {
	ctx := context.Background()
	for _, ref := range refs {
		if err := s.blobs.Delete(ctx, ref.Key); err != nil {
			s.logger.Warn("failed to delete orphaned image", zap.String("key", ref.Key), zap.Error(err))
		}
	}
}

func contentType(img ImageUpload) string {
	if img.ContentType != "" && img.ContentType != "application/octet-stream" {
		return img.ContentType
	}
	return http.DetectContentType(img.Data)
}
