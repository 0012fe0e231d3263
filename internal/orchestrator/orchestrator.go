package orchestrator

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/lbds137/tzurot/internal/common"
	"github.com/lbds137/tzurot/internal/interfaces"
	"github.com/lbds137/tzurot/internal/models"
)

// Orchestrator fans an incoming AI request out into a durable flow: one
// generation parent plus preprocessing children for every audio and image
// attachment. The queue's flow admission enforces parent-after-children
// ordering, so audio and image describers run in parallel for free.
type Orchestrator struct {
	queue    interfaces.QueueManager
	config   *common.Config
	logger   arbor.ILogger
	validate *validator.Validate
}

// New creates an Orchestrator.
func New(queue interfaces.QueueManager, config *common.Config, logger arbor.ILogger) *Orchestrator {
	return &Orchestrator{
		queue:    queue,
		config:   config,
		logger:   logger,
		validate: validator.New(),
	}
}

// SubmitRequest validates the request, builds the flow, and submits it
// atomically. Returns the parent job ID. A schema failure on any child
// payload rejects the whole flow before submission.
func (o *Orchestrator) SubmitRequest(ctx context.Context, req *models.AIRequest) (string, error) {
	if err := o.validate.Struct(req); err != nil {
		return "", fmt.Errorf("invalid AI request: %w", err)
	}

	parentID := common.GenerationJobID(req.RequestID)
	maxAttempts := o.config.Queue.MaxAttempts

	var children []*models.Job
	var deps []models.JobDependency

	addChild := func(job *models.Job) {
		children = append(children, job)
		deps = append(deps, models.JobDependency{
			ChildJobID: job.ID,
			ChildType:  job.Type,
			ResultKey:  models.ResultKeyFor(job.ID),
		})
	}

	// Direct attachments.
	directChildren, err := o.buildAttachmentChildren(req, parentID, req.Context.Attachments, nil)
	if err != nil {
		return "", err
	}
	for _, job := range directChildren {
		addChild(job)
	}

	// Referenced-message attachments are preprocessed under their 1-based
	// reference number and never merge with direct preprocessing.
	for _, ref := range req.Context.ReferencedMessages {
		refNum := ref.ReferenceNumber
		refChildren, err := o.buildAttachmentChildren(req, parentID, ref.Attachments, &refNum)
		if err != nil {
			return "", err
		}
		for _, job := range refChildren {
			addChild(job)
		}
	}

	parentPayload := &models.GenerationJobPayload{
		RequestID:           req.RequestID,
		JobType:             models.JobTypeLLMGeneration,
		Personality:         req.Personality,
		Message:             req.Message,
		Context:             req.Context,
		ResponseDestination: req.ResponseDestination,
		UserAPIKey:          req.UserAPIKey,
		Dependencies:        deps,
	}
	if err := o.validate.Struct(parentPayload); err != nil {
		return "", fmt.Errorf("invalid generation payload for request %s: %w", req.RequestID, err)
	}

	parent, err := models.NewJob(parentID, models.JobTypeLLMGeneration, parentPayload, maxAttempts)
	if err != nil {
		return "", err
	}
	parent.Dependencies = deps

	flow := &models.Flow{Parent: parent, Children: children}
	if err := flow.Validate(); err != nil {
		return "", err
	}
	if err := o.queue.SubmitFlow(ctx, flow); err != nil {
		return "", fmt.Errorf("failed to submit flow for request %s: %w", req.RequestID, err)
	}

	o.logger.Info().
		Str("request_id", req.RequestID).
		Str("parent_job_id", parentID).
		Int("child_count", len(children)).
		Msg("Submitted job flow")
	return parentID, nil
}

// buildAttachmentChildren categorizes one attachment list into audio children
// (one per attachment) and at most one batched image child. refNum is nil for
// direct attachments. Content types that are neither audio nor image are
// discarded from preprocessing.
func (o *Orchestrator) buildAttachmentChildren(req *models.AIRequest, parentID string, attachments []models.Attachment, refNum *int) ([]*models.Job, error) {
	refTag := ""
	if refNum != nil {
		refTag = strconv.Itoa(*refNum)
	}
	maxAttempts := o.config.Queue.MaxAttempts

	var jobs []*models.Job
	var images []models.Attachment
	audioIndex := 0

	for _, att := range attachments {
		switch {
		case att.IsAudio():
			jobID := common.AudioJobID(req.RequestID, refTag, audioIndex)
			payload := &models.AudioJobPayload{
				JobID:                 jobID,
				RequestID:             req.RequestID,
				Attachment:            att,
				UserID:                req.Context.UserID,
				ChannelID:             req.Context.ChannelID,
				SourceReferenceNumber: refNum,
			}
			if err := o.validate.Struct(payload); err != nil {
				return nil, fmt.Errorf("invalid audio payload for job %s: %w", jobID, err)
			}
			job, err := models.NewChildJob(parentID, jobID, models.JobTypeAudioTranscription, payload, maxAttempts)
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, job)
			audioIndex++
		case att.IsImage():
			images = append(images, att)
		}
	}

	if len(images) > 0 {
		jobID := common.ImageJobID(req.RequestID, refTag)
		payload := &models.ImageJobPayload{
			JobID:                 jobID,
			RequestID:             req.RequestID,
			Attachments:           images,
			Personality:           req.Personality,
			UserID:                req.Context.UserID,
			SourceReferenceNumber: refNum,
		}
		if err := o.validate.Struct(payload); err != nil {
			return nil, fmt.Errorf("invalid image payload for job %s: %w", jobID, err)
		}
		job, err := models.NewChildJob(parentID, jobID, models.JobTypeImageDescription, payload, maxAttempts)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}

	return jobs, nil
}
