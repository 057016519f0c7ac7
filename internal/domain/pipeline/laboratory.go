package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/clinic/clinic/internal/platform/artifact"
)

// BeginProcessing marks a pending exam as in progress. An exam already in
// progress is left unchanged.
func (s *Service) BeginProcessing(ctx context.Context, examID int64) (*Exam, error) {
	var e *Exam
	err := s.run(ctx, "begin_processing", func(ctx context.Context) error {
		var err error
		if e, err = s.repo.GetExam(ctx, examID); err != nil {
			return err
		}
		if e.Status == ExamInProgress {
			return nil
		}
		return s.moveExam(ctx, e, ExamInProgress)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// submission tracks the artifacts written while recording results, removed
// if the surrounding transaction fails, and the artifacts of replaced
// results, removed once it commits.
type submission struct {
	saved    []string
	replaced []string
}

func (s *Service) openExam(ctx context.Context, examID int64) (*Exam, error) {
	e, err := s.repo.GetExam(ctx, examID)
	if err != nil {
		return nil, err
	}
	if !e.Status.Open() {
		return nil, fmt.Errorf("exam %d is %s: %w", examID, e.Status, ErrInvalidState)
	}
	return e, nil
}

func (s *Service) saveArtifact(ctx context.Context, e *Exam, testKey string, up *Upload, sub *submission) (*artifact.Meta, error) {
	ext, err := artifact.Extension(up.Filename)
	switch {
	case errors.Is(err, artifact.ErrMissingExtension):
		return nil, fmt.Errorf("%q: %w", up.Filename, ErrArtifactMissingExtension)
	case errors.Is(err, artifact.ErrTypeNotAllowed):
		return nil, fmt.Errorf("%q: %w", up.Filename, ErrInvalidArtifactType)
	case err != nil:
		return nil, fmt.Errorf("%w: %w", ErrArtifact, err)
	}

	name := artifact.Name(e.PatientID, e.ID, testKey, s.now(), ext)
	meta, err := s.store.Save(ctx, name, up.Content)
	s.metrics.Artifact("save", err)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrArtifact, err)
	}
	sub.saved = append(sub.saved, meta.Name)
	return meta, nil
}

// record stores one test result on an open exam. It returns nil when the
// input carries nothing to record.
func (s *Service) record(ctx context.Context, e *Exam, in ResultInput, sub *submission) (*LabResult, error) {
	key, _ := normalizeTestKey(in.TestKey)
	if !e.Requested(key) {
		return nil, invalid("test %q was not requested on exam %d", in.TestKey, e.ID)
	}
	in.Comments = strings.TrimSpace(in.Comments)
	if in.empty() {
		return nil, nil
	}

	res := &LabResult{
		ExamID:      e.ID,
		PatientID:   e.PatientID,
		TestKey:     key,
		Status:      LabCompleted,
		Comments:    in.Comments,
		PerformedBy: in.PerformedBy,
	}
	if in.Artifact != nil {
		meta, err := s.saveArtifact(ctx, e, key, in.Artifact, sub)
		if err != nil {
			return nil, err
		}
		res.ArtifactName = meta.Name
		res.ArtifactContentType = meta.ContentType
		res.ArtifactSize = meta.Size
		res.ArtifactHash = meta.Hash
	}
	previous, err := s.repo.UpsertResult(ctx, res)
	if err != nil {
		return nil, err
	}
	if previous != "" && previous != res.ArtifactName {
		sub.replaced = append(sub.replaced, previous)
	}
	return res, nil
}

func (s *Service) removeArtifacts(ctx context.Context, names []string, msg string) {
	ctx = context.WithoutCancel(ctx)
	for _, name := range names {
		err := s.store.Delete(ctx, name)
		s.metrics.Artifact("delete", err)
		if err != nil && !errors.Is(err, artifact.ErrNotFound) {
			s.logger.Error().Err(err).Str("artifact", name).Msg(msg)
		}
	}
}

// compensate deletes artifacts written by a submission that did not commit.
func (s *Service) compensate(ctx context.Context, sub *submission) {
	s.removeArtifacts(ctx, sub.saved, "failed to remove artifact of rolled back submission")
}

// settle deletes the artifacts of results a committed submission replaced.
func (s *Service) settle(ctx context.Context, sub *submission) {
	s.removeArtifacts(ctx, sub.replaced, "failed to remove replaced artifact")
}

// SubmitResult records the result of one requested test. A result for a
// test that already has one replaces it.
func (s *Service) SubmitResult(ctx context.Context, examID int64, in ResultInput) (*LabResult, error) {
	var sub submission
	var res *LabResult
	err := s.run(ctx, "submit_result", func(ctx context.Context) error {
		e, err := s.openExam(ctx, examID)
		if err != nil {
			return err
		}
		res, err = s.record(ctx, e, in, &sub)
		return err
	})
	if err != nil {
		s.compensate(ctx, &sub)
		return nil, err
	}
	s.settle(ctx, &sub)
	return res, nil
}

// SubmitResults records a batch of results and finalizes the exam as one
// unit. When any input fails, artifacts already stored for the batch are
// deleted and nothing is committed.
func (s *Service) SubmitResults(ctx context.Context, examID int64, inputs []ResultInput) (*Exam, []*LabResult, error) {
	var sub submission
	var e *Exam
	var results []*LabResult
	err := s.run(ctx, "submit_results", func(ctx context.Context) error {
		seen := make(map[string]bool, len(inputs))
		for _, in := range inputs {
			key, _ := normalizeTestKey(in.TestKey)
			if seen[key] {
				return invalid("test %q submitted more than once", in.TestKey)
			}
			seen[key] = true
		}

		var err error
		if e, err = s.openExam(ctx, examID); err != nil {
			return err
		}
		for _, in := range inputs {
			res, err := s.record(ctx, e, in, &sub)
			if err != nil {
				return err
			}
			if res != nil {
				results = append(results, res)
			}
		}
		return s.finalize(ctx, e)
	})
	if err != nil {
		s.compensate(ctx, &sub)
		return nil, nil, err
	}
	s.settle(ctx, &sub)
	return e, results, nil
}

// FinalizeSubmission completes an exam that has at least one recorded
// result and returns the patient to the consultation queue.
func (s *Service) FinalizeSubmission(ctx context.Context, examID int64) (*Exam, error) {
	var e *Exam
	err := s.run(ctx, "finalize_submission", func(ctx context.Context) error {
		var err error
		if e, err = s.openExam(ctx, examID); err != nil {
			return err
		}
		return s.finalize(ctx, e)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Service) finalize(ctx context.Context, e *Exam) error {
	n, err := s.repo.CountResults(ctx, e.ID)
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("exam %d: %w", e.ID, ErrNoResultsProvided)
	}
	if err := s.moveExam(ctx, e, ExamCompleted); err != nil {
		return err
	}
	c, err := s.repo.GetConsultation(ctx, e.ConsultationID)
	if err != nil {
		return err
	}
	if c.Status != ConsultationSentToLab {
		return nil
	}
	return s.moveConsultation(ctx, c, ConsultationWaiting)
}

func (s *Service) ListResults(ctx context.Context, examID int64) ([]*LabResult, error) {
	if _, err := s.repo.GetExam(ctx, examID); err != nil {
		return nil, err
	}
	return s.repo.ListResults(ctx, examID)
}

// OpenArtifact streams a stored result attachment. The caller closes the
// reader.
func (s *Service) OpenArtifact(ctx context.Context, name string) (io.ReadCloser, *artifact.Meta, error) {
	rc, meta, err := s.store.Open(ctx, name)
	switch {
	case errors.Is(err, artifact.ErrNotFound):
		return nil, nil, fmt.Errorf("artifact %s: %w", name, ErrNotFound)
	case errors.Is(err, artifact.ErrInvalidName):
		return nil, nil, invalid("invalid artifact name %q", name)
	case err != nil:
		return nil, nil, fmt.Errorf("%w: %w", ErrArtifact, err)
	}
	return rc, meta, nil
}
