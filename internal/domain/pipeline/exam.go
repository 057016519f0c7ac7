package pipeline

import (
	"context"
	"strings"
)

func (s *Service) validateExamRequest(req *ExamRequest) error {
	req.Complaint = strings.TrimSpace(req.Complaint)
	req.History = strings.TrimSpace(req.History)
	if req.Complaint == "" {
		return invalid("complaint is required")
	}
	if req.History == "" {
		return invalid("history is required")
	}

	seen := make(map[string]bool, len(req.Tests))
	tests := make([]string, 0, len(req.Tests))
	for _, raw := range req.Tests {
		key, ok := normalizeTestKey(raw)
		if !ok {
			return invalid("unknown test %q", raw)
		}
		if !seen[key] {
			seen[key] = true
			tests = append(tests, key)
		}
	}
	if len(tests) == 0 {
		return invalid("at least one test must be selected")
	}
	req.Tests = tests
	return nil
}

// RequestExam orders lab tests for a waiting consultation and sends the
// patient to the lab.
func (s *Service) RequestExam(ctx context.Context, req ExamRequest) (*Exam, error) {
	var e *Exam
	err := s.run(ctx, "request_exam", func(ctx context.Context) error {
		if err := s.validateExamRequest(&req); err != nil {
			return err
		}
		c, err := s.pairedConsultation(ctx, req.ConsultationID, req.PatientID)
		if err != nil {
			return err
		}
		e = &Exam{
			ConsultationID:  req.ConsultationID,
			PatientID:       req.PatientID,
			Complaint:       req.Complaint,
			History:         req.History,
			RequestedTests:  req.Tests,
			ClinicalDetails: strings.TrimSpace(req.ClinicalDetails),
			Status:          ExamPending,
			RequestedBy:     req.RequestedBy,
		}
		// The insert goes first so an open exam surfaces as a duplicate
		// rather than as the consultation being in the wrong state.
		if err := s.repo.CreateExam(ctx, e); err != nil {
			return err
		}
		return s.moveConsultation(ctx, c, ConsultationSentToLab)
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

// CancelExam cancels an open exam and returns its consultation from the lab
// to the waiting queue.
func (s *Service) CancelExam(ctx context.Context, examID int64) (*Exam, error) {
	var e *Exam
	err := s.run(ctx, "cancel_exam", func(ctx context.Context) error {
		var err error
		if e, err = s.repo.GetExam(ctx, examID); err != nil {
			return err
		}
		if err := s.moveExam(ctx, e, ExamCancelled); err != nil {
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
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (s *Service) GetExam(ctx context.Context, id int64) (*Exam, error) {
	return s.repo.GetExam(ctx, id)
}

// ListLabQueue lists open exams, oldest first.
func (s *Service) ListLabQueue(ctx context.Context, limit, offset int) ([]*Exam, int, error) {
	return s.repo.ListOpenExams(ctx, limit, offset)
}
