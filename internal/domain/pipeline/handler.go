package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/clinic/clinic/internal/platform/artifact"
	"github.com/clinic/clinic/internal/platform/auth"
	"github.com/clinic/clinic/pkg/pagination"
)

type Handler struct {
	svc *Service
}

func NewHandler(svc *Service) *Handler {
	return &Handler{svc: svc}
}

func (h *Handler) RegisterRoutes(api *echo.Group) {
	clinical := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleNurse))
	clinical.GET("/consultations", h.ListWaiting)
	clinical.POST("/consultations", h.Enqueue)
	clinical.GET("/consultations/:id", h.GetConsultation)
	clinical.DELETE("/consultations/:id", h.Dequeue)
	clinical.GET("/consultations/:id/diagnoses", h.ListDiagnoses)

	doctor := api.Group("", auth.RequireRole(auth.RoleDoctor))
	doctor.POST("/consultations/:id/complete", h.Complete)
	doctor.POST("/consultations/:id/exams", h.RequestExam)
	doctor.POST("/consultations/:id/diagnoses", h.RecordDiagnosis)
	doctor.POST("/consultations/:id/prescriptions", h.RecordPrescription)

	lab := api.Group("", auth.RequireRole(auth.RoleDoctor, auth.RoleLabTechnician))
	lab.GET("/lab/tests", h.TestCatalogue)
	lab.GET("/lab/queue", h.ListLabQueue)
	lab.GET("/exams/:id", h.GetExam)
	lab.POST("/exams/:id/cancel", h.CancelExam)
	lab.GET("/exams/:id/results", h.ListResults)
	lab.GET("/artifacts/:name", h.GetArtifact)

	tech := api.Group("", auth.RequireRole(auth.RoleLabTechnician))
	tech.POST("/exams/:id/begin", h.BeginProcessing)
	tech.POST("/exams/:id/results", h.SubmitResults)
	tech.POST("/exams/:id/results/:test", h.SubmitResult)
	tech.POST("/exams/:id/finalize", h.FinalizeSubmission)

	billing := api.Group("", auth.RequireRole(auth.RoleCashier))
	billing.GET("/billing/queue", h.ListBillingQueue)
	billing.POST("/prescriptions/:id/payment", h.CompletePayment)
	billing.POST("/prescriptions/:id/pharmacy/send", h.SendToPharmacy)

	dispensing := api.Group("", auth.RequireRole(auth.RoleCashier, auth.RolePharmacist))
	dispensing.GET("/prescriptions/:id", h.GetPrescription)
	dispensing.POST("/prescriptions/:id/pharmacy/cancel", h.CancelPharmacy)

	pharmacy := api.Group("", auth.RequireRole(auth.RolePharmacist))
	pharmacy.GET("/pharmacy/queue", h.ListPharmacyQueue)
	pharmacy.POST("/prescriptions/:id/pharmacy/complete", h.CompletePharmacy)
}

// httpError maps pipeline errors onto status codes.
func httpError(err error) error {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, ErrValidation):
		code = http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, ErrInvalidState),
		errors.Is(err, ErrDuplicateActiveMembership),
		errors.Is(err, ErrDuplicatePendingExam):
		code = http.StatusConflict
	case errors.Is(err, ErrPaymentRequired):
		code = http.StatusPaymentRequired
	case errors.Is(err, ErrInvalidArtifactType), errors.Is(err, ErrArtifactMissingExtension):
		code = http.StatusUnsupportedMediaType
	case errors.Is(err, artifact.ErrTooLarge):
		code = http.StatusRequestEntityTooLarge
	case errors.Is(err, ErrNoResultsProvided):
		code = http.StatusUnprocessableEntity
	}
	return echo.NewHTTPError(code, err.Error())
}

func idParam(c echo.Context) (int64, error) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		return 0, echo.NewHTTPError(http.StatusBadRequest, "invalid id")
	}
	return id, nil
}

func actor(c echo.Context) string {
	return auth.UserNameFromContext(c.Request().Context())
}

func paged[T any](c echo.Context, list func(limit, offset int) ([]T, int, error)) error {
	pg := pagination.FromContext(c)
	items, total, err := list(pg.Limit, pg.Offset)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []T{}
	}
	return c.JSON(http.StatusOK, pagination.NewResponse(items, total, pg.Limit, pg.Offset))
}

// -- Consultation queue --

func (h *Handler) Enqueue(c echo.Context) error {
	var body struct {
		PatientID int64 `json:"patient_id"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if body.PatientID <= 0 {
		return echo.NewHTTPError(http.StatusBadRequest, "patient_id is required")
	}
	cons, err := h.svc.Enqueue(c.Request().Context(), body.PatientID, actor(c))
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, cons)
}

func (h *Handler) ListWaiting(c echo.Context) error {
	return paged(c, func(limit, offset int) ([]*Consultation, int, error) {
		return h.svc.ListWaiting(c.Request().Context(), limit, offset)
	})
}

func (h *Handler) GetConsultation(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	cons, err := h.svc.GetConsultation(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cons)
}

func (h *Handler) Dequeue(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	if err := h.svc.Dequeue(c.Request().Context(), id); err != nil {
		return httpError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *Handler) Complete(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	cons, err := h.svc.Complete(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, cons)
}

// -- Exams --

func (h *Handler) RequestExam(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var req ExamRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.ConsultationID = id
	req.RequestedBy = actor(c)
	e, err := h.svc.RequestExam(c.Request().Context(), req)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, e)
}

func (h *Handler) TestCatalogue(c echo.Context) error {
	return c.JSON(http.StatusOK, TestCatalogue())
}

func (h *Handler) ListLabQueue(c echo.Context) error {
	return paged(c, func(limit, offset int) ([]*Exam, int, error) {
		return h.svc.ListLabQueue(c.Request().Context(), limit, offset)
	})
}

func (h *Handler) GetExam(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	e, err := h.svc.GetExam(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) CancelExam(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	e, err := h.svc.CancelExam(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

// -- Laboratory --

func (h *Handler) BeginProcessing(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	e, err := h.svc.BeginProcessing(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func openUpload(fh *multipart.FileHeader) (*Upload, io.Closer, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, nil, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("read upload %s: %v", fh.Filename, err))
	}
	return &Upload{Filename: fh.Filename, Content: f}, f, nil
}

// formError passes through an HTTP error raised while the body was read,
// such as the body limit's 413, and reports anything else as a bad form.
func formError(err error) error {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	return echo.NewHTTPError(http.StatusBadRequest, "expected multipart form: "+err.Error())
}

// SubmitResults accepts a multipart batch: one "tests" value per test key,
// with optional "file_<key>" attachments and "comments_<key>" fields.
func (h *Handler) SubmitResults(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	form, err := c.MultipartForm()
	if err != nil {
		return formError(err)
	}

	performedBy := actor(c)
	var inputs []ResultInput
	for _, key := range form.Value["tests"] {
		in := ResultInput{TestKey: key, PerformedBy: performedBy}
		if v := form.Value["comments_"+key]; len(v) > 0 {
			in.Comments = v[0]
		}
		if files := form.File["file_"+key]; len(files) > 0 {
			up, closer, err := openUpload(files[0])
			if err != nil {
				return err
			}
			defer closer.Close()
			in.Artifact = up
		}
		inputs = append(inputs, in)
	}

	e, results, err := h.svc.SubmitResults(c.Request().Context(), id, inputs)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, map[string]interface{}{
		"exam":    e,
		"results": results,
	})
}

// SubmitResult records a single test from a multipart form with optional
// "file" and "comments" fields.
func (h *Handler) SubmitResult(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	in := ResultInput{
		TestKey:     c.Param("test"),
		Comments:    c.FormValue("comments"),
		PerformedBy: actor(c),
	}
	fh, err := c.FormFile("file")
	switch {
	case err == nil:
		up, closer, err := openUpload(fh)
		if err != nil {
			return err
		}
		defer closer.Close()
		in.Artifact = up
	case !errors.Is(err, http.ErrMissingFile) && !errors.Is(err, http.ErrNotMultipart):
		return formError(err)
	}

	res, err := h.svc.SubmitResult(c.Request().Context(), id, in)
	if err != nil {
		return httpError(err)
	}
	if res == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusCreated, res)
}

func (h *Handler) FinalizeSubmission(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	e, err := h.svc.FinalizeSubmission(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, e)
}

func (h *Handler) ListResults(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	results, err := h.svc.ListResults(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if results == nil {
		results = []*LabResult{}
	}
	return c.JSON(http.StatusOK, results)
}

func (h *Handler) GetArtifact(c echo.Context) error {
	rc, meta, err := h.svc.OpenArtifact(c.Request().Context(), c.Param("name"))
	if err != nil {
		return httpError(err)
	}
	defer rc.Close()
	c.Response().Header().Set(echo.HeaderContentDisposition, fmt.Sprintf("inline; filename=%q", meta.Name))
	c.Response().Header().Set(echo.HeaderContentLength, strconv.FormatInt(meta.Size, 10))
	return c.Stream(http.StatusOK, meta.ContentType, rc)
}

// -- Diagnoses & prescriptions --

func (h *Handler) RecordDiagnosis(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var in DiagnosisInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in.ConsultationID = id
	in.DiagnosedBy = actor(c)
	d, err := h.svc.RecordDiagnosis(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, d)
}

func (h *Handler) ListDiagnoses(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	items, err := h.svc.ListDiagnoses(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	if items == nil {
		items = []*Diagnosis{}
	}
	return c.JSON(http.StatusOK, items)
}

func (h *Handler) RecordPrescription(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var in PrescriptionInput
	if err := c.Bind(&in); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	in.ConsultationID = id
	in.PrescribedBy = actor(c)
	p, err := h.svc.RecordPrescription(c.Request().Context(), in)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusCreated, p)
}

func (h *Handler) GetPrescription(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	p, err := h.svc.GetPrescription(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// -- Billing & pharmacy --

func (h *Handler) ListBillingQueue(c echo.Context) error {
	return paged(c, func(limit, offset int) ([]*Prescription, int, error) {
		return h.svc.ListBillingQueue(c.Request().Context(), limit, offset)
	})
}

func (h *Handler) ListPharmacyQueue(c echo.Context) error {
	return paged(c, func(limit, offset int) ([]*Prescription, int, error) {
		return h.svc.ListPharmacyQueue(c.Request().Context(), limit, offset)
	})
}

func (h *Handler) CompletePayment(c echo.Context) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	var body struct {
		PaymentMethod string `json:"payment_method"`
	}
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	p, err := h.svc.CompletePayment(c.Request().Context(), id, body.PaymentMethod)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

// prescriptionAction adapts a prescription transition to a handler.
func prescriptionAction(c echo.Context, fn func(context.Context, int64) (*Prescription, error)) error {
	id, err := idParam(c)
	if err != nil {
		return err
	}
	p, err := fn(c.Request().Context(), id)
	if err != nil {
		return httpError(err)
	}
	return c.JSON(http.StatusOK, p)
}

func (h *Handler) SendToPharmacy(c echo.Context) error {
	return prescriptionAction(c, h.svc.SendToPharmacy)
}

func (h *Handler) CancelPharmacy(c echo.Context) error {
	return prescriptionAction(c, h.svc.CancelPharmacy)
}

func (h *Handler) CompletePharmacy(c echo.Context) error {
	return prescriptionAction(c, h.svc.CompletePharmacy)
}
