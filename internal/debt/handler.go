package debt

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/hibiken/asynq"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/debtledger/internal/platform/httpx"
)

// ActorHeader carries the acting user id set by the upstream gateway.
const ActorHeader = "X-Actor-ID"

// ServicePort is the service surface used by the HTTP handler.
type ServicePort interface {
	SyncAccountFull(ctx context.Context, in SyncInput) (FullSyncResult, error)
	SyncAccountSnapshot(ctx context.Context, in SyncInput) (SnapshotResult, error)
	RunBatch(ctx context.Context, mode SyncMode, year int) (BatchSummary, error)
	AuditYear(ctx context.Context, year int) (AuditReport, error)
	GetLedger(ctx context.Context, ref AccountRef) (LedgerMaster, error)
	ListLedgers(ctx context.Context, filter ListFilter) ([]LedgerMaster, error)
	ListPeriods(ctx context.Context, ref AccountRef) ([]Period, error)
	SetPeriodLock(ctx context.Context, ref AccountRef, year int, locked bool, actorID int64) (Period, error)
	RecordAdjustment(ctx context.Context, in AdjustmentInput) (SnapshotResult, error)
}

// BatchEnqueuer schedules batch runs on the worker.
type BatchEnqueuer interface {
	EnqueueDebtSync(ctx context.Context, mode string, year int) (*asynq.TaskInfo, error)
}

// Handler exposes the ledger JSON API.
type Handler struct {
	logger    *slog.Logger
	service   ServicePort
	jobs      BatchEnqueuer
	validator *validator.Validate
	now       func() time.Time
}

// NewHandler constructs handler. jobs may be nil when no worker is configured.
func NewHandler(logger *slog.Logger, service ServicePort, jobs BatchEnqueuer) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		service:   service,
		jobs:      jobs,
		validator: validator.New(),
		now:       time.Now,
	}
}

// MountRoutes registers routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/debt", func(r chi.Router) {
		r.Post("/sync/full", h.syncFull)
		r.Post("/sync/snapshot", h.syncSnapshot)
		r.Post("/batches/{mode}", h.runBatch)
		r.Post("/batches/{mode}/enqueue", h.enqueueBatch)
		r.Get("/audit/{year}", h.audit)
		r.Get("/ledgers", h.listLedgers)
		r.Route("/ledgers/{type}/{id}", func(r chi.Router) {
			r.Get("/", h.showLedger)
			r.Get("/periods", h.listPeriods)
			r.Post("/periods/{year}/lock", h.lockPeriod(true))
			r.Post("/periods/{year}/unlock", h.lockPeriod(false))
			r.Post("/periods/{year}/adjustment", h.recordAdjustment)
		})
	})
}

type syncRequest struct {
	CustomerID     *int64           `json:"customer_id" validate:"omitempty,gt=0"`
	SupplierID     *int64           `json:"supplier_id" validate:"omitempty,gt=0"`
	Year           int              `json:"year" validate:"gte=0,lte=9999"`
	Notes          *string          `json:"notes" validate:"omitempty,max=2000"`
	Adjustment     *decimal.Decimal `json:"adjustment"`
	AssignedUserID *int64           `json:"assigned_user_id" validate:"omitempty,gt=0"`
}

func (h *Handler) decodeSync(r *http.Request) (SyncInput, error) {
	var req syncRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		return SyncInput{}, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	if err := h.validate(req); err != nil {
		return SyncInput{}, err
	}
	return SyncInput{
		CustomerID:     req.CustomerID,
		SupplierID:     req.SupplierID,
		Year:           req.Year,
		Notes:          req.Notes,
		Adjustment:     req.Adjustment,
		AssignedUserID: req.AssignedUserID,
		ActorID:        actorID(r),
	}, nil
}

func (h *Handler) syncFull(w http.ResponseWriter, r *http.Request) {
	in, err := h.decodeSync(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if in.Year == 0 {
		in.Year = h.now().Year()
	}
	result, err := h.service.SyncAccountFull(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) syncSnapshot(w http.ResponseWriter, r *http.Request) {
	in, err := h.decodeSync(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.SyncAccountSnapshot(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

// runBatch answers 200 with the summary even when accounts failed.
func (h *Handler) runBatch(w http.ResponseWriter, r *http.Request) {
	mode, year, err := h.batchParams(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	summary, err := h.service.RunBatch(r.Context(), mode, year)
	if err != nil && !summary.Cancelled {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, summary)
}

func (h *Handler) enqueueBatch(w http.ResponseWriter, r *http.Request) {
	mode, year, err := h.batchParams(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	if h.jobs == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Unavailable", "job queue not configured")
		return
	}
	info, err := h.jobs.EnqueueDebtSync(r.Context(), string(mode), year)
	if errors.Is(err, asynq.ErrDuplicateTask) {
		httpx.Problem(w, http.StatusConflict, "Conflict", "batch already queued")
		return
	}
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, map[string]any{
		"task_id": info.ID,
		"queue":   info.Queue,
		"mode":    mode,
		"year":    year,
	})
}

func (h *Handler) audit(w http.ResponseWriter, r *http.Request) {
	year, err := parseYear(chi.URLParam(r, "year"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	report, err := h.service.AuditYear(r.Context(), year)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, report)
}

func (h *Handler) listLedgers(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{Type: AccountType(strings.ToLower(q.Get("type")))}
	var err error
	if filter.Limit, err = optionalInt(q.Get("limit")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if filter.Offset, err = optionalInt(q.Get("offset")); err != nil {
		httpx.RespondError(w, err)
		return
	}
	masters, err := h.service.ListLedgers(r.Context(), filter)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, masters)
}

func (h *Handler) showLedger(w http.ResponseWriter, r *http.Request) {
	ref, err := accountFromPath(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	master, err := h.service.GetLedger(r.Context(), ref)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, master)
}

func (h *Handler) listPeriods(w http.ResponseWriter, r *http.Request) {
	ref, err := accountFromPath(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	periods, err := h.service.ListPeriods(r.Context(), ref)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, periods)
}

func (h *Handler) lockPeriod(locked bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, err := accountFromPath(r)
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		year, err := parseYear(chi.URLParam(r, "year"))
		if err != nil {
			httpx.RespondError(w, err)
			return
		}
		period, err := h.service.SetPeriodLock(r.Context(), ref, year, locked, actorID(r))
		if err != nil {
			h.fail(w, r, err)
			return
		}
		httpx.JSON(w, http.StatusOK, period)
	}
}

type adjustmentRequest struct {
	Amount *decimal.Decimal `json:"amount" validate:"required"`
	Notes  *string          `json:"notes" validate:"omitempty,max=2000"`
}

func (h *Handler) recordAdjustment(w http.ResponseWriter, r *http.Request) {
	ref, err := accountFromPath(r)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	year, err := parseYear(chi.URLParam(r, "year"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	var req adjustmentRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.RespondError(w, fmt.Errorf("%w: %v", ErrValidation, err))
		return
	}
	if err := h.validate(req); err != nil {
		httpx.RespondError(w, err)
		return
	}
	result, err := h.service.RecordAdjustment(r.Context(), AdjustmentInput{
		Account: ref,
		Year:    year,
		Amount:  *req.Amount,
		Notes:   req.Notes,
		ActorID: actorID(r),
	})
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, result)
}

func (h *Handler) validate(v any) error {
	err := h.validator.Struct(v)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) {
		parts := make([]string, 0, len(fieldErrs))
		for _, fieldErr := range fieldErrs {
			parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fieldErr.Field()), fieldErr.Tag()))
		}
		return fmt.Errorf("%w: %s", ErrValidation, strings.Join(parts, ", "))
	}
	return fmt.Errorf("%w: %v", ErrValidation, err)
}

func (h *Handler) batchParams(r *http.Request) (SyncMode, int, error) {
	mode, err := ParseSyncMode(chi.URLParam(r, "mode"))
	if err != nil {
		return "", 0, err
	}
	raw := r.URL.Query().Get("year")
	if raw == "" {
		return mode, h.now().Year(), nil
	}
	year, err := parseYear(raw)
	return mode, year, err
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	if !errors.Is(err, ErrValidation) && !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrPeriodLocked) {
		h.logger.Error("debt request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}

func accountFromPath(r *http.Request) (AccountRef, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		return AccountRef{}, fmt.Errorf("%w: invalid account id", ErrValidation)
	}
	return ParseAccountRef(AccountType(strings.ToLower(chi.URLParam(r, "type"))), id)
}

func parseYear(raw string) (int, error) {
	year, err := strconv.Atoi(raw)
	if err != nil || year <= 0 || year > 9999 {
		return 0, fmt.Errorf("%w: invalid year %q", ErrValidation, raw)
	}
	return year, nil
}

func optionalInt(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: invalid integer %q", ErrValidation, raw)
	}
	return v, nil
}

func actorID(r *http.Request) int64 {
	id, err := strconv.ParseInt(r.Header.Get(ActorHeader), 10, 64)
	if err != nil || id < 0 {
		return 0
	}
	return id
}
