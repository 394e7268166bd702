package accounting

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/inferxgate/gateway/internal/health"
	"github.com/inferxgate/gateway/internal/logger"
	"github.com/inferxgate/gateway/internal/ratelimit"
	"github.com/inferxgate/gateway/internal/store"
)

// Outcome carries everything the Accountant needs to settle one completed
// (or failed) request: the resolved principal's virtual key, the route that
// served it, and the observed token counts, latency, and error (if any).
type Outcome struct {
	VirtualKeyID     string
	UserID           string
	Provider         string
	Model            string
	PromptTokens     int
	CompletionTokens int
	LatencyMS        int64
	Cached           bool
	Err              error
}

// Accountant applies the side effects of a completed call: pricing, the
// usage ledger (Postgres + the async logger/ClickHouse sink), the health
// tracker, and the rate gate's TPM debit.
type Accountant struct {
	costs    *CostCalculator
	store    *store.Store
	health   *health.Tracker
	rategate *ratelimit.Gate
	log      *logger.Logger
	slog     *slog.Logger
}

// NewAccountant wires the four post-completion sinks together.
func NewAccountant(costs *CostCalculator, st *store.Store, h *health.Tracker, gate *ratelimit.Gate, lg *logger.Logger, sl *slog.Logger) *Accountant {
	return &Accountant{costs: costs, store: st, health: h, rategate: gate, log: lg, slog: sl}
}

// Settle applies every post-completion effect for a successful request:
// debits TPM, records health success, persists the usage record, and
// enqueues it on the async logger. Returns the computed cost.
//
// A cache hit serves no upstream call, so it is priced at zero and never
// touches the TPM debit or the health tracker — both exist to measure
// upstream behavior, and a cache hit has none to measure.
func (a *Accountant) Settle(ctx context.Context, o Outcome) float64 {
	if o.Cached {
		a.recordUsage(ctx, o, 0, "")
		return 0
	}

	cost := a.costs.Cost(o.Model, o.PromptTokens, o.CompletionTokens)

	a.health.RecordSuccess(o.Provider, o.Model, o.LatencyMS)

	if a.rategate != nil && o.VirtualKeyID != "" {
		if err := a.rategate.DebitTokens(ctx, o.VirtualKeyID, o.PromptTokens+o.CompletionTokens); err != nil {
			a.slog.WarnContext(ctx, "accountant: tpm debit failed", "error", err)
		}
	}

	a.recordUsage(ctx, o, cost, "")

	if a.store != nil && o.VirtualKeyID != "" && cost > 0 {
		if err := a.store.AddSpend(ctx, o.VirtualKeyID, cost); err != nil {
			a.slog.WarnContext(ctx, "accountant: add spend failed", "error", err)
		}
	}

	return cost
}

// SettleError applies the post-completion effects of a failed upstream call:
// records a health-tracker error and a zero-token usage record carrying the
// error text, so failed calls are auditable the same way successes are.
func (a *Accountant) SettleError(ctx context.Context, o Outcome) {
	a.health.RecordError(o.Provider, o.Model)
	a.recordUsage(ctx, o, 0, o.Err.Error())
}

func (a *Accountant) recordUsage(ctx context.Context, o Outcome, cost float64, errText string) {
	id := uuid.New()
	now := time.Now().UTC()

	if a.store != nil {
		rec := store.UsageRecord{
			ID:               id.String(),
			VirtualKeyID:     o.VirtualKeyID,
			UserID:           o.UserID,
			Provider:         o.Provider,
			Model:            o.Model,
			PromptTokens:     o.PromptTokens,
			CompletionTokens: o.CompletionTokens,
			TotalTokens:      o.PromptTokens + o.CompletionTokens,
			CostUSD:          cost,
			LatencyMS:        int(o.LatencyMS),
			Cached:           o.Cached,
			ErrorText:        errText,
			CreatedAt:        now,
		}
		if err := a.store.InsertUsageRecord(ctx, rec); err != nil {
			a.slog.WarnContext(ctx, "accountant: insert usage record failed", "error", err)
		}
	}

	if a.log != nil {
		status := uint16(200)
		if errText != "" {
			status = 502
		}
		a.log.Log(logger.RequestLog{
			ID:               id,
			VirtualKeyID:     o.VirtualKeyID,
			UserID:           o.UserID,
			Provider:         o.Provider,
			Model:            o.Model,
			PromptTokens:     uint32(o.PromptTokens),
			CompletionTokens: uint32(o.CompletionTokens),
			LatencyMs:        uint32(o.LatencyMS),
			Status:           status,
			Cached:           o.Cached,
			CostUSD:          cost,
			ErrorText:        errText,
			CreatedAt:        now,
		})
	}
}
