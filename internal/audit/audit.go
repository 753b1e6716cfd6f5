// Package audit measures extractor quality by running the deterministic
// detector and an LLM backend over the same reproducible sample of stored
// conversations and comparing what each path finds. Nothing an audit
// produces is written back; the report is the only output.
package audit

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/lorehq/lore/internal/analysis"
	"github.com/lorehq/lore/internal/db"
	"github.com/lorehq/lore/internal/extract"
	"github.com/lorehq/lore/pkg/models"
)

// Options selects the sample and the backend invocation shape.
type Options struct {
	// SampleSize caps how many conversations the audit covers. The same
	// seed over the same store picks the same sample.
	SampleSize int
	Seed       int64
	// BatchSize is conversations per backend call; oversized batches
	// bisect like the worker's runner.
	BatchSize       int
	Tool            string
	Model           string
	PayloadMode     string
	MaxPayloadBytes int
}

// RuleCount is one recurring rule and how many sampled conversations it
// appeared in.
type RuleCount struct {
	Rule          string `json:"rule"`
	Conversations int    `json:"conversations"`
}

// PathReport summarizes what one extraction path found over the sample.
type PathReport struct {
	// Detections is raw learning detections; UniqueRules collapses them by
	// normalized rule text. DuplicateRate is the share of detections that
	// repeated an already-seen rule.
	Detections      int            `json:"detections"`
	UniqueRules     int            `json:"unique_rules"`
	DuplicateRate   float64        `json:"duplicate_rate"`
	RecurringRules  int            `json:"recurring_rules"`
	LearningsByType map[string]int `json:"learnings_by_type"`
	TopRules        []RuleCount    `json:"top_rules,omitempty"`

	Signatures          int `json:"signatures"`
	UniqueSignatures    int `json:"unique_signatures"`
	RecurringSignatures int `json:"recurring_signatures"`

	// Skipped counts sampled items the path produced no verdict for:
	// declined by the backend, oversized as a single, or unparseable.
	Skipped int `json:"skipped,omitempty"`
}

// Overlap compares the two paths by normalized rule and signature keys.
// Exact-match keys make this a conservative floor; paraphrased rules count
// as disjoint.
type Overlap struct {
	SharedRules       int `json:"shared_rules"`
	DeterministicOnly int `json:"deterministic_only"`
	LLMOnly           int `json:"llm_only"`
	SharedSignatures  int `json:"shared_signatures"`
}

// Report is one finished audit.
type Report struct {
	SampleSize     int         `json:"sample_size"`
	Seed           int64       `json:"seed"`
	Sampled        int         `json:"sampled"`
	Deterministic  PathReport  `json:"deterministic"`
	LLM            *PathReport `json:"llm,omitempty"`
	Overlap        *Overlap    `json:"overlap,omitempty"`
	ElapsedSeconds float64     `json:"elapsed_seconds"`
}

// Auditor runs audits over one database handle. A nil backend limits the
// audit to the deterministic path.
type Auditor struct {
	convs    *db.ConversationStore
	detector *extract.Detector
	backend  analysis.Backend
	opts     Options
}

// New builds an auditor. Zero SampleSize and BatchSize fall back to 20
// and 5.
func New(store *db.Store, backend analysis.Backend, opts Options) *Auditor {
	if opts.SampleSize <= 0 {
		opts.SampleSize = 20
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 5
	}
	return &Auditor{
		convs:    db.NewConversationStore(store),
		detector: extract.NewDetector(extract.DefaultConfig()),
		backend:  backend,
		opts:     opts,
	}
}

// Run samples, extracts through both paths and builds the comparison.
// A backend-wide failure aborts the audit; a report with only half the
// comparison would mislead.
func (a *Auditor) Run(ctx context.Context) (*Report, error) {
	start := time.Now()

	ids, err := a.convs.ListIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	sample := sampleIDs(ids, a.opts.SampleSize, a.opts.Seed)
	if len(sample) == 0 {
		return nil, errors.New("no conversations to audit")
	}

	transcripts, err := a.loadSample(ctx, sample)
	if err != nil {
		return nil, err
	}

	log.Info().
		Int("sampled", len(transcripts)).
		Int64("seed", a.opts.Seed).
		Str("backend", a.opts.Tool).
		Msg("Audit started")

	det := a.deterministicPass(transcripts)
	rep := &Report{
		SampleSize:    a.opts.SampleSize,
		Seed:          a.opts.Seed,
		Sampled:       len(transcripts),
		Deterministic: det.report(),
	}

	if a.backend != nil {
		llm, err := a.llmPass(ctx, transcripts)
		if err != nil {
			return nil, err
		}
		llmRep := llm.report()
		rep.LLM = &llmRep
		rep.Overlap = compare(det, llm)
	}

	rep.ElapsedSeconds = time.Since(start).Seconds()
	log.Info().
		Int("det_rules", rep.Deterministic.UniqueRules).
		Int("det_signatures", rep.Deterministic.UniqueSignatures).
		Float64("elapsed_s", rep.ElapsedSeconds).
		Msg("Audit finished")
	return rep, nil
}

// sampleIDs picks n ids by seeded shuffle, so reruns over unchanged data
// revisit the identical sample.
func sampleIDs(ids []string, n int, seed int64) []string {
	if len(ids) == 0 {
		return nil
	}
	shuffled := make([]string, len(ids))
	copy(shuffled, ids)
	r := rand.New(rand.NewSource(seed)) // #nosec G404 -- sampling, not secrets
	r.Shuffle(len(shuffled), func(i, j int) {
		shuffled[i], shuffled[j] = shuffled[j], shuffled[i]
	})
	if len(shuffled) > n {
		shuffled = shuffled[:n]
	}
	return shuffled
}

// loadSample fetches the sampled conversations with messages. Rows that
// vanished or were tombstoned after listing are dropped silently.
func (a *Auditor) loadSample(ctx context.Context, ids []string) ([]*analysis.Transcript, error) {
	out := make([]*analysis.Transcript, 0, len(ids))
	for _, id := range ids {
		conv, err := a.convs.GetByID(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load conversation %s: %w", id, err)
		}
		if conv == nil || conv.Deleted() {
			continue
		}
		msgs, err := a.convs.ListMessages(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("load messages %s: %w", id, err)
		}
		out = append(out, &analysis.Transcript{Conversation: conv, Messages: msgs})
	}
	return out, nil
}

func (a *Auditor) deterministicPass(trs []*analysis.Transcript) *tally {
	t := newTally()
	for _, tr := range trs {
		for _, d := range a.detector.DetectLearnings(tr.Conversation, tr.Messages) {
			t.addDetection(tr.Conversation.ID, d)
		}
		if sig := a.detector.ExtractSignature(tr.Conversation, tr.Messages); sig != nil {
			t.addSignature(tr.Conversation.ID, sig.Signature)
		}
	}
	return t
}

// llmPass submits the sample through the backend for the workflow and
// learning analysis types, with synthetic queue ids that exist only for
// result keying. Verdicts pass through the same evaluation gates the
// worker applies.
func (a *Auditor) llmPass(ctx context.Context, trs []*analysis.Transcript) (*tally, error) {
	t := newTally()
	byConv := make(map[string]*analysis.Transcript, len(trs))
	for _, tr := range trs {
		byConv[tr.Conversation.ID] = tr
	}

	nextID := int64(1)
	for _, at := range []models.AnalysisType{models.AnalysisWorkflow, models.AnalysisLearning} {
		items := make([]*models.QueueItem, 0, len(trs))
		for _, tr := range trs {
			items = append(items, &models.QueueItem{
				ID:             nextID,
				ConversationID: tr.Conversation.ID,
				AnalysisType:   at,
				Model:          sql.NullString{String: a.opts.Model, Valid: a.opts.Model != ""},
			})
			nextID++
		}
		if err := a.runType(ctx, at, items, byConv, t); err != nil {
			return nil, err
		}
	}
	return t, nil
}

// runType drives one analysis type's batches through the backend. The
// bisection mirrors the worker's runner, except oversized singles are
// counted as skipped instead of failed, since no queue row exists.
func (a *Auditor) runType(ctx context.Context, at models.AnalysisType, items []*models.QueueItem, byConv map[string]*analysis.Transcript, t *tally) error {
	var stack [][]*models.QueueItem
	for start := len(items); start > 0; start -= a.opts.BatchSize {
		from := start - a.opts.BatchSize
		if from < 0 {
			from = 0
		}
		stack = append(stack, items[from:start])
	}

	for len(stack) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		req := &analysis.Request{
			Transcripts:     byConv,
			Tool:            a.opts.Tool,
			Model:           a.opts.Model,
			PayloadMode:     a.opts.PayloadMode,
			Items:           batch,
			AnalysisType:    at,
			MaxPayloadBytes: a.opts.MaxPayloadBytes,
		}
		resp, err := a.backend.RunAnalysis(ctx, req)

		var tooLarge *models.PayloadTooLargeError
		switch {
		case errors.As(err, &tooLarge):
			if len(batch) == 1 {
				t.skipped++
				log.Warn().
					Str("conversation", batch[0].ConversationID).
					Int("size", tooLarge.Size).
					Msg("Conversation exceeds payload limit, skipping")
				continue
			}
			mid := len(batch) / 2
			stack = append(stack, batch[mid:], batch[:mid])
			continue
		case err != nil:
			return fmt.Errorf("%s batch: %w", at, err)
		}

		rows, err := analysis.SplitResults(resp.Output)
		if err != nil {
			t.skipped += len(batch)
			log.Warn().Str("analysisType", string(at)).Err(err).Msg("Backend output unparseable, skipping batch")
			continue
		}
		for _, it := range batch {
			row, ok := rows[it.ID]
			if !ok {
				t.skipped++
				continue
			}
			tr := byConv[it.ConversationID]
			switch at {
			case models.AnalysisWorkflow:
				sig, verr := analysis.EvaluateWorkflow(it, row, tr.Conversation)
				if verr != nil {
					t.skipped++
					continue
				}
				if sig != nil {
					t.addSignature(it.ConversationID, sig.Signature)
				}
			case models.AnalysisLearning:
				dets, _, verr := analysis.EvaluateLearnings(it, row, tr.Messages)
				if verr != nil {
					t.skipped++
					continue
				}
				for _, d := range dets {
					t.addDetection(it.ConversationID, d)
				}
			}
		}
	}
	return nil
}

// tally accumulates one path's findings keyed for dedup and recurrence.
type tally struct {
	ruleConvs  map[string]map[string]struct{}
	sigConvs   map[string]map[string]struct{}
	byType     map[string]int
	detections int
	signatures int
	skipped    int
}

func newTally() *tally {
	return &tally{
		ruleConvs: map[string]map[string]struct{}{},
		sigConvs:  map[string]map[string]struct{}{},
		byType:    map[string]int{},
	}
}

// ruleKey collapses a rule onto the store's dedup key so both paths are
// counted the way merging would treat them.
func ruleKey(rule string) string {
	return models.NormalizeRule(rule)
}

func (t *tally) addDetection(convID string, d *models.Detection) {
	t.detections++
	t.byType[string(d.Type)]++
	key := ruleKey(d.Rule)
	if t.ruleConvs[key] == nil {
		t.ruleConvs[key] = map[string]struct{}{}
	}
	t.ruleConvs[key][convID] = struct{}{}
}

func (t *tally) addSignature(convID, signature string) {
	t.signatures++
	if t.sigConvs[signature] == nil {
		t.sigConvs[signature] = map[string]struct{}{}
	}
	t.sigConvs[signature][convID] = struct{}{}
}

const topRuleCount = 5

func (t *tally) report() PathReport {
	rep := PathReport{
		Detections:       t.detections,
		UniqueRules:      len(t.ruleConvs),
		LearningsByType:  t.byType,
		Signatures:       t.signatures,
		UniqueSignatures: len(t.sigConvs),
		Skipped:          t.skipped,
	}
	if t.detections > 0 {
		rep.DuplicateRate = 1 - float64(len(t.ruleConvs))/float64(t.detections)
	}

	counts := make([]RuleCount, 0, len(t.ruleConvs))
	for rule, convs := range t.ruleConvs {
		if len(convs) >= 2 {
			rep.RecurringRules++
		}
		counts = append(counts, RuleCount{Rule: rule, Conversations: len(convs)})
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].Conversations != counts[j].Conversations {
			return counts[i].Conversations > counts[j].Conversations
		}
		return counts[i].Rule < counts[j].Rule
	})
	if len(counts) > topRuleCount {
		counts = counts[:topRuleCount]
	}
	rep.TopRules = counts

	for _, convs := range t.sigConvs {
		if len(convs) >= 2 {
			rep.RecurringSignatures++
		}
	}
	return rep
}

// compare intersects the two paths' rule and signature keys.
func compare(det, llm *tally) *Overlap {
	ov := &Overlap{}
	for r := range det.ruleConvs {
		if _, ok := llm.ruleConvs[r]; ok {
			ov.SharedRules++
		}
	}
	ov.DeterministicOnly = len(det.ruleConvs) - ov.SharedRules
	ov.LLMOnly = len(llm.ruleConvs) - ov.SharedRules
	for s := range det.sigConvs {
		if _, ok := llm.sigConvs[s]; ok {
			ov.SharedSignatures++
		}
	}
	return ov
}
