// Package chain groups related emails into conversation chains and scores
// how complete the observable workflow is. The score drives the adaptive
// router: low-completeness chains stop after rule triage, high-completeness
// chains earn the expensive high-tier analysis.
package chain

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/email-intel/internal/domain"
	"github.com/ignite/email-intel/internal/pkg/logger"
	"github.com/ignite/email-intel/internal/rules"
)

// Store is the persistence surface the analyzer needs.
type Store interface {
	GetOrCreateChain(ctx context.Context, groupKey, subjectHash, conversationID string, firstEmailAt time.Time) (*domain.Chain, bool, error)
	GetChain(ctx context.Context, id string) (*domain.Chain, error)
	LinkToChain(ctx context.Context, emailID, chainID string) error
	ListChainEmails(ctx context.Context, chainID string) ([]*domain.Email, error)
	UpdateChainRollup(ctx context.Context, chainID string, chainType domain.ChainType, score float64, primaryWorkflow string, recommendedPhase int) error
	PropagateChainScore(ctx context.Context, chainID string, score float64, recommendedPhase int) error
}

// Analyzer assigns emails to chains and maintains each chain's derived
// completeness state. All writes for one chain must be serialized by the
// caller (per-chain lock); the analyzer itself is stateless.
type Analyzer struct {
	store        Store
	cache        *redis.Client // optional; nil disables the score cache
	cacheTTL     time.Duration
	thresholdMid float64
	thresholdHi  float64
	log          *logger.Logger
}

// Snapshot is the derived per-chain state the router consumes.
type Snapshot struct {
	ChainID           string           `json:"chain_id"`
	ChainType         domain.ChainType `json:"chain_type"`
	CompletenessScore float64          `json:"completeness_score"`
	EmailCount        int              `json:"email_count"`
	PrimaryWorkflow   string           `json:"primary_workflow"`
	RecommendedPhase  int              `json:"recommended_phase"`
}

// New creates an Analyzer. cache may be nil.
func New(store Store, cache *redis.Client, thresholdMid, thresholdHigh float64, log *logger.Logger) *Analyzer {
	if log == nil {
		log = logger.Default()
	}
	return &Analyzer{
		store:        store,
		cache:        cache,
		cacheTTL:     10 * time.Minute,
		thresholdMid: thresholdMid,
		thresholdHi:  thresholdHigh,
		log:          log.With("component", "chain_analyzer"),
	}
}

var subjectPrefixRe = regexp.MustCompile(`(?i)^(re|fwd?|aw)\s*:\s*`)

// NormalizeSubject strips reply/forward prefixes, collapses whitespace,
// and lowercases. Two emails in the same thread normalize identically.
func NormalizeSubject(subject string) string {
	s := strings.TrimSpace(subject)
	for {
		stripped := subjectPrefixRe.ReplaceAllString(s, "")
		if stripped == s {
			break
		}
		s = strings.TrimSpace(stripped)
	}
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// SubjectHash is the hex digest of the normalized subject.
func SubjectHash(subject string) string {
	sum := sha256.Sum256([]byte(NormalizeSubject(subject)))
	return hex.EncodeToString(sum[:])
}

// GroupKey computes the chain grouping key for an email: the conversation id
// when the source provides one, otherwise normalized subject + sender domain.
func GroupKey(e *domain.Email) string {
	if e.ConversationID != "" {
		return e.ConversationID
	}
	return fmt.Sprintf("subj:%s:%s", SubjectHash(e.Subject), senderDomain(e.SenderAddress))
}

func senderDomain(address string) string {
	at := strings.LastIndexByte(address, '@')
	if at < 0 {
		return ""
	}
	return strings.ToLower(address[at+1:])
}

// Assign attaches the email to its chain, creating the chain on first
// observation, and returns the chain. Idempotent: re-assigning an email to
// the chain it already belongs to is a no-op.
func (a *Analyzer) Assign(ctx context.Context, e *domain.Email) (*domain.Chain, error) {
	key := GroupKey(e)
	c, created, err := a.store.GetOrCreateChain(ctx, key, SubjectHash(e.Subject), e.ConversationID, e.ReceivedAt)
	if err != nil {
		return nil, fmt.Errorf("get or create chain: %w", err)
	}
	if created {
		a.log.Info("chain created", "chain_id", c.ID, "group_key", key)
	}
	if err := a.store.LinkToChain(ctx, e.ID, c.ID); err != nil {
		return nil, fmt.Errorf("link email %s to chain %s: %w", e.ID, c.ID, err)
	}
	a.invalidate(ctx, c.ID)
	return c, nil
}

// Refresh recomputes the chain's completeness, type, and recommended phase
// from its full ordered history, persists the rollup, and propagates the
// score to member emails. Deterministic for a given history and idempotent
// under replay. Callers hold the per-chain lock.
func (a *Analyzer) Refresh(ctx context.Context, chainID string) (*Snapshot, error) {
	a.invalidate(ctx, chainID)

	emails, err := a.store.ListChainEmails(ctx, chainID)
	if err != nil {
		return nil, fmt.Errorf("list chain emails: %w", err)
	}
	if len(emails) == 0 {
		return nil, fmt.Errorf("chain %s has no emails", chainID)
	}

	snap := a.score(chainID, emails)

	if err := a.store.UpdateChainRollup(ctx, chainID, snap.ChainType, snap.CompletenessScore, snap.PrimaryWorkflow, snap.RecommendedPhase); err != nil {
		return nil, fmt.Errorf("update chain rollup: %w", err)
	}
	if err := a.store.PropagateChainScore(ctx, chainID, snap.CompletenessScore, snap.RecommendedPhase); err != nil {
		return nil, fmt.Errorf("propagate chain score: %w", err)
	}

	a.cacheSet(ctx, snap)
	a.log.Debug("chain refreshed",
		"chain_id", chainID,
		"score", snap.CompletenessScore,
		"chain_type", string(snap.ChainType),
		"recommended_phase", snap.RecommendedPhase,
		"email_count", snap.EmailCount)
	return snap, nil
}

// score derives the snapshot from the ordered email history.
func (a *Analyzer) score(chainID string, emails []*domain.Email) *Snapshot {
	var (
		hasReply      bool
		hasResolution bool
		hasAction     bool
		signaling     int
		chainType     = domain.ChainGeneral
		workflowCount = map[string]int{}
		workflowOrder []string
	)

	for _, e := range emails {
		body := e.BodyText
		if body == "" {
			body = e.BodyPreview
		}
		if rules.IsReply(e.Subject) {
			hasReply = true
		}
		if rules.HasResolutionMarker(body) {
			hasResolution = true
		}
		if rules.HasActionCompletion(body) {
			hasAction = true
		}

		if r := e.Phase1Result; r != nil {
			if r.Signals["workflow_signal"] {
				signaling++
			}
			cat := string(r.WorkflowCategory)
			if workflowCount[cat] == 0 {
				workflowOrder = append(workflowOrder, cat)
			}
			workflowCount[cat]++
			chainType = domain.DominantChainType(chainType, chainTypeFor(r.WorkflowCategory))
		}
	}

	structural := 0.25 * float64(len(emails))
	if hasReply {
		structural += 0.25
	}
	if hasResolution {
		structural += 0.25
	}
	if hasAction {
		structural += 0.25
	}
	if structural > 1 {
		structural = 1
	}

	// Semantic saturates with chain size so a lone signaling email cannot
	// claim a complete workflow on its own.
	semantic := float64(signaling) / float64(len(emails))
	if sat := float64(len(emails)) / 4.0; sat < 1 {
		semantic *= sat
	}

	score := structural
	if semantic > score {
		score = semantic
	}
	score = domain.Clamp01(score)

	primary := ""
	best := 0
	for _, cat := range workflowOrder {
		if workflowCount[cat] > best {
			primary = cat
			best = workflowCount[cat]
		}
	}

	return &Snapshot{
		ChainID:           chainID,
		ChainType:         chainType,
		CompletenessScore: score,
		EmailCount:        len(emails),
		PrimaryWorkflow:   primary,
		RecommendedPhase:  a.recommendPhase(score),
	}
}

func (a *Analyzer) recommendPhase(score float64) int {
	switch {
	case score >= a.thresholdHi:
		return 3
	case score >= a.thresholdMid:
		return 2
	default:
		return 1
	}
}

// chainTypeFor maps a Phase 1 workflow category to a chain classification.
func chainTypeFor(w domain.WorkflowCategory) domain.ChainType {
	switch w {
	case domain.WorkflowEscalation:
		return domain.ChainEscalation
	case domain.WorkflowOrderProcessing, domain.WorkflowApproval:
		return domain.ChainOrderProcessing
	case domain.WorkflowQuoteRequest:
		return domain.ChainQuoteRequest
	case domain.WorkflowSupportTicket:
		return domain.ChainSupportTicket
	default:
		return domain.ChainGeneral
	}
}

// Cached returns the cached snapshot for a chain, or nil on miss (or when
// no cache is attached).
func (a *Analyzer) Cached(ctx context.Context, chainID string) *Snapshot {
	if a.cache == nil {
		return nil
	}
	raw, err := a.cache.Get(ctx, cacheKey(chainID)).Bytes()
	if err != nil {
		return nil
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil
	}
	return &snap
}

func (a *Analyzer) cacheSet(ctx context.Context, snap *Snapshot) {
	if a.cache == nil {
		return
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := a.cache.Set(ctx, cacheKey(snap.ChainID), raw, a.cacheTTL).Err(); err != nil {
		a.log.Warn("chain cache set failed", "chain_id", snap.ChainID, "error", err.Error())
	}
}

func (a *Analyzer) invalidate(ctx context.Context, chainID string) {
	if a.cache == nil {
		return
	}
	if err := a.cache.Del(ctx, cacheKey(chainID)).Err(); err != nil {
		a.log.Warn("chain cache invalidate failed", "chain_id", chainID, "error", err.Error())
	}
}

func cacheKey(chainID string) string {
	return "chain:snapshot:" + chainID
}
