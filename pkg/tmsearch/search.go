// Package tmsearch 实现翻译记忆的分层检索：
// 精确层 → 包含层 → 语义层，整条粒度无果时回退到行粒度。
// 查询受时限约束，超时返回已完成层的结果并标记partial。
package tmsearch

import (
	"context"
	"sort"
	"strings"

	"github.com/kasuganosora/ldm/pkg/config"
	"github.com/kasuganosora/ldm/pkg/normalizer"
	"github.com/kasuganosora/ldm/pkg/store"
	"github.com/kasuganosora/ldm/pkg/tmsync"
	"github.com/kasuganosora/ldm/pkg/types"
)

// Mode 检索模式
type Mode string

const (
	ModeExact    Mode = "exact"
	ModeContains Mode = "contains"
	ModeSemantic Mode = "semantic"
	ModeAuto     Mode = "auto"
)

// Valid 是否为合法模式
func (m Mode) Valid() bool {
	switch m {
	case ModeExact, ModeContains, ModeSemantic, ModeAuto:
		return true
	}
	return false
}

// Tier 命中层级
type Tier string

const (
	TierExact    Tier = "exact"
	TierContains Tier = "contains"
	TierSemantic Tier = "semantic"
)

// tierRank 层级优先序：精确 > 包含 > 语义
func tierRank(t Tier) int {
	switch t {
	case TierExact:
		return 0
	case TierContains:
		return 1
	case TierSemantic:
		return 2
	}
	return 3
}

// Match 一条检索命中
type Match struct {
	EntryID int64   `json:"entry_id"`
	Source  string  `json:"source"`
	Target  string  `json:"target"`
	Score   float32 `json:"score"`
	Tier    Tier    `json:"tier"`
}

// Result 检索结果。Partial为真表示时限内未跑完全部层
type Result struct {
	Matches []Match `json:"matches"`
	Partial bool    `json:"partial"`
}

// Searcher 分层检索器。只读访问哈希与向量索引，写入都在同步管理器
type Searcher struct {
	store   *store.Store
	manager *tmsync.Manager
	tmCfg   config.TMConfig
	search  config.SearchConfig
}

// New 创建检索器
func New(st *store.Store, manager *tmsync.Manager, tmCfg config.TMConfig, searchCfg config.SearchConfig) *Searcher {
	return &Searcher{store: st, manager: manager, tmCfg: tmCfg, search: searchCfg}
}

// candidate 聚合中的候选，按条目去重保留最优层/最高分
type candidate struct {
	entryID int64
	score   float32
	tier    Tier
}

// Search 检索TM。k<1时取10
func (s *Searcher) Search(ctx context.Context, tmID, query string, mode Mode, k int) (*Result, error) {
	if !mode.Valid() {
		return nil, types.E(types.KindBadFormat, "unknown search mode %q", mode)
	}
	if k < 1 {
		k = 10
	}
	if _, err := s.store.GetTM(ctx, tmID); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.search.Deadline())
	defer cancel()

	q := normalizer.Normalize(query)
	if q == "" {
		return &Result{}, nil
	}

	cands, partial, err := s.runTiers(ctx, tmID, q, mode, k, types.GranularityWhole)
	if err != nil {
		return nil, err
	}

	// 整条粒度一无所获时按行回退，按条目取最高分聚合
	if len(cands) == 0 && !partial {
		for _, line := range normalizer.SplitLines(q) {
			lineCands, p, err := s.runTiers(ctx, tmID, line, mode, k, types.GranularityLine)
			if err != nil {
				return nil, err
			}
			partial = partial || p
			cands = mergeCandidates(cands, lineCands)
			if partial {
				break
			}
		}
	}

	return s.finalize(ctx, cands, k, partial)
}

// runTiers 在一个粒度上依序执行各层
func (s *Searcher) runTiers(ctx context.Context, tmID, q string, mode Mode, k int, g types.Granularity) ([]candidate, bool, error) {
	var cands []candidate

	if mode == ModeAuto || mode == ModeExact {
		if expired(ctx) {
			return cands, true, nil
		}
		ids, err := s.manager.Lookup(ctx, tmID, g, q)
		if err != nil {
			return nil, false, err
		}
		for _, id := range ids {
			cands = append(cands, candidate{entryID: id, score: 1.0, tier: TierExact})
		}
		// auto模式下精确命中即止
		if mode == ModeAuto && len(cands) > 0 {
			return cands, false, nil
		}
		if mode == ModeExact {
			return cands, false, nil
		}
	}

	if mode == ModeAuto || mode == ModeContains {
		if expired(ctx) {
			return cands, true, nil
		}
		cands = append(cands, s.containsTier(ctx, tmID, q, g)...)
		if mode == ModeContains {
			return cands, expired(ctx), nil
		}
	}

	if mode == ModeAuto || mode == ModeSemantic {
		if expired(ctx) {
			return cands, true, nil
		}
		semantic, err := s.semanticTier(ctx, tmID, q, k, g)
		if err != nil {
			if types.IsKind(err, types.KindCancelled) {
				return cands, true, nil
			}
			return nil, false, err
		}
		cands = append(cands, semantic...)
	}

	return cands, expired(ctx), nil
}

// containsTier 扫描哈希键做双向包含匹配，
// 得分为短串长度/长串长度
func (s *Searcher) containsTier(ctx context.Context, tmID, q string, g types.Granularity) []candidate {
	threshold := float32(s.tmCfg.FuzzyContainsThreshold)
	var out []candidate
	scanned := 0
	_ = s.manager.RangeKeys(ctx, tmID, g, func(key string, ids []int64) bool {
		scanned++
		if scanned%4096 == 0 && expired(ctx) {
			return false
		}
		if key == q {
			return true // 精确命中属于上一层
		}
		var shorter, longer int
		if strings.Contains(key, q) {
			shorter, longer = len(q), len(key)
		} else if strings.Contains(q, key) {
			shorter, longer = len(key), len(q)
		} else {
			return true
		}
		score := float32(shorter) / float32(longer)
		if score < threshold {
			return true
		}
		for _, id := range ids {
			out = append(out, candidate{entryID: id, score: score, tier: TierContains})
		}
		return true
	})
	return out
}

// semanticTier 嵌入查询并做向量检索
func (s *Searcher) semanticTier(ctx context.Context, tmID, q string, k int, g types.Granularity) ([]candidate, error) {
	engine, err := s.manager.Engine(ctx, tmID)
	if err != nil {
		return nil, err
	}
	vecs, err := engine.EmbedBatch(ctx, []string{q})
	if err != nil {
		if ctx.Err() != nil {
			return nil, types.Wrap(types.KindCancelled, err, "embed query")
		}
		return nil, err
	}
	hits, err := s.manager.SearchVectors(ctx, tmID, g, vecs[0], k, s.tmCfg.SimilarityThreshold)
	if err != nil {
		return nil, err
	}
	out := make([]candidate, 0, len(hits))
	for _, h := range hits {
		score := h.Score
		if score > 1 {
			score = 1
		}
		if score < 0 {
			score = 0
		}
		out = append(out, candidate{entryID: h.ID, score: score, tier: TierSemantic})
	}
	return out, nil
}

// finalize 去重、排序、截断并补全条目内容
func (s *Searcher) finalize(ctx context.Context, cands []candidate, k int, partial bool) (*Result, error) {
	best := make(map[int64]candidate)
	for _, c := range cands {
		prev, ok := best[c.entryID]
		if !ok || betterCandidate(c, prev) {
			best[c.entryID] = c
		}
	}

	ids := make([]int64, 0, len(best))
	for id := range best {
		ids = append(ids, id)
	}
	// 条目内容与时间戳都从行存储取，索引里只有ID
	entries, err := s.store.GetEntries(context.WithoutCancel(ctx), ids)
	if err != nil {
		return nil, err
	}

	type scored struct {
		Match
		recency int64
	}
	list := make([]scored, 0, len(entries))
	for _, e := range entries {
		c := best[e.ID]
		list = append(list, scored{
			Match: Match{
				EntryID: e.ID,
				Source:  e.Source,
				Target:  e.Target,
				Score:   c.score,
				Tier:    c.tier,
			},
			recency: e.UpdatedAt.UnixNano(),
		})
	}

	sort.Slice(list, func(i, j int) bool {
		a, b := list[i], list[j]
		if ra, rb := tierRank(a.Tier), tierRank(b.Tier); ra != rb {
			return ra < rb
		}
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.recency != b.recency {
			return a.recency > b.recency
		}
		return a.EntryID < b.EntryID
	})

	if len(list) > k {
		list = list[:k]
	}
	matches := make([]Match, len(list))
	for i, sc := range list {
		matches[i] = sc.Match
	}
	return &Result{Matches: matches, Partial: partial}, nil
}

func betterCandidate(a, b candidate) bool {
	if ra, rb := tierRank(a.tier), tierRank(b.tier); ra != rb {
		return ra < rb
	}
	return a.score > b.score
}

func mergeCandidates(dst, src []candidate) []candidate {
	return append(dst, src...)
}

func expired(ctx context.Context) bool {
	return ctx.Err() != nil
}
