package pipeline

import (
	"encoding/json"

	"pmwflow/internal/retry"
)

// ResearchState is the working state of the research phase. Fields fill in as
// the research agent reports them, so every one is optional.
type ResearchState struct {
	phaseCore `json:"-"`

	TriggeredBy string `json:"-"`

	CandidateTopics     []map[string]any `json:"candidate_topics,omitempty"`
	SelectedTopic       map[string]any   `json:"selected_topic,omitempty"`
	TopicLockAcquired   *bool            `json:"topic_lock_acquired,omitempty"`
	CandidateAffiliates []map[string]any `json:"candidate_affiliates,omitempty"`
	ScoredAffiliates    []map[string]any `json:"scored_affiliates,omitempty"`
	PrimaryAffiliate    map[string]any   `json:"primary_affiliate,omitempty"`
	SecondaryAffiliate  map[string]any   `json:"secondary_affiliate,omitempty"`
	Brief               map[string]any   `json:"brief,omitempty"`

	KeywordResearch    map[string]any `json:"keyword_research,omitempty"`
	MarketContext      map[string]any `json:"market_context,omitempty"`
	CompetitorAnalysis map[string]any `json:"competitor_analysis,omitempty"`
	TopFactors         map[string]any `json:"top_factors,omitempty"`

	// RawSourcesCacheKey points at scraped sources held outside the run.
	RawSourcesCacheKey string         `json:"raw_sources_cache_key,omitempty"`
	BuyerPsychology    map[string]any `json:"buyer_psychology,omitempty"`
	ToolMapping        map[string]any `json:"tool_mapping,omitempty"`
	ArcValidation      map[string]any `json:"arc_validation,omitempty"`
	ReaderIntent       string         `json:"reader_intent,omitempty"`
	ResearchBundle     map[string]any `json:"research_bundle,omitempty"`

	RetryCounts  map[string]int `json:"retry_counts,omitempty"`
	HITLRequired *bool          `json:"hitl_required,omitempty"`
	HITLStage    string         `json:"hitl_stage,omitempty"`
	HITLReason   string         `json:"hitl_reason,omitempty"`
}

// Input implements Phase.
func (s *ResearchState) Input(state *PipelineState) map[string]any {
	s.TriggeredBy = state.TriggeredBy
	input := map[string]any{
		"run_id":       state.RunID,
		"triggered_by": state.TriggeredBy,
	}
	if state.TopicID != nil {
		input["topic_id"] = *state.TopicID
	}
	return input
}

// Absorb implements Phase.
func (s *ResearchState) Absorb(outcome retry.Outcome) {
	if doc := s.absorb(outcome); doc != nil {
		_ = json.Unmarshal(doc, s)
	}
	if s.RetryCounts == nil {
		s.RetryCounts = make(map[string]int)
	}
	s.RetryCounts[s.name] = max(outcome.Attempt-1, 0)
	if outcome.Status == retry.Paused {
		yes := true
		s.HITLRequired = &yes
		s.HITLStage = s.name
		s.HITLReason = outcome.Message
	}
}

// Result implements Phase. The bundle falls back to the whole research
// document when the agent does not assemble one.
func (s *ResearchState) Result() PhaseResult {
	bundle := s.ResearchBundle
	if bundle == nil {
		bundle = s.raw
	}
	meta := map[string]any{}
	if s.ReaderIntent != "" {
		meta["reader_intent"] = s.ReaderIntent
	}
	if title, ok := s.SelectedTopic["title"]; ok {
		meta["topic_title"] = title
	}
	if id, ok := s.SelectedTopic["id"]; ok {
		meta["topic_id"] = id
	}
	return s.result(bundle, meta)
}

// PlanningState is the working state of the planning phase.
type PlanningState struct {
	phaseCore `json:"-"`

	ResearchBundle map[string]any `json:"-"`
	ContentPlan    map[string]any `json:"content_plan,omitempty"`
	Outline        []any          `json:"outline,omitempty"`
}

// Input implements Phase.
func (s *PlanningState) Input(state *PipelineState) map[string]any {
	s.ResearchBundle = state.ResearchBundle
	return map[string]any{
		"research_bundle": state.ResearchBundle,
		"reader_intent":   state.ReaderIntent,
	}
}

// Absorb implements Phase.
func (s *PlanningState) Absorb(outcome retry.Outcome) {
	if doc := s.absorb(outcome); doc != nil {
		_ = json.Unmarshal(doc, s)
	}
}

// Result implements Phase.
func (s *PlanningState) Result() PhaseResult {
	plan := s.ContentPlan
	if plan == nil {
		plan = s.raw
	}
	return s.result(plan, nil)
}

// ContentState is the working state of the content generation phase.
type ContentState struct {
	phaseCore `json:"-"`

	ResearchBundle map[string]any `json:"-"`
	ContentPlan    map[string]any `json:"-"`
	Title          string         `json:"title,omitempty"`
	Body           string         `json:"body,omitempty"`
	WordCount      int            `json:"word_count,omitempty"`
	Article        map[string]any `json:"article,omitempty"`
}

// Input implements Phase.
func (s *ContentState) Input(state *PipelineState) map[string]any {
	s.ResearchBundle = state.ResearchBundle
	s.ContentPlan = state.ContentPlan
	return map[string]any{
		"research_bundle": state.ResearchBundle,
		"content_plan":    state.ContentPlan,
		"reader_intent":   state.ReaderIntent,
	}
}

// Absorb implements Phase.
func (s *ContentState) Absorb(outcome retry.Outcome) {
	if doc := s.absorb(outcome); doc != nil {
		_ = json.Unmarshal(doc, s)
	}
}

// Result implements Phase.
func (s *ContentState) Result() PhaseResult {
	article := s.Article
	if article == nil {
		article = s.raw
	}
	meta := map[string]any{}
	if s.Title != "" {
		meta["title"] = s.Title
	}
	if s.WordCount > 0 {
		meta["word_count"] = s.WordCount
	}
	return s.result(article, meta)
}

// MediaState is the working state of the media phase.
type MediaState struct {
	phaseCore `json:"-"`

	FeaturedImage map[string]any   `json:"featured_image,omitempty"`
	Images        []map[string]any `json:"images,omitempty"`
}

// Input implements Phase.
func (s *MediaState) Input(state *PipelineState) map[string]any {
	return map[string]any{"content": state.Content}
}

// Absorb implements Phase.
func (s *MediaState) Absorb(outcome retry.Outcome) {
	if doc := s.absorb(outcome); doc != nil {
		_ = json.Unmarshal(doc, s)
	}
}

// Result implements Phase.
func (s *MediaState) Result() PhaseResult {
	return s.result(s.raw, map[string]any{"images": len(s.Images)})
}

// PublishState is the working state of the publish phase.
type PublishState struct {
	phaseCore `json:"-"`

	PostID *int64 `json:"post_id,omitempty"`
	URL    string `json:"url,omitempty"`
}

// Input implements Phase. Media is optional since that phase may be skipped.
func (s *PublishState) Input(state *PipelineState) map[string]any {
	input := map[string]any{"content": state.Content}
	if state.Media != nil {
		input["media"] = state.Media
	}
	return input
}

// Absorb implements Phase.
func (s *PublishState) Absorb(outcome retry.Outcome) {
	if doc := s.absorb(outcome); doc != nil {
		_ = json.Unmarshal(doc, s)
	}
}

// Result implements Phase.
func (s *PublishState) Result() PhaseResult {
	meta := map[string]any{}
	if s.PostID != nil {
		meta["post_id"] = *s.PostID
	}
	if s.URL != "" {
		meta["url"] = s.URL
	}
	return s.result(s.raw, meta)
}
