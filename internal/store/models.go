package store

import (
	"fmt"
	"strings"

	"github.com/kittclouds/researchstate/pkg/factvalue"
	"github.com/kittclouds/researchstate/pkg/novelty"
)

// =============================================================================
// Sessions
// =============================================================================

// ResearchType selects the depth of a research session.
type ResearchType string

const (
	ResearchDeep   ResearchType = "deep"
	ResearchQuick  ResearchType = "quick"
	ResearchCustom ResearchType = "custom"
)

func (t ResearchType) Valid() bool {
	switch t {
	case ResearchDeep, ResearchQuick, ResearchCustom:
		return true
	}
	return false
}

// SessionStatus is a session lifecycle state.
type SessionStatus string

const (
	SessionInitializing SessionStatus = "initializing"
	SessionPlanning     SessionStatus = "planning"
	SessionExecuting    SessionStatus = "executing"
	SessionSynthesizing SessionStatus = "synthesizing"
	SessionValidating   SessionStatus = "validating"
	SessionCompleted    SessionStatus = "completed"
	SessionFailed       SessionStatus = "failed"
)

// ParseSessionStatus accepts a status name in any case.
func ParseSessionStatus(s string) (SessionStatus, error) {
	st := SessionStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown session status %q", ErrInvalidArgument, s)
	}
	return st, nil
}

func (s SessionStatus) Valid() bool {
	return s.rank() >= 0
}

// Terminal reports whether the session accepts no further writes.
func (s SessionStatus) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed
}

func (s SessionStatus) rank() int {
	switch s {
	case SessionInitializing:
		return 0
	case SessionPlanning:
		return 1
	case SessionExecuting:
		return 2
	case SessionSynthesizing:
		return 3
	case SessionValidating:
		return 4
	case SessionCompleted, SessionFailed:
		return 5
	}
	return -1
}

// CanTransition reports whether a session may move from s to next. Forward
// moves (including skips) are allowed, FAILED is reachable from any
// non-terminal state, and staying in place is a no-op.
func (s SessionStatus) CanTransition(next SessionStatus) bool {
	if !next.Valid() {
		return false
	}
	if s == next {
		return true
	}
	if s.Terminal() {
		return false
	}
	if next == SessionFailed {
		return true
	}
	return next.rank() > s.rank()
}

// Session is one research run.
type Session struct {
	ID               string        `json:"id"`
	Topic            string        `json:"topic" validate:"required"`
	ResearchType     ResearchType  `json:"researchType"`
	Status           SessionStatus `json:"status"`
	StructuredPrompt string        `json:"structuredPrompt,omitempty"`
	ResearchPlan     string        `json:"researchPlan,omitempty"`
	OutputDirectory  string        `json:"outputDirectory,omitempty"`
	Metadata         Metadata      `json:"metadata,omitempty"`
	ErrorLog         string        `json:"errorLog,omitempty"`
	CreatedAt        int64         `json:"createdAt"`
	UpdatedAt        int64         `json:"updatedAt"`
	CompletedAt      *int64        `json:"completedAt,omitempty"`
}

// SessionPatch lists the fields UpdateSession may change. Nil fields are
// left alone; Metadata keys are merged into the existing map and a nil
// value deletes the key.
type SessionPatch struct {
	Topic            *string       `json:"topic,omitempty"`
	ResearchType     *ResearchType `json:"researchType,omitempty"`
	StructuredPrompt *string       `json:"structuredPrompt,omitempty"`
	ResearchPlan     *string       `json:"researchPlan,omitempty"`
	OutputDirectory  *string       `json:"outputDirectory,omitempty"`
	Metadata         Metadata      `json:"metadata,omitempty"`
}

// SessionStats is the cross-component summary of one session.
type SessionStats struct {
	Session             *Session              `json:"session"`
	Agents              *AgentStats           `json:"agents"`
	Nodes               map[NodeStatus]int    `json:"nodes"`
	Facts               int                   `json:"facts"`
	Entities            int                   `json:"entities"`
	Edges               int                   `json:"edges"`
	Citations           *CitationStats        `json:"citations"`
	UnresolvedConflicts int                   `json:"unresolvedConflicts"`
	Operations          map[OperationType]int `json:"operations"`
}

// =============================================================================
// Agents
// =============================================================================

// AgentStatus is an agent lifecycle state.
type AgentStatus string

const (
	AgentDeploying AgentStatus = "deploying"
	AgentRunning   AgentStatus = "running"
	AgentCompleted AgentStatus = "completed"
	AgentFailed    AgentStatus = "failed"
	AgentTimeout   AgentStatus = "timeout"
)

// ParseAgentStatus accepts a status name in any case.
func ParseAgentStatus(s string) (AgentStatus, error) {
	st := AgentStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown agent status %q", ErrInvalidArgument, s)
	}
	return st, nil
}

func (s AgentStatus) Valid() bool {
	switch s {
	case AgentDeploying, AgentRunning, AgentCompleted, AgentFailed, AgentTimeout:
		return true
	}
	return false
}

func (s AgentStatus) Terminal() bool {
	switch s {
	case AgentCompleted, AgentFailed, AgentTimeout:
		return true
	case AgentDeploying, AgentRunning:
		return false
	}
	return false
}

var agentTransitions = map[AgentStatus]map[AgentStatus]struct{}{
	AgentDeploying: {
		AgentRunning: {},
		AgentFailed:  {},
		AgentTimeout: {},
	},
	AgentRunning: {
		AgentCompleted: {},
		AgentFailed:    {},
		AgentTimeout:   {},
	},
}

// CanTransition reports whether an agent may move from s to next.
// Staying in place is a no-op.
func (s AgentStatus) CanTransition(next AgentStatus) bool {
	if s == next {
		return next.Valid()
	}
	_, ok := agentTransitions[s][next]
	return ok
}

// Agent is one research worker registered against a session.
type Agent struct {
	ID            string      `json:"id"`
	SessionID     string      `json:"sessionId" validate:"required"`
	AgentType     string      `json:"agentType" validate:"required"`
	Role          string      `json:"role,omitempty"`
	Status        AgentStatus `json:"status"`
	Focus         string      `json:"focus,omitempty"`
	SearchQueries []string    `json:"searchQueries,omitempty"`
	OutputFile    string      `json:"outputFile,omitempty"`
	TokenUsage    int64       `json:"tokenUsage"`
	ErrorMessage  string      `json:"errorMessage,omitempty"`
	Metadata      Metadata    `json:"metadata,omitempty"`
	CreatedAt     int64       `json:"createdAt"`
	UpdatedAt     int64       `json:"updatedAt"`
	CompletedAt   *int64      `json:"completedAt,omitempty"`
	LastHeartbeat int64       `json:"lastHeartbeat"`
}

// AgentPatch lists the fields UpdateAgent may change. TokenDelta is added
// to the running total.
type AgentPatch struct {
	Role          *string  `json:"role,omitempty"`
	Focus         *string  `json:"focus,omitempty"`
	SearchQueries []string `json:"searchQueries,omitempty"`
	OutputFile    *string  `json:"outputFile,omitempty"`
	TokenDelta    int64    `json:"tokenDelta,omitempty"`
	Metadata      Metadata `json:"metadata,omitempty"`
}

// AgentStats counts a session's agents per status.
type AgentStats struct {
	Total      int   `json:"total"`
	Deploying  int   `json:"deploying"`
	Running    int   `json:"running"`
	Completed  int   `json:"completed"`
	Failed     int   `json:"failed"`
	Timeout    int   `json:"timeout"`
	TokenUsage int64 `json:"tokenUsage"`
}

// SuccessRate is the completed share of agents that finished.
func (s *AgentStats) SuccessRate() float64 {
	finished := s.Completed + s.Failed + s.Timeout
	if finished == 0 {
		return 0
	}
	return float64(s.Completed) / float64(finished)
}

// =============================================================================
// Thought graph
// =============================================================================

type NodeType string

const (
	NodeRoot   NodeType = "root"
	NodeBranch NodeType = "branch"
	NodeLeaf   NodeType = "leaf"
)

func (t NodeType) Valid() bool {
	switch t {
	case NodeRoot, NodeBranch, NodeLeaf:
		return true
	}
	return false
}

type NodeStatus string

const (
	NodeActive        NodeStatus = "active"
	NodePruned        NodeStatus = "pruned"
	NodeAggregated    NodeStatus = "aggregated"
	NodeRefined       NodeStatus = "refined"
	NodeCircuitBroken NodeStatus = "circuit_broken"
)

func ParseNodeStatus(s string) (NodeStatus, error) {
	st := NodeStatus(strings.ToLower(strings.TrimSpace(s)))
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown node status %q", ErrInvalidArgument, s)
	}
	return st, nil
}

func (s NodeStatus) Valid() bool {
	switch s {
	case NodeActive, NodePruned, NodeAggregated, NodeRefined, NodeCircuitBroken:
		return true
	}
	return false
}

// Scored reports whether nodes in this status take part in traversal and
// scoring. Pruned nodes are kept only for audit.
func (s NodeStatus) Scored() bool {
	switch s {
	case NodeActive, NodeAggregated, NodeRefined, NodeCircuitBroken:
		return true
	case NodePruned:
		return false
	}
	return false
}

// MaxScore is the top of the quality score scale.
const MaxScore = 10.0

// ThoughtNode is one candidate research branch in the Graph of Thoughts.
type ThoughtNode struct {
	ID               string     `json:"id"`
	SessionID        string     `json:"sessionId"`
	ParentID         string     `json:"parentId,omitempty"`
	NodeType         NodeType   `json:"nodeType"`
	Content          string     `json:"content"`
	QualityScore     float64    `json:"qualityScore"`
	Depth            int        `json:"depth"`
	Status           NodeStatus `json:"status"`
	Summary          string     `json:"summary,omitempty"`
	CompressionRatio *float64   `json:"compressionRatio,omitempty"`
	Meta             NodeMeta   `json:"metadata"`
	Version          int64      `json:"version"`
	CreatedAt        int64      `json:"createdAt"`
	UpdatedAt        int64      `json:"updatedAt"`
}

// NodeInput describes a node to create. Depth < 0 derives the depth from
// the parent. An empty NodeType is inferred: root without a parent, branch
// otherwise.
type NodeInput struct {
	ID           string   `json:"id" validate:"required"`
	SessionID    string   `json:"sessionId" validate:"required"`
	ParentID     string   `json:"parentId,omitempty"`
	NodeType     NodeType `json:"nodeType,omitempty"`
	Content      string   `json:"content"`
	QualityScore float64  `json:"qualityScore" validate:"gte=0,lte=10"`
	Depth        int      `json:"depth"`
	Meta         NodeMeta `json:"metadata"`
}

// NodeUpdate lists the fields UpdateNode may change. ExpectVersion and
// RequireActive guard against writes based on a stale read.
type NodeUpdate struct {
	Content          *string     `json:"content,omitempty"`
	QualityScore     *float64    `json:"qualityScore,omitempty"`
	Status           *NodeStatus `json:"status,omitempty"`
	Summary          *string     `json:"summary,omitempty"`
	CompressionRatio *float64    `json:"compressionRatio,omitempty"`
	Metadata         Metadata    `json:"metadata,omitempty"`
	ExpectVersion    *int64      `json:"expectVersion,omitempty"`
	RequireActive    bool        `json:"requireActive,omitempty"`
}

// PruneResult reports a best-N selection.
type PruneResult struct {
	SessionID string   `json:"sessionId"`
	ParentID  string   `json:"parentId,omitempty"`
	Kept      []string `json:"kept"`
	Pruned    int      `json:"pruned"`
}

// Circuit break check outcomes.
const (
	BreakInsufficientData = "insufficient_data"
	BreakLowScores        = "consecutive_low_scores"
	BreakHealthy          = "healthy"
)

// BreakCheck is the result of CheckCircuitBreak.
type BreakCheck struct {
	NodeID      string   `json:"nodeId"`
	ShouldBreak bool     `json:"shouldBreak"`
	Reason      string   `json:"reason"`
	NodeIDs     []string `json:"nodeIds"`
	MeanScore   float64  `json:"meanScore"`
	Consecutive int      `json:"consecutiveThreshold"`
	Threshold   float64  `json:"scoreThreshold"`
}

// BreakResult is the result of ExecuteCircuitBreak.
type BreakResult struct {
	NodeID     string   `json:"nodeId"`
	Reason     string   `json:"reason"`
	DeletedIDs []string `json:"deletedIds"`
	BrokenAt   int64    `json:"brokenAt"`
}

// Budget is a node's exploration allowance after an extension.
type Budget struct {
	NodeID      string `json:"nodeId"`
	DepthBudget int    `json:"depthBudget"`
	TokenBudget int    `json:"tokenBudget"`
	Extensions  int    `json:"extensions"`
}

// EntropyResult is a novelty comparison between two node sets.
type EntropyResult struct {
	novelty.Result
	NewNodes      int `json:"newNodes"`
	ExistingNodes int `json:"existingNodes"`
}

// Branch health recommendations.
const (
	HealthContinueAndExtend = "continue_and_extend"
	HealthContinue          = "continue"
	HealthMonitor           = "monitor"
	HealthConsiderBreak     = "consider_circuit_break"
	HealthNoDescendants     = "insufficient_data"
)

// ScoreHistogram buckets descendant scores.
type ScoreHistogram struct {
	Excellent int `json:"excellent"` // >= 9
	Good      int `json:"good"`      // 7 - 8.9
	Fair      int `json:"fair"`      // 5 - 6.9
	Poor      int `json:"poor"`      // < 5
}

// BranchHealth aggregates the scores below a node.
type BranchHealth struct {
	NodeID         string         `json:"nodeId"`
	Descendants    int            `json:"descendants"`
	Average        float64        `json:"average"`
	Min            float64        `json:"min"`
	Max            float64        `json:"max"`
	Histogram      ScoreHistogram `json:"histogram"`
	Recommendation string         `json:"recommendation"`
}

// OperationType names an entry in the thought graph operation log.
type OperationType string

const (
	OpGenerate     OperationType = "generate"
	OpAggregate    OperationType = "aggregate"
	OpRefine       OperationType = "refine"
	OpScore        OperationType = "score"
	OpKeepBestN    OperationType = "keep_best_n"
	OpCircuitBreak OperationType = "circuit_break"
	OpExtendBudget OperationType = "extend_budget"
)

func (t OperationType) Valid() bool {
	switch t {
	case OpGenerate, OpAggregate, OpRefine, OpScore, OpKeepBestN, OpCircuitBreak, OpExtendBudget:
		return true
	}
	return false
}

// Operation is one logged thought graph operation.
type Operation struct {
	ID         int64         `json:"id"`
	SessionID  string        `json:"sessionId"`
	Type       OperationType `json:"operationType"`
	NodeIDs    []string      `json:"nodeIds"`
	Parameters Metadata      `json:"parameters,omitempty"`
	Result     Metadata      `json:"result,omitempty"`
	CreatedAt  int64         `json:"createdAt"`
}

// =============================================================================
// Fact ledger
// =============================================================================

// ValueType is the parsed kind of a fact value.
type ValueType = factvalue.Type

// Confidence is an ordinal extraction confidence.
type Confidence string

const (
	ConfidenceHigh   Confidence = "High"
	ConfidenceMedium Confidence = "Medium"
	ConfidenceLow    Confidence = "Low"
)

// ParseConfidence accepts a level in any case.
func ParseConfidence(s string) (Confidence, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high":
		return ConfidenceHigh, nil
	case "medium":
		return ConfidenceMedium, nil
	case "low":
		return ConfidenceLow, nil
	}
	return "", fmt.Errorf("%w: unknown confidence %q", ErrInvalidArgument, s)
}

// Rank orders levels High > Medium > Low; unknown levels rank 0.
func (c Confidence) Rank() int {
	switch c {
	case ConfidenceHigh:
		return 3
	case ConfidenceMedium:
		return 2
	case ConfidenceLow:
		return 1
	}
	return 0
}

// QualityGrade rates a source from A (best) to E.
type QualityGrade string

const (
	QualityA QualityGrade = "A"
	QualityB QualityGrade = "B"
	QualityC QualityGrade = "C"
	QualityD QualityGrade = "D"
	QualityE QualityGrade = "E"
)

func (q QualityGrade) Valid() bool {
	switch q {
	case QualityA, QualityB, QualityC, QualityD, QualityE:
		return true
	}
	return false
}

// Rank orders grades A > B > ... > E; ungraded sources rank 0.
func (q QualityGrade) Rank() int {
	switch q {
	case QualityA:
		return 5
	case QualityB:
		return 4
	case QualityC:
		return 3
	case QualityD:
		return 2
	case QualityE:
		return 1
	}
	return 0
}

// Source is one provenance record for a fact.
type Source struct {
	ID      int64        `json:"id,omitempty"`
	FactID  int64        `json:"factId,omitempty"`
	URL     string       `json:"url" validate:"required"`
	Title   string       `json:"title,omitempty"`
	Author  string       `json:"author,omitempty"`
	Date    string       `json:"date,omitempty"`
	Quality QualityGrade `json:"quality,omitempty" validate:"omitempty,grade"`
	Page    string       `json:"page,omitempty"`
	Excerpt string       `json:"excerpt,omitempty"`
}

// Fact is one atomic (entity, attribute, value) statement.
type Fact struct {
	ID           int64      `json:"id"`
	SessionID    string     `json:"sessionId"`
	AgentID      string     `json:"agentId,omitempty"`
	Entity       string     `json:"entity"`
	Attribute    string     `json:"attribute"`
	Value        string     `json:"value"`
	ValueType    ValueType  `json:"valueType"`
	ValueNumeric *float64   `json:"valueNumeric,omitempty"`
	Unit         string     `json:"unit,omitempty"`
	Confidence   Confidence `json:"confidence"`
	Context      string     `json:"context,omitempty"`
	CreatedAt    int64      `json:"createdAt"`
	Sources      []Source   `json:"sources,omitempty"`
}

// FactInput describes a fact to record. ValueType, ValueNumeric and Unit
// override the parsed values when set.
type FactInput struct {
	SessionID    string     `json:"sessionId" validate:"required"`
	AgentID      string     `json:"agentId,omitempty"`
	Entity       string     `json:"entity" validate:"required"`
	Attribute    string     `json:"attribute" validate:"required"`
	Value        string     `json:"value" validate:"required"`
	ValueType    ValueType  `json:"valueType,omitempty"`
	ValueNumeric *float64   `json:"valueNumeric,omitempty"`
	Unit         string     `json:"unit,omitempty"`
	Confidence   Confidence `json:"confidence,omitempty" validate:"omitempty,oneof=High Medium Low"`
	Context      string     `json:"context,omitempty"`
	Sources      []Source   `json:"sources,omitempty" validate:"dive"`
}

// FactQuery filters QueryFacts. Entity and Attribute match substrings.
type FactQuery struct {
	SessionID     string     `json:"sessionId"`
	Entity        string     `json:"entity,omitempty"`
	Attribute     string     `json:"attribute,omitempty"`
	MinConfidence Confidence `json:"minConfidence,omitempty"`
	ValueType     ValueType  `json:"valueType,omitempty"`
	Limit         int        `json:"limit,omitempty"`
}

// DefaultFactLimit caps QueryFacts when no limit is given.
const DefaultFactLimit = 100

type ConflictType string

const (
	ConflictNumerical      ConflictType = "numerical"
	ConflictTemporal       ConflictType = "temporal"
	ConflictScope          ConflictType = "scope"
	ConflictMethodological ConflictType = "methodological"
)

type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityModerate Severity = "moderate"
	SeverityMinor    Severity = "minor"
)

// Rank orders severities critical > moderate > minor.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityModerate:
		return 2
	case SeverityMinor:
		return 1
	}
	return 0
}

// Conflict groups facts that disagree on one (entity, attribute).
type Conflict struct {
	ID             int64        `json:"id"`
	SessionID      string       `json:"sessionId"`
	Entity         string       `json:"entity"`
	Attribute      string       `json:"attribute"`
	Type           ConflictType `json:"conflictType"`
	Severity       Severity     `json:"severity"`
	FactIDs        []int64      `json:"factIds"`
	Values         []string     `json:"values"`
	Spread         *float64     `json:"spread,omitempty"`
	Resolution     string       `json:"resolution,omitempty"`
	ResolvedFactID *int64       `json:"resolvedFactId,omitempty"`
	ResolvedAt     *int64       `json:"resolvedAt,omitempty"`
	DetectedAt     int64        `json:"detectedAt"`
	UpdatedAt      int64        `json:"updatedAt"`
}

// Resolved reports whether a resolution has been recorded.
func (c *Conflict) Resolved() bool {
	return c.ResolvedAt != nil
}

// ConflictPolicy selects how ApplyConflictPolicy resolves open conflicts.
type ConflictPolicy string

const (
	PolicyManual            ConflictPolicy = "manual"
	PolicyHighestConfidence ConflictPolicy = "highest_confidence"
	PolicyBestSource        ConflictPolicy = "best_source"
	PolicyMostRecent        ConflictPolicy = "most_recent"
)

func ParseConflictPolicy(s string) (ConflictPolicy, error) {
	p := ConflictPolicy(strings.ToLower(strings.TrimSpace(s)))
	if p == "" {
		return PolicyManual, nil
	}
	if !p.Valid() {
		return "", fmt.Errorf("%w: unknown conflict policy %q", ErrInvalidArgument, s)
	}
	return p, nil
}

func (p ConflictPolicy) Valid() bool {
	switch p {
	case PolicyManual, PolicyHighestConfidence, PolicyBestSource, PolicyMostRecent:
		return true
	}
	return false
}

// StatRow is one line of the key statistics table.
type StatRow struct {
	Entity    string       `json:"entity"`
	Attribute string       `json:"attribute"`
	Value     string       `json:"value"`
	Source    string       `json:"source"`
	Quality   QualityGrade `json:"quality,omitempty"`
}

// StatisticsTable summarizes a session's fact ledger.
type StatisticsTable struct {
	SessionID           string    `json:"sessionId"`
	Total               int       `json:"total"`
	HighConfidence      int       `json:"highConfidence"`
	MediumConfidence    int       `json:"mediumConfidence"`
	LowConfidence       int       `json:"lowConfidence"`
	UnresolvedConflicts int       `json:"unresolvedConflicts"`
	Rows                []StatRow `json:"statistics"`
}

// =============================================================================
// Entity graph
// =============================================================================

// Entity is a canonical named thing within a session.
type Entity struct {
	ID           int64    `json:"id"`
	SessionID    string   `json:"sessionId"`
	Name         string   `json:"name"`
	Type         string   `json:"type,omitempty"`
	Description  string   `json:"description,omitempty"`
	MentionCount int      `json:"mentionCount"`
	Aliases      []string `json:"aliases,omitempty"`
	Metadata     Metadata `json:"metadata,omitempty"`
	CreatedAt    int64    `json:"createdAt"`
	UpdatedAt    int64    `json:"updatedAt"`
}

// EntityInput describes an entity to create or look up.
type EntityInput struct {
	SessionID   string   `json:"sessionId" validate:"required"`
	Name        string   `json:"name" validate:"required"`
	Type        string   `json:"type,omitempty"`
	Description string   `json:"description,omitempty"`
	Metadata    Metadata `json:"metadata,omitempty"`
}

// Edge is a directed, typed relation between two entities.
type Edge struct {
	ID           int64   `json:"id"`
	SessionID    string  `json:"sessionId"`
	SourceID     int64   `json:"sourceId"`
	TargetID     int64   `json:"targetId"`
	SourceName   string  `json:"source,omitempty"`
	TargetName   string  `json:"target,omitempty"`
	RelationType string  `json:"relationType"`
	Confidence   float64 `json:"confidence"`
	Evidence     string  `json:"evidence,omitempty"`
	SourceURL    string  `json:"sourceUrl,omitempty"`
	CreatedAt    int64   `json:"createdAt"`
}

// EdgeInput describes an edge to create.
type EdgeInput struct {
	SessionID    string  `json:"sessionId" validate:"required"`
	SourceID     int64   `json:"sourceId" validate:"required"`
	TargetID     int64   `json:"targetId" validate:"required,nefield=SourceID"`
	RelationType string  `json:"relationType" validate:"required"`
	Confidence   float64 `json:"confidence" validate:"gte=0,lte=1"`
	Evidence     string  `json:"evidence,omitempty"`
	SourceURL    string  `json:"sourceUrl,omitempty"`
}

// DefaultRelation is used when an imported edge names no relation.
const DefaultRelation = "related_to"

// Direction selects which edges GetRelated follows.
type Direction string

const (
	DirectionOutgoing Direction = "outgoing"
	DirectionIncoming Direction = "incoming"
	DirectionBoth     Direction = "both"
)

func (d Direction) Valid() bool {
	switch d {
	case DirectionOutgoing, DirectionIncoming, DirectionBoth:
		return true
	}
	return false
}

// MaxTraversalDepth bounds GetRelated.
const MaxTraversalDepth = 6

// RelatedQuery filters GetRelated.
type RelatedQuery struct {
	RelationType string    `json:"relationType,omitempty"`
	Direction    Direction `json:"direction,omitempty"`
	Depth        int       `json:"depth,omitempty"`
}

// Related is an entity reached by traversal, with the relation path taken.
type Related struct {
	Entity       *Entity   `json:"entity"`
	RelationType string    `json:"relationType"`
	Direction    Direction `json:"direction"`
	Confidence   float64   `json:"confidence"`
	Depth        int       `json:"depth"`
	Path         []string  `json:"path"`
}

// MaxCooccurrenceSnippets bounds the context kept per entity pair.
const MaxCooccurrenceSnippets = 10

// Cooccurrence counts how often two entities appear together.
type Cooccurrence struct {
	EntityAID int64    `json:"entityAId"`
	EntityBID int64    `json:"entityBId"`
	EntityA   string   `json:"entityA"`
	EntityB   string   `json:"entityB"`
	Count     int      `json:"count"`
	Snippets  []string `json:"snippets"`
	UpdatedAt int64    `json:"updatedAt"`
}

// ExportFormat selects an entity graph rendering.
type ExportFormat string

const (
	FormatJSON     ExportFormat = "json"
	FormatDOT      ExportFormat = "dot"
	FormatMarkdown ExportFormat = "markdown"
)

func ParseExportFormat(s string) (ExportFormat, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "json", "":
		return FormatJSON, nil
	case "dot", "graphviz":
		return FormatDOT, nil
	case "markdown", "md":
		return FormatMarkdown, nil
	}
	return "", fmt.Errorf("%w: unknown export format %q", ErrInvalidArgument, s)
}

// EntityBatch is a bulk entity import: entities with aliases, then edges
// that refer to entities by name.
type EntityBatch struct {
	Entities []BatchEntity `json:"entities"`
	Edges    []BatchEdge   `json:"edges"`
}

type BatchEntity struct {
	Name        string   `json:"name"`
	Type        string   `json:"type,omitempty"`
	Description string   `json:"description,omitempty"`
	Aliases     []string `json:"aliases,omitempty"`
}

type BatchEdge struct {
	Source     string   `json:"source"`
	Target     string   `json:"target"`
	Relation   string   `json:"relation,omitempty"`
	Confidence *float64 `json:"confidence,omitempty"`
	Evidence   string   `json:"evidence,omitempty"`
	SourceURL  string   `json:"sourceUrl,omitempty"`
}

// =============================================================================
// Citations
// =============================================================================

// Citation links a claim in the research output to its source.
type Citation struct {
	ID            int64        `json:"id"`
	SessionID     string       `json:"sessionId" validate:"required"`
	Claim         string       `json:"claim" validate:"required"`
	AgentID       string       `json:"agentId,omitempty"`
	Author        string       `json:"author,omitempty"`
	Date          string       `json:"date,omitempty"`
	Title         string       `json:"title,omitempty"`
	URL           string       `json:"url,omitempty"`
	Pages         string       `json:"pages,omitempty"`
	Quality       QualityGrade `json:"quality,omitempty" validate:"omitempty,grade"`
	URLAccessible bool         `json:"urlAccessible"`
	Complete      bool         `json:"complete"`
	CreatedAt     int64        `json:"createdAt"`
	UpdatedAt     int64        `json:"updatedAt"`
}

// CitationStats counts a session's citations.
type CitationStats struct {
	Total      int `json:"total"`
	Complete   int `json:"complete"`
	Accessible int `json:"accessible"`
	QualityA   int `json:"qualityA"`
	QualityB   int `json:"qualityB"`
	QualityC   int `json:"qualityC"`
	QualityD   int `json:"qualityD"`
	QualityE   int `json:"qualityE"`
}

// =============================================================================
// Batch results
// =============================================================================

// ItemError records why one batch item was rejected.
type ItemError struct {
	Index int    `json:"index"`
	Kind  string `json:"kind"`
	Error string `json:"error"`
}

// BatchResult summarizes a bulk import. Items that fail are reported in
// Errors; the rest are committed.
type BatchResult struct {
	Total   int         `json:"total"`
	Created int         `json:"created"`
	Aliases int         `json:"aliases,omitempty"`
	Edges   int         `json:"edges,omitempty"`
	Errors  []ItemError `json:"errors"`
}

func (r *BatchResult) fail(index int, kind string, err error) {
	r.Errors = append(r.Errors, ItemError{Index: index, Kind: kind, Error: err.Error()})
}
