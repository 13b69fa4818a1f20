package planner

import (
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/meircohen/openclaw/internal/logging"
	"github.com/meircohen/openclaw/internal/task"
)

// Config holds planner settings.
type Config struct {
	// APIPriceInPer1K and APIPriceOutPer1K are the default paid-API token
	// prices used for step cost estimates.
	APIPriceInPer1K  float64 `yaml:"api_price_in_per_1k"`
	APIPriceOutPer1K float64 `yaml:"api_price_out_per_1k"`

	// ApprovalThresholdUSD is the estimated API cost above which plans
	// require human approval before dispatch.
	ApprovalThresholdUSD float64 `yaml:"approval_threshold_usd"`
}

// DefaultConfig returns default planner settings.
func DefaultConfig() *Config {
	return &Config{
		APIPriceInPer1K:      0.015,
		APIPriceOutPer1K:     0.075,
		ApprovalThresholdUSD: DefaultApprovalThresholdUSD,
	}
}

// Planner is the rule-driven task decomposer.
type Planner struct {
	config *Config
	log    *slog.Logger
}

// New creates a Planner.
func New(config *Config) *Planner {
	if config == nil {
		config = DefaultConfig()
	}
	return &Planner{
		config: config,
		log:    logging.WithComponent("planner"),
	}
}

// Single-step thresholds: short, low-complexity tasks touching few files
// are not decomposed.
const (
	singleStepMaxChars      = 200
	singleStepMaxComplexity = 3
	singleStepMaxFiles      = 2
)

// Keyword patterns that trigger step emission, checked against the
// lowercased description.
var (
	fileOpsPattern   = regexp.MustCompile(`\b(organi[sz]e|move|copy|collect|gather) .*\bfiles?\b|\bfile[- ]ops?\b`)
	researchPattern  = regexp.MustCompile(`\b(research|investigate|look up|find out|search|explore)\b`)
	largeCtxPattern  = regexp.MustCompile(`\b(entire|whole|all files|codebase|repository|large)\b`)
	multiFilePattern = regexp.MustCompile(`\b(refactor|migrate|across|multiple files|multi-file|restructure)\b`)
	codePattern      = regexp.MustCompile(`\b(implement|code|function|fix|bug|endpoint|feature|script|build)\b`)
	analysisPattern  = regexp.MustCompile(`\b(analy[sz]e|analysis|audit|review|assess|evaluate|compare)\b`)
	testingPattern   = regexp.MustCompile(`\b(test|verify|validate|coverage)\b`)
	transformPattern = regexp.MustCompile(`\b(convert|format|transform|translate|extract|normali[sz]e)\b`)
	docsPattern      = regexp.MustCompile(`\b(document|documentation|readme|changelog|write.?up)\b`)
)

// Decompose turns a task into a plan. It cannot fail: every caller gets a
// valid plan with at least one step.
func (p *Planner) Decompose(t *task.Task) *Plan {
	plan := &Plan{
		ID:        newPlanID(),
		Task:      t,
		CreatedAt: time.Now(),
	}

	complexity := InferComplexity(t)
	desc := strings.ToLower(t.Description)

	if len(t.Description) < singleStepMaxChars &&
		complexity <= singleStepMaxComplexity &&
		len(t.Files) <= singleStepMaxFiles {
		plan.Steps = []*Step{p.singleStep(plan.ID, t, complexity, desc)}
		plan.finalize(p.approvalThreshold())
		return plan
	}

	plan.Steps = p.emitSteps(plan.ID, t, complexity, desc)
	plan.finalize(p.approvalThreshold())

	p.log.Debug("Decomposed task",
		slog.String("plan_id", plan.ID),
		slog.Int("steps", len(plan.Steps)),
		slog.Int("complexity", complexity),
	)

	return plan
}

// singleStep emits the one-step plan for small tasks.
func (p *Planner) singleStep(planID string, t *task.Task, complexity int, desc string) *Step {
	stepType := StepQuickCode
	switch {
	case transformPattern.MatchString(desc):
		stepType = StepTransform
	case docsPattern.MatchString(desc):
		stepType = StepDocs
	case analysisPattern.MatchString(desc):
		stepType = StepAnalysis
	case researchPattern.MatchString(desc):
		stepType = StepResearch
	case codePattern.MatchString(desc):
		stepType = StepQuickCode
	default:
		stepType = stepTypeForTask(t.Type)
	}

	s := &Step{
		ID:          stepID(planID, 0),
		Index:       0,
		Description: t.Description,
		Type:        stepType,
		Critical:    true,
	}
	s.Backend = p.backendForStep(s, t, complexity)
	p.estimateStep(s, t, complexity, len(t.Files))
	return s
}

// stepTypeForTask maps an explicit task type to a step type.
func stepTypeForTask(tt task.Type) StepType {
	switch tt {
	case task.TypeCode:
		return StepQuickCode
	case task.TypeAnalysis, task.TypeReview:
		return StepAnalysis
	case task.TypeResearch:
		return StepResearch
	case task.TypeDocs, task.TypeWriting:
		return StepDocs
	case task.TypeTesting:
		return StepTesting
	case task.TypeFileOps:
		return StepFileOps
	default:
		return StepQuickCode
	}
}

// emitSteps scans the description and emits steps in the canonical order:
// file-ops, research, preprocessing, multi-file code, quick code, analysis,
// testing, transforms, docs, synthesis.
func (p *Planner) emitSteps(planID string, t *task.Task, complexity int, desc string) []*Step {
	var steps []*Step

	add := func(stepType StepType, description string, critical, parallelizable bool, deps []string) *Step {
		s := &Step{
			ID:             stepID(planID, len(steps)),
			Index:          len(steps),
			Description:    description,
			Type:           stepType,
			Critical:       critical,
			Parallelizable: parallelizable,
			Dependencies:   deps,
		}
		s.Backend = p.backendForStep(s, t, complexity)
		steps = append(steps, s)
		return s
	}

	idsOfTypes := func(types ...StepType) []string {
		var ids []string
		for _, s := range steps {
			for _, st := range types {
				if s.Type == st {
					ids = append(ids, s.ID)
				}
			}
		}
		return ids
	}
	allIDs := func() []string {
		ids := make([]string, 0, len(steps))
		for _, s := range steps {
			ids = append(ids, s.ID)
		}
		return ids
	}
	criticalIDs := func() []string {
		var ids []string
		for _, s := range steps {
			if s.Critical {
				ids = append(ids, s.ID)
			}
		}
		return ids
	}

	hasFiles := len(t.Files) > 0

	if hasFiles || fileOpsPattern.MatchString(desc) {
		add(StepFileOps, "Collect and stage the input files", true, true, nil)
	}

	if researchPattern.MatchString(desc) || hasTool(t, "web") {
		add(StepResearch, "Research background and gather references", false, true, nil)
	}

	if largeCtxPattern.MatchString(desc) || len(t.Files) > 10 {
		add(StepPreprocessing, "Chunk large inputs into workable context windows", true, false,
			idsOfTypes(StepFileOps))
	}

	emittedCode := false
	if multiFilePattern.MatchString(desc) && codePattern.MatchString(desc) || len(t.Files) > singleStepMaxFiles && codePattern.MatchString(desc) {
		add(StepMultiFileCode, "Implement the coordinated changes across files", true, false,
			idsOfTypes(StepFileOps, StepResearch, StepPreprocessing))
		emittedCode = true
	} else if codePattern.MatchString(desc) {
		add(StepQuickCode, "Implement the requested change", true, false,
			idsOfTypes(StepFileOps, StepResearch, StepPreprocessing))
		emittedCode = true
	}

	if analysisPattern.MatchString(desc) {
		add(StepAnalysis, "Analyze the gathered material and produce findings", true, false, allIDs())
	}

	if testingPattern.MatchString(desc) && emittedCode {
		add(StepTesting, "Test and validate the implemented changes", false, false,
			idsOfTypes(StepMultiFileCode, StepQuickCode))
	}

	if transformPattern.MatchString(desc) {
		add(StepTransform, "Apply the requested format conversion", false, true, nil)
	}

	if docsPattern.MatchString(desc) {
		add(StepDocs, "Write up the documentation", false, false,
			idsOfTypes(StepMultiFileCode, StepQuickCode, StepAnalysis))
	}

	// Nothing matched: fall back to a single catch-all step.
	if len(steps) == 0 {
		s := add(stepTypeForTask(t.Type), t.Description, true, false, nil)
		p.estimateStep(s, t, complexity, len(t.Files))
		return steps
	}

	// A synthesis step closes every plan with two or more critical steps.
	if len(criticalIDs()) >= 2 {
		add(StepSynthesis, "Synthesize step outputs into the final deliverable", true, false, criticalIDs())
	}

	p.estimateSteps(steps, t, complexity)
	return steps
}

// backendForStep applies the fixed selection ladder.
func (p *Planner) backendForStep(s *Step, t *task.Task, complexity int) task.Backend {
	// Steps that exercise external tools go straight to the API family.
	if s.Type == StepResearch && len(t.ToolsNeeded) > 0 {
		return task.BackendAPI
	}

	switch s.Type {
	case StepMultiFileCode:
		return task.BackendClaudeCode
	case StepQuickCode, StepFileOps, StepTesting:
		return task.BackendCodex
	case StepAnalysis, StepResearch, StepSynthesis:
		if complexity >= 7 {
			return task.BackendAPI
		}
		return task.BackendClaudeCode
	case StepTransform, StepDocs, StepPreprocessing:
		return task.BackendLocal
	}

	switch {
	case complexity >= 7:
		return task.BackendClaudeCode
	case complexity >= 4:
		return task.BackendCodex
	default:
		return task.BackendLocal
	}
}

// approvalThreshold returns the configured approval threshold, defaulting
// when the config leaves it zero.
func (p *Planner) approvalThreshold() float64 {
	if p.config.ApprovalThresholdUSD > 0 {
		return p.config.ApprovalThresholdUSD
	}
	return DefaultApprovalThresholdUSD
}

// hasTool reports whether the task declares a capability tag.
func hasTool(t *task.Task, tag string) bool {
	for _, tool := range t.ToolsNeeded {
		if strings.EqualFold(tool, tag) {
			return true
		}
	}
	return false
}

// estimateSteps fills token, cost, and time estimates for every step.
func (p *Planner) estimateSteps(steps []*Step, t *task.Task, complexity int) {
	for _, s := range steps {
		p.estimateStep(s, t, complexity, len(t.Files))
	}
}

// estimateStep fills one step's estimates from the cost model. Every step
// re-reads the task context, so the full token formula applies per step.
func (p *Planner) estimateStep(s *Step, t *task.Task, complexity, files int) {
	s.EstimatedTokens = estimateTokens(len(t.Description), files)
	if s.Backend == task.BackendAPI {
		s.EstimatedCostUSD = apiCost(s.EstimatedTokens, p.config.APIPriceInPer1K, p.config.APIPriceOutPer1K)
	}
	s.EstimatedMinutes = estimateMinutes(s.Type, complexity)
}
