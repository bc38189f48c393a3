package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"

	"github.com/comicbot/dailycomic/pkg/model"
)

// Client binds the invoker to the two pipeline roles. It produces exactly one
// typed artifact per invocation and never touches shared run state.
type Client struct {
	invoker *Invoker
	logger  zerolog.Logger
}

// NewClient creates a role-aware agent client.
func NewClient(provider LLMProvider, cfg InvokerConfig, logger zerolog.Logger) *Client {
	return &Client{
		invoker: NewInvoker(provider, cfg, logger),
		logger:  logger.With().Str("component", "agent").Logger(),
	}
}

// GenerateCandidate invokes one writer identity for a topic and returns its
// submitted artifact.
func (c *Client) GenerateCandidate(ctx context.Context, identity Identity, topic model.Topic, kind model.ArtifactKind) (model.Candidate, error) {
	role := RoleWriter
	if kind == model.KindJoke {
		role = RoleJokeWriter
	}

	inv, err := c.writerInvocation(identity, role, topic)
	if err != nil {
		return model.Candidate{}, err
	}

	payload, err := c.invoker.Invoke(ctx, inv)
	if err != nil {
		return model.Candidate{}, err
	}

	candidate := model.Candidate{
		ID:         fmt.Sprintf("%s_%s", identity.ID, gonanoid.Must(8)),
		WriterID:   identity.ID,
		WriterName: identity.Name,
		Kind:       kind,
		Status:     model.CandidateSubmitted,
		CreatedAt:  time.Now(),
	}

	if kind == model.KindJoke {
		var joke model.JokePayload
		if err := json.Unmarshal(payload, &joke); err != nil {
			return model.Candidate{}, &InvocationError{Identity: identity.ID, Kind: FailureSchemaInvalid, Err: err}
		}
		candidate.Joke = &joke
	} else {
		var script model.ScriptPayload
		if err := json.Unmarshal(payload, &script); err != nil {
			return model.Candidate{}, &InvocationError{Identity: identity.ID, Kind: FailureSchemaInvalid, Err: err}
		}
		candidate.Script = &script
	}

	return candidate, nil
}

// EvaluateCandidate invokes one judge identity for one candidate and returns
// its submitted evaluation. The judge sees the identical topic text the
// writers saw.
func (c *Client) EvaluateCandidate(ctx context.Context, identity Identity, topic model.Topic, candidate model.Candidate) (model.Evaluation, error) {
	inv, err := c.judgeInvocation(identity, topic, candidate)
	if err != nil {
		return model.Evaluation{}, err
	}

	payload, err := c.invoker.Invoke(ctx, inv)
	if err != nil {
		return model.Evaluation{}, err
	}

	var eval model.Evaluation
	if err := json.Unmarshal(payload, &eval); err != nil {
		return model.Evaluation{}, &InvocationError{Identity: identity.ID, Kind: FailureSchemaInvalid, Err: err}
	}
	eval.JudgeID = identity.ID
	eval.JudgeName = identity.Name
	eval.CandidateID = candidate.ID
	eval.CreatedAt = time.Now()

	return eval, nil
}

func (c *Client) writerInvocation(identity Identity, role Role, topic model.Topic) (Invocation, error) {
	schema, err := SchemaForRole(role)
	if err != nil {
		return Invocation{}, err
	}

	terminalName := "submit_script"
	argKey := "script"
	payloadDesc := "The finished comic script with title, description, exactly four panels, and caption."
	if role == RoleJokeWriter {
		terminalName = "submit_joke"
		argKey = "joke"
		payloadDesc = "The finished joke with title and content."
	}

	return Invocation{
		Identity:     identity,
		Role:         role,
		SystemPrompt: writerSystemPrompt(identity, role),
		Prompt: fmt.Sprintf(
			"Today's topic (%s):\n%s\n\n%s\n\nWrite your piece and submit it with %s.",
			topic.Date, topic.Title, topic.Content, terminalName,
		),
		SideFuncs: map[string]SideFunc{
			"get_topic_details": topicLookup(topic),
		},
		SideTools: []ToolDef{topicDetailsTool()},
		Terminal: Terminal{
			Name:   terminalName,
			ArgKey: argKey,
			Schema: schema,
			Tool: ToolDef{
				Name:        terminalName,
				Description: "Submit the finished artifact. Call exactly once with the complete result.",
				Parameters: map[string]interface{}{
					"type":     "object",
					"required": []string{argKey},
					"properties": map[string]interface{}{
						argKey: map[string]interface{}{
							"type":        "object",
							"description": payloadDesc,
						},
					},
				},
			},
		},
	}, nil
}

func (c *Client) judgeInvocation(identity Identity, topic model.Topic, candidate model.Candidate) (Invocation, error) {
	schema, err := SchemaForRole(RoleJudge)
	if err != nil {
		return Invocation{}, err
	}

	candidateJSON, err := json.MarshalIndent(candidateView(candidate), "", "  ")
	if err != nil {
		return Invocation{}, fmt.Errorf("failed to encode candidate for review: %w", err)
	}

	rubric := ""
	for _, criterion := range model.Criteria {
		rubric += fmt.Sprintf("- %s: 0..%d\n", criterion.Name, criterion.Max)
	}

	return Invocation{
		Identity:     identity,
		Role:         RoleJudge,
		SystemPrompt: judgeSystemPrompt(identity),
		Prompt: fmt.Sprintf(
			"Today's topic (%s):\n%s\n%s\n\nCandidate %s under review:\n%s\n\nScore every criterion:\n%s"+
				"The total_score must equal the sum of the sub-scores. Submit with submit_evaluation.",
			topic.Date, topic.Title, topic.Content, candidate.ID, candidateJSON, rubric,
		),
		SideFuncs: map[string]SideFunc{
			"get_topic_details":     topicLookup(topic),
			"get_candidate_details": candidateLookup(candidate),
		},
		SideTools: []ToolDef{topicDetailsTool(), candidateDetailsTool()},
		Terminal: Terminal{
			Name:   "submit_evaluation",
			ArgKey: "evaluation",
			Schema: schema,
			Tool: ToolDef{
				Name:        "submit_evaluation",
				Description: "Submit the finished evaluation. Call exactly once with all sub-scores, comments, and the total.",
				Parameters: map[string]interface{}{
					"type":     "object",
					"required": []string{"evaluation"},
					"properties": map[string]interface{}{
						"evaluation": map[string]interface{}{
							"type":        "object",
							"description": "Scores per criterion, per-criterion comments, total_score, and overall commentary.",
						},
					},
				},
			},
		},
	}, nil
}

func writerSystemPrompt(identity Identity, role Role) string {
	artifact := "a four-panel comic script"
	if role == RoleJokeWriter {
		artifact = "a short joke"
	}
	return fmt.Sprintf("You are %s, %s. Write %s about today's topic in your own voice.",
		identity.Name, identity.Description, artifact)
}

func judgeSystemPrompt(identity Identity) string {
	return fmt.Sprintf("You are %s, %s, serving on the jury. Score the candidate strictly against the rubric.",
		identity.Name, identity.Description)
}

func topicLookup(topic model.Topic) SideFunc {
	return func(_ context.Context, _ map[string]interface{}) (interface{}, error) {
		return map[string]interface{}{
			"date":    topic.Date,
			"title":   topic.Title,
			"content": topic.Content,
		}, nil
	}
}

func candidateLookup(candidate model.Candidate) SideFunc {
	return func(_ context.Context, args map[string]interface{}) (interface{}, error) {
		if id, ok := args["candidate_id"].(string); ok && id != "" && id != candidate.ID {
			return nil, fmt.Errorf("candidate not available for review: %s", id)
		}
		return candidateView(candidate), nil
	}
}

func candidateView(candidate model.Candidate) map[string]interface{} {
	view := map[string]interface{}{
		"candidate_id": candidate.ID,
	}
	if candidate.Script != nil {
		view["script"] = candidate.Script
	}
	if candidate.Joke != nil {
		view["joke"] = candidate.Joke
	}
	return view
}

func topicDetailsTool() ToolDef {
	return ToolDef{
		Name:        "get_topic_details",
		Description: "Look up the full text of today's topic.",
		Parameters: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"date": map[string]interface{}{
					"type":        "string",
					"description": "Date in YYYY-MM-DD format. Defaults to today.",
				},
			},
		},
	}
}

func candidateDetailsTool() ToolDef {
	return ToolDef{
		Name:        "get_candidate_details",
		Description: "Look up the full payload of the candidate under review.",
		Parameters: map[string]interface{}{
			"type":     "object",
			"required": []string{"candidate_id"},
			"properties": map[string]interface{}{
				"candidate_id": map[string]interface{}{
					"type":        "string",
					"description": "Identifier of the candidate.",
				},
			},
		},
	}
}
