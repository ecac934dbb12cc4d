// Package operations registers the built-in operation handlers. Handlers
// talk to the content domain through the story store and to the active model
// provider through the ports.ModelClient seam; everything they do is visible
// through command snapshots (steps) and the operation log.
package operations

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/storyforge/storyforge/internal/common/logger"
	"github.com/storyforge/storyforge/internal/dispatch"
	"github.com/storyforge/storyforge/internal/oplog"
	"github.com/storyforge/storyforge/internal/ports"
	"github.com/storyforge/storyforge/internal/usage"
)

// Operation names registered by this package.
const (
	OpReviseStory        = "revise_story"
	OpEvaluateStory      = "evaluate_story"
	OpAutoDeleteLowRated = "auto_delete_low_rated"
	OpUpdateModelStats   = "update_model_stats"
	OpMemoryEmbedding    = "memory_embedding_worker"
	OpTransformStory     = "TransformStoryRawToTagged"
	OpWriteEpisode       = "write_episode"
)

// Progress receives step updates for a running command.
type Progress interface {
	UpdateStep(runID string, current, max int, description string)
}

// Maintenance is the write-side slice of the story store the handlers use.
type Maintenance interface {
	NextRevisionCandidate(ctx context.Context) (int64, bool, error)
	NextUnevaluatedRevision(ctx context.Context) (int64, bool, error)
	GetStoryText(ctx context.Context, id int64) (raw, tagged string, revised bool, err error)
	SaveRevision(ctx context.Context, id int64, text string) error
	SaveTaggedText(ctx context.Context, id int64, text string) error
	RecordEvaluation(ctx context.Context, storyID int64, rating float64, evaluatedRevision bool) error
	AppendEpisode(ctx context.Context, seriesID int64, writerAgent, title, text string) (int64, error)
	DeleteLowRatedStories(ctx context.Context) (int, error)
	RefreshWriterScores(ctx context.Context) (int, error)
}

// Embedder processes the embedding backlog. Implementations live with the
// content services next to their vector store.
type Embedder interface {
	// EmbedPending embeds up to limit pending stories and returns how many
	// it processed. Zero means the backlog is drained.
	EmbedPending(ctx context.Context, limit int) (int, error)
}

// Pricing converts token counts into micro-USD for one model. Nil means
// everything is free (local providers).
type Pricing func(model string, promptTokens, completionTokens int64) int64

// Deps carries the collaborators the handlers need. Model, Embedder and
// Pricing may be nil; affected operations then fail semantically instead of
// erroring, so retry policies stay meaningful.
type Deps struct {
	Store       ports.StoryStore
	Maintenance Maintenance
	Model       ports.ModelClient
	// ModelName returns the active model identifier, "" when none.
	ModelName func() string
	Embedder  Embedder
	Pricing   Pricing
	Usage     *usage.Accountant
	OpLog     *oplog.Buffer
	Progress  Progress
	Logger    *logger.Logger
}

const embeddingBatchSize = 16

type ops struct {
	deps   Deps
	logger *logger.Logger
}

// RegisterAll registers every built-in operation on the registry.
func RegisterAll(r *dispatch.Registry, deps Deps) {
	o := &ops{deps: deps, logger: deps.Logger.WithFields(zap.String("component", "operations"))}

	r.Register(OpReviseStory, o.factory(o.reviseStory))
	r.Register(OpEvaluateStory, o.factory(o.evaluateStory))
	r.Register(OpAutoDeleteLowRated, o.factory(o.autoDeleteLowRated))
	r.Register(OpUpdateModelStats, o.factory(o.updateModelStats))
	r.Register(OpMemoryEmbedding, o.factory(o.memoryEmbedding))
	r.Register(OpTransformStory, o.factory(o.transformStory))
	r.Register(OpWriteEpisode, o.factory(o.writeEpisode))
}

func (o *ops) factory(h dispatch.Handler) dispatch.HandlerFactory {
	return func(metadata map[string]string) dispatch.Handler {
		return h
	}
}

func (o *ops) step(cmd *dispatch.Context, current, max int, description string) {
	if o.deps.Progress != nil {
		o.deps.Progress.UpdateStep(cmd.RunID, current, max, description)
	}
}

// callModel runs one model round-trip with budget admission, prompt/response
// logging and usage accounting. A nil response with a non-zero Result is a
// semantic failure the caller should return as-is; a returned error is the
// exception path (retryable per policy).
func (o *ops) callModel(ctx context.Context, cmd *dispatch.Context, req ports.ModelRequest) (*ports.ModelResponse, dispatch.Result, error) {
	if o.deps.Model == nil {
		return nil, dispatch.Result{Success: false, Message: "no model provider configured"}, nil
	}
	if req.Model == "" {
		req.Model = cmd.Metadata[dispatch.MetadataModel]
	}
	if req.Model == "" && o.deps.ModelName != nil {
		req.Model = o.deps.ModelName()
	}
	if req.Model == "" {
		return nil, dispatch.Result{Success: false, Message: "no model selected"}, nil
	}

	if o.deps.Usage != nil {
		ok, err := o.deps.Usage.Allowed(ctx)
		if err != nil {
			return nil, dispatch.Result{}, fmt.Errorf("budget check failed: %w", err)
		}
		if !ok {
			return nil, dispatch.Result{Success: false, Message: "monthly model budget exhausted"}, nil
		}
	}

	if o.deps.OpLog != nil {
		o.deps.OpLog.LogPrompt(ctx, req.Messages)
	}

	resp, err := o.deps.Model.Call(ctx, req)
	if err != nil {
		if errors.Is(err, ports.ErrToolUnsupported) {
			if markErr := o.deps.Store.MarkModelToolUnsupported(ctx, req.Model); markErr != nil {
				o.logger.Warn("failed to flag tool-unsupported model",
					zap.String("model", req.Model), zap.Error(markErr))
			}
			return nil, dispatch.Result{Success: false, Message: "model rejected tool calls: " + req.Model}, nil
		}
		return nil, dispatch.Result{}, fmt.Errorf("model call failed: %w", err)
	}

	if o.deps.OpLog != nil {
		o.deps.OpLog.LogResponse(ctx, resp.Message)
	}
	if o.deps.Usage != nil {
		var cost int64
		if o.deps.Pricing != nil {
			cost = o.deps.Pricing(req.Model, resp.PromptTokens, resp.CompletionTokens)
		}
		if err := o.deps.Usage.RecordRequest(ctx, req.Model, resp.PromptTokens, resp.CompletionTokens, cost); err != nil {
			o.logger.Warn("failed to record token usage", zap.String("model", req.Model), zap.Error(err))
		}
	}
	return resp, dispatch.Result{}, nil
}

// storyID resolves the target story: explicit metadata first, then the
// backlog picker.
func (o *ops) storyID(ctx context.Context, cmd *dispatch.Context, pick func(context.Context) (int64, bool, error)) (int64, bool, error) {
	if raw := cmd.Metadata[dispatch.MetadataStoryID]; raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, false, fmt.Errorf("invalid storyId %q: %w", raw, err)
		}
		return id, true, nil
	}
	if pick == nil {
		return 0, false, nil
	}
	return pick(ctx)
}

func (o *ops) reviseStory(ctx context.Context, cmd *dispatch.Context) (dispatch.Result, error) {
	o.step(cmd, 1, 3, "selecting story")
	id, ok, err := o.storyID(ctx, cmd, o.deps.Maintenance.NextRevisionCandidate)
	if err != nil {
		return dispatch.Result{}, err
	}
	if !ok {
		return dispatch.Result{Success: true, Message: "no revision candidates"}, nil
	}
	raw, _, _, err := o.deps.Maintenance.GetStoryText(ctx, id)
	if err != nil {
		return dispatch.Result{}, err
	}

	o.step(cmd, 2, 3, "revising")
	resp, res, err := o.callModel(ctx, cmd, ports.ModelRequest{
		Messages: []ports.ChatMessage{
			{Role: "system", Content: "You are an editor. Revise the story for clarity, pacing and grammar. Return only the revised story."},
			{Role: "user", Content: raw},
		},
	})
	if err != nil || resp == nil {
		return res, err
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return dispatch.Result{Success: false, Message: "model returned an empty revision"}, nil
	}

	o.step(cmd, 3, 3, "saving revision")
	if err := o.deps.Maintenance.SaveRevision(ctx, id, resp.Message.Content); err != nil {
		return dispatch.Result{}, err
	}
	return dispatch.Result{Success: true, Message: fmt.Sprintf("story %d revised", id)}, nil
}

func (o *ops) evaluateStory(ctx context.Context, cmd *dispatch.Context) (dispatch.Result, error) {
	o.step(cmd, 1, 3, "selecting story")
	id, ok, err := o.storyID(ctx, cmd, o.deps.Maintenance.NextUnevaluatedRevision)
	if err != nil {
		return dispatch.Result{}, err
	}
	if !ok {
		return dispatch.Result{Success: true, Message: "no stories awaiting evaluation"}, nil
	}
	raw, _, revised, err := o.deps.Maintenance.GetStoryText(ctx, id)
	if err != nil {
		return dispatch.Result{}, err
	}

	o.step(cmd, 2, 3, "evaluating")
	resp, res, err := o.callModel(ctx, cmd, ports.ModelRequest{
		Messages: []ports.ChatMessage{
			{Role: "system", Content: "You are a literary critic. Rate the story from 0 to 100. Respond with the number only."},
			{Role: "user", Content: raw},
		},
	})
	if err != nil || resp == nil {
		return res, err
	}
	rating, err := parseRating(resp.Message.Content)
	if err != nil {
		return dispatch.Result{Success: false, Message: err.Error()}, nil
	}

	o.step(cmd, 3, 3, "recording evaluation")
	if err := o.deps.Maintenance.RecordEvaluation(ctx, id, rating, revised); err != nil {
		return dispatch.Result{}, err
	}
	return dispatch.Result{Success: true, Message: fmt.Sprintf("story %d rated %.1f", id, rating)}, nil
}

func (o *ops) transformStory(ctx context.Context, cmd *dispatch.Context) (dispatch.Result, error) {
	o.step(cmd, 1, 3, "loading story")
	id, ok, err := o.storyID(ctx, cmd, nil)
	if err != nil {
		return dispatch.Result{}, err
	}
	if !ok {
		return dispatch.Result{Success: false, Message: "storyId metadata required"}, nil
	}
	raw, tagged, _, err := o.deps.Maintenance.GetStoryText(ctx, id)
	if err != nil {
		return dispatch.Result{}, err
	}
	if tagged != "" {
		return dispatch.Result{Success: true, Message: fmt.Sprintf("story %d already tagged", id)}, nil
	}

	o.step(cmd, 2, 3, "tagging")
	resp, res, err := o.callModel(ctx, cmd, ports.ModelRequest{
		Messages: []ports.ChatMessage{
			{Role: "system", Content: "Convert the raw story into the tagged markup format, preserving the text verbatim inside the tags."},
			{Role: "user", Content: raw},
		},
	})
	if err != nil || resp == nil {
		return res, err
	}
	if strings.TrimSpace(resp.Message.Content) == "" {
		return dispatch.Result{Success: false, Message: "model returned empty tagged text"}, nil
	}

	o.step(cmd, 3, 3, "saving tagged text")
	if err := o.deps.Maintenance.SaveTaggedText(ctx, id, resp.Message.Content); err != nil {
		return dispatch.Result{}, err
	}
	return dispatch.Result{Success: true, Message: fmt.Sprintf("story %d tagged", id)}, nil
}

func (o *ops) writeEpisode(ctx context.Context, cmd *dispatch.Context) (dispatch.Result, error) {
	seriesRaw := cmd.Metadata[dispatch.MetadataSeriesID]
	seriesID, err := strconv.ParseInt(seriesRaw, 10, 64)
	if err != nil || seriesID == 0 {
		return dispatch.Result{Success: false, Message: "seriesId metadata required"}, nil
	}
	writer := cmd.Metadata[dispatch.MetadataAgent]
	if writer == "" {
		return dispatch.Result{Success: false, Message: "agent metadata required"}, nil
	}

	o.step(cmd, 1, 2, "writing episode")
	resp, res, err := o.callModel(ctx, cmd, ports.ModelRequest{
		Messages: []ports.ChatMessage{
			{Role: "system", Content: fmt.Sprintf("You are the writer %s. Write the next episode of series %d. First line is the title.", writer, seriesID)},
			{Role: "user", Content: "Write the next episode."},
		},
	})
	if err != nil || resp == nil {
		return res, err
	}
	title, body := splitEpisode(resp.Message.Content)
	if body == "" {
		return dispatch.Result{Success: false, Message: "model returned an empty episode"}, nil
	}

	o.step(cmd, 2, 2, "saving episode")
	storyID, err := o.deps.Maintenance.AppendEpisode(ctx, seriesID, writer, title, body)
	if err != nil {
		return dispatch.Result{}, err
	}
	return dispatch.Result{Success: true, Message: fmt.Sprintf("episode %d appended to series %d", storyID, seriesID)}, nil
}

func (o *ops) autoDeleteLowRated(ctx context.Context, cmd *dispatch.Context) (dispatch.Result, error) {
	deleted, err := o.deps.Maintenance.DeleteLowRatedStories(ctx)
	if err != nil {
		return dispatch.Result{}, err
	}
	if o.deps.OpLog != nil && deleted > 0 {
		o.deps.OpLog.Log(ctx, oplog.LevelInfo, oplog.CategoryAutoOps,
			fmt.Sprintf("deleted %d low-rated stories", deleted), nil)
	}
	return dispatch.Result{Success: true, Message: fmt.Sprintf("%d low-rated stories deleted", deleted)}, nil
}

func (o *ops) updateModelStats(ctx context.Context, cmd *dispatch.Context) (dispatch.Result, error) {
	updated, err := o.deps.Maintenance.RefreshWriterScores(ctx)
	if err != nil {
		return dispatch.Result{}, err
	}
	return dispatch.Result{Success: true, Message: fmt.Sprintf("%d writer scores refreshed", updated)}, nil
}

func (o *ops) memoryEmbedding(ctx context.Context, cmd *dispatch.Context) (dispatch.Result, error) {
	if o.deps.Embedder == nil {
		return dispatch.Result{Success: false, Message: "embedding backend not configured"}, nil
	}
	total, err := o.deps.Store.CountPendingEmbeddings(ctx)
	if err != nil {
		return dispatch.Result{}, err
	}
	if total == 0 {
		return dispatch.Result{Success: true, Message: "embedding backlog empty"}, nil
	}

	processed := 0
	for processed < total {
		if err := ctx.Err(); err != nil {
			return dispatch.Result{}, err
		}
		o.step(cmd, processed, total, "embedding pending stories")
		n, err := o.deps.Embedder.EmbedPending(ctx, embeddingBatchSize)
		if err != nil {
			return dispatch.Result{}, err
		}
		if n == 0 {
			break
		}
		processed += n
	}
	o.step(cmd, processed, total, "embedding backlog drained")
	return dispatch.Result{Success: true, Message: fmt.Sprintf("%d embeddings updated", processed)}, nil
}

// parseRating extracts a 0-100 rating from a model reply. Accepts a bare
// number or a number leading the first line.
func parseRating(content string) (float64, error) {
	text := strings.TrimSpace(content)
	if i := strings.IndexAny(text, "\r\n"); i >= 0 {
		text = strings.TrimSpace(text[:i])
	}
	fields := strings.Fields(text)
	if len(fields) > 0 {
		text = strings.TrimSuffix(fields[0], "%")
	}
	rating, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, fmt.Errorf("unparseable rating %q", strings.TrimSpace(content))
	}
	if rating < 0 || rating > 100 {
		return 0, fmt.Errorf("rating %.1f out of range", rating)
	}
	return rating, nil
}

// splitEpisode treats the first non-empty line as the title.
func splitEpisode(content string) (title, body string) {
	text := strings.TrimSpace(content)
	if text == "" {
		return "", ""
	}
	lines := strings.SplitN(text, "\n", 2)
	title = strings.TrimSpace(lines[0])
	if len(lines) == 2 {
		body = strings.TrimSpace(lines[1])
	}
	if body == "" {
		// Single-line reply: use it as the body with a generic title.
		body = title
		title = "Untitled episode"
	}
	return title, body
}
