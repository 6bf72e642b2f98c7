package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jfremy/ancestra/pkg/contrib"
	"github.com/jfremy/ancestra/pkg/graph"
	"github.com/jfremy/ancestra/pkg/jobs"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/pkg/errors"
)

// RegisterAgentTools exposes job triggering and the contribution review
// workflow. Trigger tools only enqueue; they never block on agent
// completion.
func RegisterAgentTools(s *server.MCPServer, queue *jobs.Queue, contribs *contrib.Store) {
	triggerResearch := mcp.NewTool("trigger_research",
		mcp.WithDescription("Queue a background research run for a person. Returns the job id immediately."),
		mcp.WithString("personId", mcp.Required(), mcp.Description("The person to research")),
		mcp.WithString("contributorId", mcp.Required(), mcp.Description("The contributor triggering the run")),
	)
	s.AddTool(triggerResearch, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		personID := req.GetString("personId", "")
		contributorID := req.GetString("contributorId", "")
		if personID == "" || contributorID == "" {
			return mcp.NewToolResultError("personId and contributorId are required"), nil
		}
		jobID, err := queue.Enqueue(ctx, jobs.KindResearch, jobs.ResearchPayload{
			PersonID:      personID,
			ContributorID: contributorID,
		})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf(`{"jobId":%q}`, jobID)), nil
	})

	triggerLabeling := mcp.NewTool("trigger_media_labeling",
		mcp.WithDescription("Queue AI labeling for a media item. Returns the job id immediately."),
		mcp.WithString("mediaId", mcp.Required(), mcp.Description("The media node to label")),
	)
	s.AddTool(triggerLabeling, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		mediaID := req.GetString("mediaId", "")
		if mediaID == "" {
			return mcp.NewToolResultError("mediaId is required"), nil
		}
		jobID, err := queue.Enqueue(ctx, jobs.KindLabelMedia, jobs.LabelMediaPayload{MediaID: mediaID})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf(`{"jobId":%q}`, jobID)), nil
	})

	jobStatus := mcp.NewTool("job_status",
		mcp.WithDescription("Check the status of a queued job"),
		mcp.WithString("jobId", mcp.Required(), mcp.Description("The job id returned by a trigger tool")),
	)
	s.AddTool(jobStatus, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		jobID := req.GetString("jobId", "")
		if jobID == "" {
			return mcp.NewToolResultError("jobId is required"), nil
		}
		status, errText, err := queue.Status(ctx, jobID)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out, _ := json.Marshal(map[string]string{"status": status, "error": errText})
		return mcp.NewToolResultText(string(out)), nil
	})

	listPending := mcp.NewTool("list_pending_contributions",
		mcp.WithDescription("List agent-proposed contributions awaiting review, newest first"),
	)
	s.AddTool(listPending, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		pending, err := contribs.ListPending(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out, err := json.Marshal(pending)
		if err != nil {
			return nil, errors.Wrap(err, "encoding pending contributions")
		}
		return mcp.NewToolResultText(string(out)), nil
	})

	review := mcp.NewTool("review_contribution",
		mcp.WithDescription("Accept or reject a pending contribution. Accepting commits the proposed entity to the graph."),
		mcp.WithString("id", mcp.Required(), mcp.Description("The contribution id")),
		mcp.WithString("action", mcp.Required(), mcp.Description("accept or reject")),
		mcp.WithString("reviewerId", mcp.Required(), mcp.Description("The admin resolving the contribution")),
		mcp.WithString("editedPayload", mcp.Description("Optional corrected payload JSON to use instead of the proposal")),
	)
	s.AddTool(review, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id := req.GetString("id", "")
		action := contrib.Action(req.GetString("action", ""))
		reviewerID := req.GetString("reviewerId", "")
		if id == "" || reviewerID == "" {
			return mcp.NewToolResultError("id and reviewerId are required"), nil
		}

		var edited *graph.PersonInput
		if raw := req.GetString("editedPayload", ""); raw != "" {
			payload, err := contrib.ParsePayload(raw)
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			edited = &payload
		}

		result, err := contribs.Resolve(ctx, id, action, reviewerID, edited)
		if err != nil {
			// Stale reviews fail fast and visibly.
			return mcp.NewToolResultError(err.Error()), nil
		}
		out, err := json.Marshal(result)
		if err != nil {
			return nil, errors.Wrap(err, "encoding review result")
		}
		return mcp.NewToolResultText(string(out)), nil
	})
}
