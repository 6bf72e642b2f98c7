package tools

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/jfremy/ancestra/pkg/graph"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// RegisterPersonTools exposes the committed-graph operations: person
// creation, archival, relationships, merging and kinship paths. All
// writes go through the invariant engine.
func RegisterPersonTools(s *server.MCPServer, engine *graph.Engine) {
	createPerson := mcp.NewTool("create_person",
		mcp.WithDescription("Create a person in the family graph"),
		mcp.WithString("name", mcp.Required(), mcp.Description("Full name")),
		mcp.WithString("birthDate", mcp.Description("Birth date, ISO format")),
		mcp.WithString("deathDate", mcp.Description("Death date, ISO format")),
		mcp.WithString("bio", mcp.Description("Short biography")),
		mcp.WithString("gender", mcp.Description("male, female or other")),
		mcp.WithString("birthPlace", mcp.Description("Place of birth")),
		mcp.WithString("contributorId", mcp.Description("Contributor creating the person")),
	)
	s.AddTool(createPerson, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		input := graph.PersonInput{
			Name:       req.GetString("name", ""),
			BirthDate:  req.GetString("birthDate", ""),
			DeathDate:  req.GetString("deathDate", ""),
			Bio:        req.GetString("bio", ""),
			Gender:     req.GetString("gender", ""),
			BirthPlace: req.GetString("birthPlace", ""),
		}
		entity, err := engine.CreatePerson(ctx, input, req.GetString("contributorId", ""), graph.Provenance{})
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out, _ := json.Marshal(entity)
		return mcp.NewToolResultText(string(out)), nil
	})

	getPerson := mcp.NewTool("get_person",
		mcp.WithDescription("Look up an entity by id. Archived entities still resolve."),
		mcp.WithString("id", mcp.Required(), mcp.Description("The entity id")),
	)
	s.AddTool(getPerson, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		entity, err := engine.GetEntity(ctx, req.GetString("id", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out, _ := json.Marshal(entity)
		return mcp.NewToolResultText(string(out)), nil
	})

	updatePerson := mcp.NewTool("update_person",
		mcp.WithDescription("Update fields on a person. Omitted fields are left untouched."),
		mcp.WithString("id", mcp.Required(), mcp.Description("The person id")),
		mcp.WithString("name", mcp.Description("Full name")),
		mcp.WithString("birthDate", mcp.Description("Birth date, ISO format")),
		mcp.WithString("deathDate", mcp.Description("Death date, ISO format")),
		mcp.WithString("bio", mcp.Description("Short biography")),
		mcp.WithString("gender", mcp.Description("male, female or other")),
		mcp.WithString("birthPlace", mcp.Description("Place of birth")),
	)
	s.AddTool(updatePerson, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		data := map[string]interface{}{}
		for _, field := range []string{"name", "birthDate", "deathDate", "bio", "gender", "birthPlace"} {
			if value := req.GetString(field, ""); value != "" {
				data[field] = value
			}
		}
		if len(data) == 0 {
			return mcp.NewToolResultError("no fields to update"), nil
		}
		if err := engine.UpdatePerson(ctx, req.GetString("id", ""), data); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(`{"success":true}`), nil
	})

	listRelatives := mcp.NewTool("list_relatives",
		mcp.WithDescription("List a person's parents, children or spouses. Archived people are excluded."),
		mcp.WithString("personId", mcp.Required(), mcp.Description("The person id")),
		mcp.WithString("relation", mcp.Required(), mcp.Description("parents, children or spouses")),
	)
	s.AddTool(listRelatives, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		personID := req.GetString("personId", "")
		var relatives []graph.PersonSummary
		var err error
		switch req.GetString("relation", "") {
		case "parents":
			relatives, err = engine.ListParents(ctx, personID)
		case "children":
			relatives, err = engine.ListChildren(ctx, personID)
		case "spouses":
			relatives, err = engine.ListSpouses(ctx, personID)
		default:
			return mcp.NewToolResultError("relation must be parents, children or spouses"), nil
		}
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out, _ := json.Marshal(relatives)
		return mcp.NewToolResultText(string(out)), nil
	})

	archivePerson := mcp.NewTool("archive_person",
		mcp.WithDescription("Archive (soft-delete) an entity. It disappears from listings but keeps its history."),
		mcp.WithString("id", mcp.Required(), mcp.Description("The entity id")),
	)
	s.AddTool(archivePerson, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if err := engine.Archive(ctx, req.GetString("id", "")); err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(`{"success":true}`), nil
	})

	addRelationship := mcp.NewTool("add_relationship",
		mcp.WithDescription("Create a typed relationship between two entities. Parent/child and marriage edges are created as reciprocal pairs."),
		mcp.WithString("fromId", mcp.Required(), mcp.Description("Source entity id")),
		mcp.WithString("toId", mcp.Required(), mcp.Description("Target entity id")),
		mcp.WithString("type", mcp.Required(), mcp.Description("Relationship type, e.g. PARENT_OF, MARRIED_TO")),
	)
	s.AddTool(addRelationship, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		relType := graph.RelType(strings.ToUpper(req.GetString("type", "")))
		err := engine.AddRelationship(ctx, req.GetString("fromId", ""), req.GetString("toId", ""), relType)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(`{"success":true}`), nil
	})

	mergePersons := mcp.NewTool("merge_persons",
		mcp.WithDescription("Merge a duplicate person into the canonical one. Relationships are re-pointed and the duplicate is archived."),
		mcp.WithString("keepId", mcp.Required(), mcp.Description("The canonical person id")),
		mcp.WithString("mergeId", mcp.Required(), mcp.Description("The duplicate person id")),
	)
	s.AddTool(mergePersons, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		err := engine.Merge(ctx, req.GetString("keepId", ""), req.GetString("mergeId", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(`{"success":true}`), nil
	})

	findPath := mcp.NewTool("find_path",
		mcp.WithDescription("Find the shortest kinship path between two people, ignoring edge direction"),
		mcp.WithString("fromId", mcp.Required(), mcp.Description("Start person id")),
		mcp.WithString("toId", mcp.Required(), mcp.Description("End person id")),
	)
	s.AddTool(findPath, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		path, err := engine.ShortestPath(ctx, req.GetString("fromId", ""), req.GetString("toId", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out, _ := json.Marshal(map[string]interface{}{"path": path})
		return mcp.NewToolResultText(string(out)), nil
	})

	graphData := mcp.NewTool("get_graph_data",
		mcp.WithDescription("Project the live person graph into nodes and links for rendering"),
	)
	s.AddTool(graphData, func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		nodes, links, err := engine.GraphData(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		out, _ := json.Marshal(map[string]interface{}{"nodes": nodes, "links": links})
		return mcp.NewToolResultText(string(out)), nil
	})
}
