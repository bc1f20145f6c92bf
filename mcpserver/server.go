package mcpserver

import (
	"context"
	"errors"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/seta-lab/seta/internal/biz/domain"
	"github.com/seta-lab/seta/internal/biz/repo"
	"github.com/seta-lab/seta/internal/biz/usecase"
	"github.com/seta-lab/seta/internal/service"
)

// Deps are the usecases the tools call into. Publisher and Settings may be
// nil; the matching tools are then not registered.
type Deps struct {
	Filter    *usecase.FilterUsecase
	Usage     *usecase.UsageAccountant
	Publisher repo.Publisher
	Settings  repo.SettingRepo
}

// SetaMCPServer exposes the filter pipeline as MCP tools
type SetaMCPServer struct {
	server *mcp.Server
	deps   Deps
}

// NewServer creates a new MCP server
func NewServer(deps Deps, version string) *SetaMCPServer {
	if version == "" {
		version = "v1.0.0"
	}
	server := mcp.NewServer(&mcp.Implementation{
		Name:    "seta-tools",
		Version: version,
	}, nil)

	s := &SetaMCPServer{server: server, deps: deps}
	s.registerTools()
	return s
}

// registerTools registers all seta MCP tools
func (s *SetaMCPServer) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "seta_filter_text",
		Description: "Run the rule and classifier filters on a chat message. Returns the routing mode, removed spans, the canned reply for auto-routed messages and the text that would reach the LLM.",
	}, s.handleFilterText)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "seta_classify_text",
		Description: "Run only the intent classifier on text. Returns the decision and every fragment it dropped.",
	}, s.handleClassifyText)

	if s.deps.Usage != nil {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        "seta_estimate_usage",
			Description: "Estimate tokens, cost, energy, CO2 and water for generating from the given text.",
		}, s.handleEstimateUsage)
	}

	if s.deps.Publisher != nil {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        "seta_submit_message",
			Description: "Submit a chat message to the pipeline. Returns the trace id used to correlate its results.",
		}, s.handleSubmitMessage)
	}

	if s.deps.Settings != nil {
		mcp.AddTool(s.server, &mcp.Tool{
			Name:        "seta_get_user_setting",
			Description: "Get the persona setting of a user: nickname, role, preferred tone and traits.",
		}, s.handleGetUserSetting)
	}
}

// FilterTextInput is the input for seta_filter_text
type FilterTextInput struct {
	Text string `json:"text" jsonschema:"The chat message to filter"`
	Tone string `json:"tone,omitempty" jsonschema:"Reply tone for canned responses: neutral, friendly, polite, cheerful, calm or cynical"`
}

// FilterTextOutput is the output for seta_filter_text
type FilterTextOutput struct {
	Action    domain.Action      `json:"action"`
	Mode      domain.Mode        `json:"mode"`
	Category  domain.Category    `json:"category,omitempty"`
	Response  string             `json:"response,omitempty"`
	Removed   []domain.SpanMatch `json:"removed"`
	FinalText string             `json:"final_text"`
	Saved     domain.Resources   `json:"saved"`
}

func (s *SetaMCPServer) handleFilterText(ctx context.Context, req *mcp.CallToolRequest, input FilterTextInput) (*mcp.CallToolResult, FilterTextOutput, error) {
	if strings.TrimSpace(input.Text) == "" {
		return nil, FilterTextOutput{}, errors.New("text is required")
	}
	ev, err := s.deps.Filter.Evaluate(ctx, input.Text, domain.ParseTone(input.Tone))
	if err != nil {
		return nil, FilterTextOutput{}, err
	}
	out := FilterTextOutput{
		Action:    ev.Action,
		Mode:      ev.Rule.Mode,
		Category:  ev.Rule.TopCategory,
		Response:  ev.Rule.Response,
		Removed:   append([]domain.SpanMatch{}, ev.Rule.Matches...),
		FinalText: ev.FinalText,
		Saved:     ev.Saved,
	}
	if ev.ML != nil && ev.ML.Label != "" {
		out.Category = ev.ML.Label
	}
	return nil, out, nil
}

// ClassifyTextInput is the input for seta_classify_text
type ClassifyTextInput struct {
	Text string `json:"text" jsonschema:"Text to classify, usually already rule-filtered"`
}

// ClassifyTextOutput is the output for seta_classify_text
type ClassifyTextOutput struct {
	Enabled  bool                  `json:"enabled"`
	Decision domain.FilterDecision `json:"decision"`
}

func (s *SetaMCPServer) handleClassifyText(ctx context.Context, req *mcp.CallToolRequest, input ClassifyTextInput) (*mcp.CallToolResult, ClassifyTextOutput, error) {
	if strings.TrimSpace(input.Text) == "" {
		return nil, ClassifyTextOutput{}, errors.New("text is required")
	}
	msg := domain.Message{RawText: input.Text, CleanedText: input.Text, Mode: domain.ModePass}
	d, err := s.deps.Filter.Classify(ctx, msg)
	if err != nil {
		return nil, ClassifyTextOutput{}, err
	}
	if d.DropLog == nil {
		d.DropLog = []domain.DropLogEntry{}
	}
	return nil, ClassifyTextOutput{Enabled: s.deps.Filter.IsClassifierEnabled(), Decision: *d}, nil
}

// EstimateUsageInput is the input for seta_estimate_usage
type EstimateUsageInput struct {
	Text   string `json:"text,omitempty" jsonschema:"Text to size with the token counter"`
	Tokens int    `json:"tokens,omitempty" jsonschema:"Token count to use instead of text"`
}

// EstimateUsageOutput is the output for seta_estimate_usage
type EstimateUsageOutput struct {
	Tokens    int              `json:"tokens"`
	Resources domain.Resources `json:"resources"`
}

func (s *SetaMCPServer) handleEstimateUsage(ctx context.Context, req *mcp.CallToolRequest, input EstimateUsageInput) (*mcp.CallToolResult, EstimateUsageOutput, error) {
	tokens := input.Tokens
	if tokens <= 0 {
		tokens = s.deps.Usage.CountTokens(input.Text)
	}
	return nil, EstimateUsageOutput{Tokens: tokens, Resources: s.deps.Usage.Estimate(tokens)}, nil
}

// SubmitMessageInput is the input for seta_submit_message
type SubmitMessageInput struct {
	RoomID string `json:"room_id" jsonschema:"Conversation room"`
	UserID string `json:"user_id,omitempty" jsonschema:"Sender"`
	Text   string `json:"text" jsonschema:"Message text"`
	Tone   string `json:"tone,omitempty" jsonschema:"Preferred reply tone"`
}

// SubmitMessageOutput is the output for seta_submit_message
type SubmitMessageOutput struct {
	TraceID string `json:"trace_id"`
}

func (s *SetaMCPServer) handleSubmitMessage(ctx context.Context, req *mcp.CallToolRequest, input SubmitMessageInput) (*mcp.CallToolResult, SubmitMessageOutput, error) {
	msg, err := service.Submit(ctx, s.deps.Publisher, domain.Message{
		RoomID:  input.RoomID,
		UserID:  input.UserID,
		RawText: input.Text,
		Tone:    domain.ParseTone(input.Tone),
	})
	if err != nil {
		return nil, SubmitMessageOutput{}, err
	}
	return nil, SubmitMessageOutput{TraceID: msg.TraceID}, nil
}

// GetUserSettingInput is the input for seta_get_user_setting
type GetUserSettingInput struct {
	UserID string `json:"user_id" jsonschema:"The user to look up"`
}

// GetUserSettingOutput is the output for seta_get_user_setting
type GetUserSettingOutput struct {
	Found             bool     `json:"found"`
	CallMe            string   `json:"call_me,omitempty"`
	RoleDescription   string   `json:"role_description,omitempty"`
	PreferredTone     string   `json:"preferred_tone,omitempty"`
	Traits            []string `json:"traits,omitempty"`
	AdditionalContext string   `json:"additional_context,omitempty"`
}

func (s *SetaMCPServer) handleGetUserSetting(ctx context.Context, req *mcp.CallToolRequest, input GetUserSettingInput) (*mcp.CallToolResult, GetUserSettingOutput, error) {
	st, err := s.deps.Settings.GetSetting(ctx, input.UserID)
	if err != nil {
		return nil, GetUserSettingOutput{}, err
	}
	if st == nil {
		return nil, GetUserSettingOutput{}, nil
	}
	return nil, GetUserSettingOutput{
		Found:             true,
		CallMe:            st.CallMe,
		RoleDescription:   st.RoleDescription,
		PreferredTone:     string(st.PreferredTone),
		Traits:            st.Traits,
		AdditionalContext: st.AdditionalContext,
	}, nil
}

// Run starts the MCP server with stdio transport
func (s *SetaMCPServer) Run(ctx context.Context) error {
	return s.server.Run(ctx, &mcp.StdioTransport{})
}

// GetServer returns the underlying MCP server
func (s *SetaMCPServer) GetServer() *mcp.Server {
	return s.server
}
