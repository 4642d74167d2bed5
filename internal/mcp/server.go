// Package mcp exposes the diagnosis service as MCP tools over stdio.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/diagnosis"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/version"
)

// Diagnoser is the part of diagnosis.Service the tools use.
type Diagnoser interface {
	Status() diagnosis.Status
	Diagnose(ctx context.Context, symptoms string) (diagnosis.Result, error)
	CollectionStatus(ctx context.Context) (diagnosis.CollectionStatus, error)
}

// DiagnoseInput is the input for diagnose.
type DiagnoseInput struct {
	Symptoms string `json:"symptoms" jsonschema:"Free-text description of the patient's symptoms, preferably in Spanish."`
}

// StatusInput is the input for vectorstore_status (empty).
type StatusInput struct{}

// Server wraps the official MCP SDK server.
type Server struct {
	server  *sdkmcp.Server
	service Diagnoser
}

// NewServer creates a new MCP server backed by service.
func NewServer(service Diagnoser) *Server {
	s := &Server{service: service}

	s.server = sdkmcp.NewServer(&sdkmcp.Implementation{
		Name:    "diagnostico",
		Version: version.Short(),
	}, &sdkmcp.ServerOptions{
		Instructions: "diagnostico suggests rare-disease diagnoses from a symptom description. " +
			"Use diagnose with the patient's symptoms to get candidate diseases and a generated analysis. " +
			"Use vectorstore_status to check whether the disease collection is connected and loaded. " +
			"Results are decision support for clinicians, not a medical diagnosis.",
	})

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "diagnose",
		Description: "Find the rare diseases whose symptoms best match the description and generate a differential diagnosis.",
	}, s.handleDiagnose)

	sdkmcp.AddTool(s.server, &sdkmcp.Tool{
		Name:        "vectorstore_status",
		Description: "Report initialization state, vector store connection and disease collection statistics.",
	}, s.handleStatus)

	return s
}

// Run serves over stdio until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context) error {
	return s.server.Run(ctx, &sdkmcp.StdioTransport{})
}

func errorResult(format string, args ...any) *sdkmcp.CallToolResult {
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: fmt.Sprintf(format, args...)}},
		IsError: true,
	}
}

func textResult(text string) *sdkmcp.CallToolResult {
	return &sdkmcp.CallToolResult{
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: text}},
	}
}

func (s *Server) handleDiagnose(ctx context.Context, req *sdkmcp.CallToolRequest, input DiagnoseInput) (*sdkmcp.CallToolResult, any, error) {
	if strings.TrimSpace(input.Symptoms) == "" {
		return errorResult("symptoms parameter is required"), nil, nil
	}

	res, err := s.service.Diagnose(ctx, input.Symptoms)
	if err != nil {
		if errors.Is(err, diagnosis.ErrNotReady) {
			return errorResult("The service is still initializing: %v", err), nil, nil
		}
		return errorResult("Diagnosis error: %v", err), nil, nil
	}

	var sb strings.Builder
	sb.WriteString(res.Diagnosis)
	if len(res.Matches) > 0 {
		sb.WriteString("\n\n### Matching diseases\n")
		for i, m := range res.Matches {
			fmt.Fprintf(&sb, "%d. %s", i+1, m.Name)
			if m.Code != "" {
				fmt.Fprintf(&sb, " (%s)", m.Code)
			}
			fmt.Fprintf(&sb, " similarity %.2f\n", m.Similarity)
		}
	}
	return textResult(sb.String()), nil, nil
}

func (s *Server) handleStatus(ctx context.Context, req *sdkmcp.CallToolRequest, input StatusInput) (*sdkmcp.CallToolResult, any, error) {
	st := s.service.Status()

	var sb strings.Builder
	fmt.Fprintf(&sb, "Initialization: %s (attempts: %d)\n", st.Phase, st.InitAttempts)
	if st.Error != "" {
		fmt.Fprintf(&sb, "Last error: %s\n", st.Error)
	}
	fmt.Fprintf(&sb, "Vector store: %s", st.VectorStore.State)
	if st.VectorStore.Endpoint != nil {
		fmt.Fprintf(&sb, " at %s", st.VectorStore.Endpoint)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Components: vectorstore=%t collection=%t embedding=%t llm=%t\n",
		st.Components.VectorStore, st.Components.Collection, st.Components.Embedding, st.Components.LLM)

	if !st.Ready {
		return textResult(sb.String()), nil, nil
	}

	cs, err := s.service.CollectionStatus(ctx)
	if err != nil {
		sb.WriteString("\nCollection statistics unavailable: " + err.Error() + "\n")
		return textResult(sb.String()), nil, nil
	}
	sb.WriteString("\nCollection:\n")
	fmt.Fprintf(&sb, "  Name: %s\n", cs.Name)
	fmt.Fprintf(&sb, "  Rows: %d\n", cs.RowCount)
	fmt.Fprintf(&sb, "  Index: %s\n", cs.IndexStatus)
	fmt.Fprintf(&sb, "  Loaded: %t\n", cs.Loaded)
	return textResult(sb.String()), nil, nil
}
