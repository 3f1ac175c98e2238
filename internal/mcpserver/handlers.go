package mcpserver

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/mbd888/infravault/pkg/client"
)

const defaultWaitTimeout = 30 * time.Second

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client      *client.Client
	waitTimeout time.Duration
	pollEvery   time.Duration
}

// NewHandlers creates a new Handlers instance. waitTimeout <= 0 uses 30s.
func NewHandlers(c *client.Client, waitTimeout time.Duration) *Handlers {
	if waitTimeout <= 0 {
		waitTimeout = defaultWaitTimeout
	}
	return &Handlers{client: c, waitTimeout: waitTimeout, pollEvery: 250 * time.Millisecond}
}

// HandleServerInfo describes the connected server.
func (h *Handlers) HandleServerInfo(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	info, err := h.client.Info(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to reach server: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%s %s\n", info.Name, info.Version)
	fmt.Fprintf(&sb, "Oracle: %s\n", info.OracleMode)
	fmt.Fprintf(&sb, "Signed receipts: %t\n", info.Receipts)
	fmt.Fprintf(&sb, "Sectors: %s\n", strings.Join(info.Sectors, ", "))
	return mcp.NewToolResultText(sb.String()), nil
}

// HandleSubmitNetwork records a network from existing ciphertext handles.
func (h *Handlers) HandleSubmitNetwork(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	in := client.SubmitNetworkInput{
		DependencyMatrix: req.GetString("dependency_matrix", ""),
		Capacity:         req.GetString("capacity", ""),
		Criticality:      req.GetString("criticality", ""),
		Sector:           req.GetString("sector", ""),
	}
	if in.DependencyMatrix == "" || in.Capacity == "" || in.Criticality == "" || in.Sector == "" {
		return mcp.NewToolResultError("dependency_matrix, capacity, criticality and sector are required"), nil
	}

	n, err := h.client.SubmitNetwork(ctx, in)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to submit network: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Network %d submitted (%s sector).\nNext: request_analysis with network_id=%d.",
		n.ID, sectorName(n.Sector), n.ID)), nil
}

// HandleAssessNetwork encrypts, submits, analyzes and optionally reveals
// in one step.
func (h *Handlers) HandleAssessNetwork(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sector := req.GetString("sector", "")
	if sector == "" {
		return mcp.NewToolResultError("sector is required"), nil
	}
	values := make([]uint64, 0, 3)
	for _, key := range []string{"dependency_matrix", "capacity", "criticality"} {
		v := req.GetInt(key, -1)
		if v < 0 {
			return mcp.NewToolResultError(key + " must be a non-negative integer"), nil
		}
		values = append(values, uint64(v))
	}
	reveal := req.GetBool("reveal", true)

	// 1. Encrypt
	handles, err := h.client.Encrypt(ctx, values...)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Encryption failed (is the server in local oracle mode?): %v", err)), nil
	}

	// 2. Submit
	n, err := h.client.SubmitNetwork(ctx, client.SubmitNetworkInput{
		DependencyMatrix: handles[0],
		Capacity:         handles[1],
		Criticality:      handles[2],
		Sector:           sector,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Submission failed: %v", err)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Network %d submitted (%s sector)\n", n.ID, sectorName(n.Sector))

	// 3. Analyze
	if _, err := h.client.RequestAnalysis(ctx, n.ID); err != nil {
		fmt.Fprintf(&sb, "Analysis request failed: %v\n", err)
		return mcp.NewToolResultText(sb.String()), nil
	}
	st, err := h.wait(ctx, n.ID, client.StatusAnalyzed)
	if err != nil {
		fmt.Fprintf(&sb, "Analysis requested but not delivered yet: %v\nUse network_status to check later.\n", err)
		return mcp.NewToolResultText(sb.String()), nil
	}
	fmt.Fprintf(&sb, "Analysis %d recorded (encrypted)\n", st.AnalysisID)

	if !reveal {
		fmt.Fprintf(&sb, "Result stays encrypted. Use request_reveal with analysis_id=%d to publish it.\n", st.AnalysisID)
		return mcp.NewToolResultText(sb.String()), nil
	}

	// 4. Reveal
	if _, err := h.client.RequestReveal(ctx, st.AnalysisID); err != nil {
		fmt.Fprintf(&sb, "Reveal request failed: %v\n", err)
		return mcp.NewToolResultText(sb.String()), nil
	}
	st, err = h.wait(ctx, n.ID, client.StatusRevealed)
	if err != nil || st.Result == nil {
		fmt.Fprintf(&sb, "Reveal requested but not delivered yet: %v\n", err)
		return mcp.NewToolResultText(sb.String()), nil
	}
	fmt.Fprintf(&sb, "\nRisk score: %d\nVulnerability: %d\n", st.Result.RiskScore, st.Result.Vulnerability)
	return mcp.NewToolResultText(sb.String()), nil
}

func (h *Handlers) wait(ctx context.Context, networkID uint64, status string) (*client.NetworkStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, h.waitTimeout)
	defer cancel()
	return h.client.WaitForStatus(ctx, networkID, status, h.pollEvery)
}

// HandleNetworkStatus reports the derived protocol state.
func (h *Handlers) HandleNetworkStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetInt("network_id", 0)
	if id <= 0 {
		return mcp.NewToolResultError("network_id is required"), nil
	}

	st, err := h.client.NetworkStatus(ctx, uint64(id))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get status: %v", err)), nil
	}
	return mcp.NewToolResultText(formatStatus(st)), nil
}

// HandleRequestAnalysis starts the first oracle round trip.
func (h *Handlers) HandleRequestAnalysis(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetInt("network_id", 0)
	if id <= 0 {
		return mcp.NewToolResultError("network_id is required"), nil
	}

	reqID, err := h.client.RequestAnalysis(ctx, uint64(id))
	if err != nil {
		if client.IsKind(err, "already_analyzed") || client.IsKind(err, "analysis_pending") {
			return mcp.NewToolResultText(fmt.Sprintf("Network %d already has an analysis in progress or recorded. Use network_status.", id)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to request analysis: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Analysis requested for network %d.\nOracle request: %s\nThe result arrives asynchronously; poll network_status.", id, reqID)), nil
}

// HandleRequestReveal starts the second oracle round trip.
func (h *Handlers) HandleRequestReveal(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetInt("analysis_id", 0)
	if id <= 0 {
		return mcp.NewToolResultError("analysis_id is required"), nil
	}

	reqID, err := h.client.RequestReveal(ctx, uint64(id))
	if err != nil {
		if client.IsKind(err, "already_revealed") {
			return mcp.NewToolResultText(fmt.Sprintf("Analysis %d is already revealed. Use get_result.", id)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("Failed to request reveal: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Reveal requested for analysis %d.\nOracle request: %s", id, reqID)), nil
}

// HandleGetResult reads an analysis result slot.
func (h *Handlers) HandleGetResult(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id := req.GetInt("analysis_id", 0)
	if id <= 0 {
		return mcp.NewToolResultError("analysis_id is required"), nil
	}

	res, err := h.client.GetResult(ctx, uint64(id))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get result: %v", err)), nil
	}
	if !res.Revealed {
		return mcp.NewToolResultText(fmt.Sprintf("Analysis %d is not revealed yet.", id)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf(
		"Analysis %d\nRisk score: %d\nVulnerability: %d", res.AnalysisID, res.RiskScore, res.Vulnerability)), nil
}

// HandleListEvents lists audit events.
func (h *Handlers) HandleListEvents(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	f := client.EventFilter{
		Type:  req.GetString("type", ""),
		Limit: req.GetInt("limit", 50),
	}
	if v := req.GetInt("network_id", 0); v > 0 {
		f.NetworkID = uint64(v)
	}
	if v := req.GetInt("analysis_id", 0); v > 0 {
		f.AnalysisID = uint64(v)
	}

	events, err := h.client.ListEvents(ctx, f)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list events: %v", err)), nil
	}
	return mcp.NewToolResultText(formatEvents(events)), nil
}

// HandleVerifyReceipt lists receipts for an analysis or verifies one.
func (h *Handlers) HandleVerifyReceipt(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if id := req.GetString("receipt_id", ""); id != "" {
		v, err := h.client.VerifyReceipt(ctx, id)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("Failed to verify receipt: %v", err)), nil
		}
		switch {
		case v.Valid && v.Expired:
			return mcp.NewToolResultText(fmt.Sprintf("Receipt %s is authentic but has expired.", id)), nil
		case v.Valid:
			return mcp.NewToolResultText(fmt.Sprintf("Receipt %s is valid.", id)), nil
		default:
			return mcp.NewToolResultText(fmt.Sprintf("Receipt %s is NOT valid: %s", id, v.Error)), nil
		}
	}

	analysisID := req.GetInt("analysis_id", 0)
	if analysisID <= 0 {
		return mcp.NewToolResultError("receipt_id or analysis_id is required"), nil
	}
	receipts, err := h.client.ListReceipts(ctx, uint64(analysisID))
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list receipts: %v", err)), nil
	}
	if len(receipts) == 0 {
		return mcp.NewToolResultText(fmt.Sprintf("No receipts for analysis %d.", analysisID)), nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Receipts for analysis %d:\n\n", analysisID)
	for i, r := range receipts {
		fmt.Fprintf(&sb, "%d. %s (%s) issued %s\n", i+1, r.ID, r.Kind, r.IssuedAt.UTC().Format(time.RFC3339))
	}
	return mcp.NewToolResultText(sb.String()), nil
}

// --- Formatting helpers ---

func sectorName(code uint8) string {
	names := []string{"", client.SectorPower, client.SectorTelecom, client.SectorTransport, client.SectorWater}
	if int(code) < len(names) && code > 0 {
		return names[code]
	}
	return fmt.Sprintf("sector %d", code)
}

func formatStatus(st *client.NetworkStatus) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Network %d: %s\n", st.NetworkID, st.Status)
	if st.AnalysisID > 0 {
		fmt.Fprintf(&sb, "Analysis: %d\n", st.AnalysisID)
	}
	if len(st.PendingRequests) > 0 {
		fmt.Fprintf(&sb, "Pending oracle requests: %s\n", strings.Join(st.PendingRequests, ", "))
	}
	if st.Result != nil && st.Result.Revealed {
		fmt.Fprintf(&sb, "Risk score: %d\nVulnerability: %d\n", st.Result.RiskScore, st.Result.Vulnerability)
	}
	return sb.String()
}

func formatEvents(events []client.Event) string {
	if len(events) == 0 {
		return "No events found."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d events:\n\n", len(events))
	for _, e := range events {
		fmt.Fprintf(&sb, "#%d %s %s", e.Seq, e.CreatedAt.UTC().Format(time.RFC3339), e.Type)
		if e.NetworkID > 0 {
			fmt.Fprintf(&sb, " network=%d", e.NetworkID)
		}
		if e.AnalysisID > 0 {
			fmt.Fprintf(&sb, " analysis=%d", e.AnalysisID)
		}
		if e.Detail != "" {
			fmt.Fprintf(&sb, " (%s)", e.Detail)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}
